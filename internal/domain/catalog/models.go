// Package catalog provides read access to the course catalog — courses,
// modules, lessons — as the indexing pipeline's content source. It owns no
// authoring workflow; writes exist only for seeding and tests.
package catalog

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a lesson or course does not exist or has been
// soft-deleted.
var ErrNotFound = errors.New("catalog: not found")

// LessonType classifies lesson content.
type LessonType string

const (
	LessonVideo    LessonType = "video"
	LessonText     LessonType = "text"
	LessonQuiz     LessonType = "quiz"
	LessonDocument LessonType = "document"
)

// Valid reports whether t is a known lesson type.
func (t LessonType) Valid() bool {
	switch t {
	case LessonVideo, LessonText, LessonQuiz, LessonDocument:
		return true
	}
	return false
}

type Course struct {
	ID          string
	Title       string
	Description *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Module struct {
	ID         string
	CourseID   string
	Title      string
	OrderIndex int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Lesson is the unit of indexable content. Description and Content are
// optional; a lesson may carry no text at all (e.g. a bare video).
// Soft-deleted rows (DeletedAt set) are invisible to every read path.
type Lesson struct {
	ID          string
	ModuleID    string
	Title       string
	Description *string
	Content     *string
	Type        LessonType
	OrderIndex  int
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}
