package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store reads and writes catalog rows over database/sql.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const lessonColumns = `id, module_id, title, description, content, type, order_index, is_active, created_at, updated_at, deleted_at`

func scanLesson(row interface{ Scan(...any) error }) (*Lesson, error) {
	var l Lesson
	err := row.Scan(
		&l.ID, &l.ModuleID, &l.Title, &l.Description, &l.Content,
		&l.Type, &l.OrderIndex, &l.IsActive, &l.CreatedAt, &l.UpdatedAt, &l.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLesson returns a lesson by id. Soft-deleted lessons are treated as
// missing. Inactive lessons are returned; activity only gates search.
func (s *Store) GetLesson(ctx context.Context, id string) (*Lesson, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lessonColumns+` FROM lesson WHERE id = ? AND deleted_at IS NULL`, id)
	l, err := scanLesson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lesson %s: %w", id, err)
	}
	return l, nil
}

// LessonCourseID resolves the course a lesson belongs to, through its module.
func (s *Store) LessonCourseID(ctx context.Context, lessonID string) (string, error) {
	var courseID string
	err := s.db.QueryRowContext(ctx, `
		SELECT m.course_id FROM lesson l
		JOIN module m ON m.id = l.module_id
		WHERE l.id = ?`, lessonID).Scan(&courseID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lesson course %s: %w", lessonID, err)
	}
	return courseID, nil
}

// CourseExists reports whether the course id refers to an existing course.
func (s *Store) CourseExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM course WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("course exists %s: %w", id, err)
	}
	return n > 0, nil
}

// ListCourseLessons returns all live lessons of a course, joined through its
// modules, in module/lesson order.
func (s *Store) ListCourseLessons(ctx context.Context, courseID string) ([]Lesson, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.module_id, l.title, l.description, l.content, l.type,
		       l.order_index, l.is_active, l.created_at, l.updated_at, l.deleted_at
		FROM lesson l
		JOIN module m ON m.id = l.module_id
		WHERE m.course_id = ? AND l.deleted_at IS NULL
		ORDER BY m.order_index, l.order_index, l.id`, courseID)
	if err != nil {
		return nil, fmt.Errorf("list course lessons %s: %w", courseID, err)
	}
	defer rows.Close()

	var lessons []Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lesson: %w", err)
		}
		lessons = append(lessons, *l)
	}
	return lessons, rows.Err()
}

// ListLessonsPage pages through every live lesson in creation order, id as
// tiebreak so pagination is stable under equal timestamps.
func (s *Store) ListLessonsPage(ctx context.Context, limit, offset int) ([]Lesson, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lessonColumns+` FROM lesson WHERE deleted_at IS NULL
		 ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list lessons page: %w", err)
	}
	defer rows.Close()

	var lessons []Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lesson: %w", err)
		}
		lessons = append(lessons, *l)
	}
	return lessons, rows.Err()
}

// CountLessons counts live lessons.
func (s *Store) CountLessons(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lesson WHERE deleted_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count lessons: %w", err)
	}
	return n, nil
}

// CreateCourse inserts a course and returns its id. Used by seed and tests.
func (s *Store) CreateCourse(ctx context.Context, title string, description *string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO course (id, title, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, title, description, now, now)
	if err != nil {
		return "", fmt.Errorf("create course: %w", err)
	}
	return id, nil
}

// CreateModule inserts a module and returns its id.
func (s *Store) CreateModule(ctx context.Context, courseID, title string, orderIndex int) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO module (id, course_id, title, order_index, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, courseID, title, orderIndex, now, now)
	if err != nil {
		return "", fmt.Errorf("create module: %w", err)
	}
	return id, nil
}

// NewLesson describes a lesson to insert.
type NewLesson struct {
	ModuleID    string
	Title       string
	Description *string
	Content     *string
	Type        LessonType
	OrderIndex  int
	IsActive    bool
}

// CreateLesson inserts a lesson and returns its id.
func (s *Store) CreateLesson(ctx context.Context, in NewLesson) (string, error) {
	if !in.Type.Valid() {
		return "", fmt.Errorf("create lesson: unknown lesson type %q", in.Type)
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lesson (id, module_id, title, description, content, type, order_index, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.ModuleID, in.Title, in.Description, in.Content, in.Type, in.OrderIndex, in.IsActive, now, now)
	if err != nil {
		return "", fmt.Errorf("create lesson: %w", err)
	}
	return id, nil
}

// SetLessonActive toggles a lesson's search visibility.
func (s *Store) SetLessonActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lesson SET is_active = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set lesson active %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteLesson marks a lesson deleted without removing the row.
func (s *Store) SoftDeleteLesson(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE lesson SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("soft delete lesson %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
