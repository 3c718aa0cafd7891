package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

type EnrollmentRepository interface {
	ListEnrolledStudentIDs(ctx context.Context, courseID string) ([]string, error)
	IsEnrolled(ctx context.Context, courseID, studentID string) (bool, error)
}

type enrollmentRepo struct {
	db *sqlx.DB
}

func NewEnrollmentRepository(db *sqlx.DB) EnrollmentRepository {
	return &enrollmentRepo{db: db}
}

func (r *enrollmentRepo) ListEnrolledStudentIDs(ctx context.Context, courseID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT student_id FROM enrollments
		WHERE course_id = $1
		ORDER BY student_id
	`, courseID)
	return ids, err
}

func (r *enrollmentRepo) IsEnrolled(ctx context.Context, courseID, studentID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM enrollments WHERE course_id = $1 AND student_id = $2
		)
	`, courseID, studentID)
	return exists, err
}
