package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/rollcall/attendance-server-go/internal/model"
)

type StudentRepository interface {
	// FindByIdentity matches either the student identity or the registration
	// number. A missing student returns nil without error.
	FindByIdentity(ctx context.Context, id string) (*model.Student, error)
}

type studentRepo struct {
	db *sqlx.DB
}

func NewStudentRepository(db *sqlx.DB) StudentRepository {
	return &studentRepo{db: db}
}

func (r *studentRepo) FindByIdentity(ctx context.Context, id string) (*model.Student, error) {
	var s model.Student
	err := r.db.GetContext(ctx, &s, `
		SELECT identity, reg_no, name, department, year FROM students
		WHERE identity = $1 OR reg_no = $1
		ORDER BY (identity = $1) DESC
		LIMIT 1
	`, id)
	return HandleNotFound(&s, err)
}
