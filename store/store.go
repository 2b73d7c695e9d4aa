package store

import (
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"reviewflow/apperrors"
)

// ErrClaimLost is returned when another worker changed the enrollment
// between claim and apply. The caller drops the transition and retries
// on a later pass.
var ErrClaimLost = errors.New("enrollment claim lost")

const (
	DefaultPageSize = 25
	MaxPageSize     = 200
)

// Page normalizes paging input.
func Page(page, pageSize int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return (page - 1) * pageSize, pageSize
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error, resource string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NewNotFound(resource, id)
	}
	return err
}

// Stores bundles the repositories a process needs.
type Stores struct {
	Sequences   SequenceStore
	Enrollments EnrollmentStore
	Customers   CustomerDirectory
	Templates   TemplateDirectory
	Businesses  BusinessDirectory
}

func New(db *gorm.DB, defaultLocation *time.Location) Stores {
	return Stores{
		Sequences:   NewSequenceRepository(db),
		Enrollments: NewEnrollmentRepository(db),
		Customers:   NewCustomerRepository(db),
		Templates:   NewTemplateRepository(db),
		Businesses:  NewBusinessRepository(db, defaultLocation),
	}
}
