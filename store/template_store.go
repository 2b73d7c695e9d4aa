package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"reviewflow/models"
)

// TemplateDirectory is the per-business template lookup. Templates are
// queried by id on every use, never cached.
type TemplateDirectory interface {
	Get(ctx context.Context, businessID, id uint) (*models.Template, error)
	List(ctx context.Context, businessID uint, channel models.Channel) ([]models.Template, error)
}

type TemplateRepository struct {
	DB *gorm.DB
}

var _ TemplateDirectory = (*TemplateRepository)(nil)

func NewTemplateRepository(db *gorm.DB) *TemplateRepository {
	return &TemplateRepository{DB: db}
}

func (r *TemplateRepository) Get(ctx context.Context, businessID, id uint) (*models.Template, error) {
	var tpl models.Template
	if err := r.DB.WithContext(ctx).Where("business_id = ?", businessID).First(&tpl, id).Error; err != nil {
		return nil, notFound(err, "template", id)
	}
	return &tpl, nil
}

func (r *TemplateRepository) List(ctx context.Context, businessID uint, channel models.Channel) ([]models.Template, error) {
	query := r.DB.WithContext(ctx).Where("business_id = ?", businessID)
	if channel != "" {
		query = query.Where("channel = ?", channel)
	}
	var templates []models.Template
	err := query.Order("name ASC").Find(&templates).Error
	return templates, err
}

// BusinessDirectory exposes the settings the engine needs from a business.
type BusinessDirectory interface {
	Get(ctx context.Context, id uint) (*models.Business, error)
	Location(ctx context.Context, id uint) (*time.Location, error)
}

type BusinessRepository struct {
	DB              *gorm.DB
	DefaultLocation *time.Location
}

var _ BusinessDirectory = (*BusinessRepository)(nil)

func NewBusinessRepository(db *gorm.DB, defaultLocation *time.Location) *BusinessRepository {
	if defaultLocation == nil {
		defaultLocation = time.UTC
	}
	return &BusinessRepository{DB: db, DefaultLocation: defaultLocation}
}

func (r *BusinessRepository) Get(ctx context.Context, id uint) (*models.Business, error) {
	var business models.Business
	if err := r.DB.WithContext(ctx).First(&business, id).Error; err != nil {
		return nil, notFound(err, "business", id)
	}
	return &business, nil
}

// Location returns the business timezone, falling back to the configured
// default when it is unset or unknown.
func (r *BusinessRepository) Location(ctx context.Context, id uint) (*time.Location, error) {
	business, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if business.Timezone == "" {
		return r.DefaultLocation, nil
	}
	loc, err := time.LoadLocation(business.Timezone)
	if err != nil {
		return r.DefaultLocation, nil
	}
	return loc, nil
}
