package whatsapp

import (
	"context"
	"time"

	"github.com/REFFIX-BR/acaiteria-sub000/internal/domain"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var ErrInstanceNotFound = errors.New("whatsapp: instance not found")

// InstanceRepository handles database operations for instance records
type InstanceRepository interface {
	// Create inserts a new instance record
	Create(ctx context.Context, inst *domain.WhatsAppInstance) error

	// Update saves every column of an existing record
	Update(ctx context.Context, inst *domain.WhatsAppInstance) error

	// GetByID retrieves an instance by ID
	GetByID(ctx context.Context, id int64) (*domain.WhatsAppInstance, error)

	// GetByName retrieves an instance by its provider name
	GetByName(ctx context.Context, name string) (*domain.WhatsAppInstance, error)

	// List retrieves the instances of a store, or all of them when storeID is 0
	List(ctx context.Context, storeID int64) ([]*domain.WhatsAppInstance, error)

	// ListForSync retrieves instances whose state should be polled
	ListForSync(ctx context.Context) ([]*domain.WhatsAppInstance, error)

	// UpdateStatus updates the status, last error and check time
	UpdateStatus(ctx context.Context, id int64, status, lastError string, checkedAt time.Time) error

	// Delete removes an instance record
	Delete(ctx context.Context, id int64) error
}

// GormInstanceRepository is the GORM implementation of InstanceRepository
type GormInstanceRepository struct {
	db *gorm.DB
}

// NewGormInstanceRepository creates a new GORM-based repository
func NewGormInstanceRepository(db *gorm.DB) *GormInstanceRepository {
	return &GormInstanceRepository{db: db}
}

func (r *GormInstanceRepository) Create(ctx context.Context, inst *domain.WhatsAppInstance) error {
	return r.db.WithContext(ctx).Create(inst).Error
}

func (r *GormInstanceRepository) Update(ctx context.Context, inst *domain.WhatsAppInstance) error {
	return r.db.WithContext(ctx).Save(inst).Error
}

func (r *GormInstanceRepository) GetByID(ctx context.Context, id int64) (*domain.WhatsAppInstance, error) {
	var inst domain.WhatsAppInstance
	err := r.db.WithContext(ctx).First(&inst, id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &inst, nil
}

func (r *GormInstanceRepository) GetByName(ctx context.Context, name string) (*domain.WhatsAppInstance, error) {
	var inst domain.WhatsAppInstance
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&inst).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &inst, nil
}

func (r *GormInstanceRepository) List(ctx context.Context, storeID int64) ([]*domain.WhatsAppInstance, error) {
	var items []*domain.WhatsAppInstance
	query := r.db.WithContext(ctx).Order("id DESC")
	if storeID > 0 {
		query = query.Where("store_id = ?", storeID)
	}
	err := query.Find(&items).Error
	return items, err
}

func (r *GormInstanceRepository) ListForSync(ctx context.Context) ([]*domain.WhatsAppInstance, error) {
	var items []*domain.WhatsAppInstance
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", []string{domain.InstanceStatusPending, domain.InstanceStatusFailed}).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

func (r *GormInstanceRepository) UpdateStatus(ctx context.Context, id int64, status, lastError string, checkedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&domain.WhatsAppInstance{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          status,
			"last_error":      lastError,
			"last_checked_at": checkedAt,
			"updated_at":      time.Now(),
		}).Error
}

func (r *GormInstanceRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&domain.WhatsAppInstance{}, id).Error
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInstanceNotFound
	}
	return err
}
