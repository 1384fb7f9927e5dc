package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Role classifies an enrolled person for access-policy purposes.
type Role string

const (
	RoleResident Role = "resident"
	RoleStaff    Role = "staff"
)

// ErrPersonNotFound is returned when no person record matches an identity label.
var ErrPersonNotFound = errors.New("person record not found")

// Person is an enrolled subject keyed by the identity label the classifier
// predicts. The label is immutable once assigned.
type Person struct {
	IdentityLabel string    `gorm:"column:identity_label;primaryKey;size:64" json:"identity_label"`
	Name          string    `gorm:"column:name;size:128" json:"name"`
	Role          Role      `gorm:"column:role;size:16" json:"role"`
	Unit          string    `gorm:"column:unit;size:64" json:"unit"`
	Phone         string    `gorm:"column:phone;size:32" json:"phone"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the default table name.
func (Person) TableName() string {
	return "persons"
}

// PersonRepository provides lookup and enrollment APIs for person records.
type PersonRepository struct {
	db *gorm.DB
	retryPolicy
}

// NewPersonRepository creates a new repository instance.
func NewPersonRepository(db *gorm.DB, logger *zap.Logger) *PersonRepository {
	return &PersonRepository{
		db:          db,
		retryPolicy: defaultRetryPolicy(logger.Named("person_repository")),
	}
}

// AutoMigrate ensures the schema is available.
func (r *PersonRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Person{})
}

// FindByLabel retrieves the person enrolled under an identity label.
func (r *PersonRepository) FindByLabel(ctx context.Context, label string) (*Person, error) {
	var person Person
	err := r.executeWithRetry(ctx, "person.find_by_label", label, func() error {
		return r.db.WithContext(ctx).First(&person, "identity_label = ?", label).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPersonNotFound
		}
		return nil, err
	}
	return &person, nil
}

// Enroll persists a new person record.
func (r *PersonRepository) Enroll(ctx context.Context, person *Person) error {
	return r.executeWithRetry(ctx, "person.enroll", person.IdentityLabel, func() error {
		return r.db.WithContext(ctx).Create(person).Error
	})
}

// List returns all enrolled persons ordered by identity label.
func (r *PersonRepository) List(ctx context.Context) ([]*Person, error) {
	var persons []*Person
	err := r.executeWithRetry(ctx, "person.list", "", func() error {
		return r.db.WithContext(ctx).Order("identity_label").Find(&persons).Error
	})
	if err != nil {
		return nil, err
	}
	return persons, nil
}
