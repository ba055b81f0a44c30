package domain

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const MaxCustomerNameLength = 200

var (
	ErrCustomerNameRequired = errors.New("customer name is required")
	ErrCustomerNameTooLong  = errors.New("customer name is too long")
)

// Customer owns proposals and cards by id.
type Customer struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCustomer validates the name and builds a new customer.
func NewCustomer(name string, now time.Time) (*Customer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrCustomerNameRequired
	}
	if utf8.RuneCountInString(name) > MaxCustomerNameLength {
		return nil, ErrCustomerNameTooLong
	}
	now = now.UTC()
	return &Customer{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
