package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/store"
)

// CustomerService registers customers and announces them to the pipeline.
type CustomerService struct {
	repo store.Repository
	now  func() time.Time
}

// NewCustomerService creates a new instance of CustomerService.
func NewCustomerService(repo store.Repository) *CustomerService {
	return &CustomerService{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// CreateCustomer stores a customer and its CustomerCreated message in one
// transaction. The outbox dispatcher publishes the message.
func (s *CustomerService) CreateCustomer(ctx context.Context, name string) (*domain.Customer, error) {
	customer, err := domain.NewCustomer(name, s.now())
	if err != nil {
		return nil, err
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := tx.CreateCustomer(ctx, customer); err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	event := domain.CustomerCreated{
		CustomerID: customer.ID,
		Name:       customer.Name,
		CreatedAt:  customer.CreatedAt,
	}
	if err := tx.EnqueueEvent(ctx, domain.EventsExchange, domain.QueueCustomerCreated, event); err != nil {
		return nil, fmt.Errorf("enqueue customer.created: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit customer: %w", err)
	}

	log.Printf("level=info component=customer_service msg=\"customer created\" customer_id=%s", customer.ID)
	return customer, nil
}

// GetCustomer returns a stored customer.
func (s *CustomerService) GetCustomer(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	return s.repo.FindCustomerByID(ctx, id)
}
