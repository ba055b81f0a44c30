package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is the PostgreSQL implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// FindCustomerByID retrieves a customer by id.
func (r *PostgresRepository) FindCustomerByID(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	var c domain.Customer
	err := r.db.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM customers WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	return &c, nil
}

// CreateProposal inserts a proposal. A repeated idempotency key returns
// ErrDuplicateProposal.
func (r *PostgresRepository) CreateProposal(ctx context.Context, p *domain.Proposal) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO proposals (id, customer_id, status, idempotency_key, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		p.ID, p.CustomerID, string(p.Status), p.IdempotencyKey, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateProposal
		}
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

const proposalColumns = `id, customer_id, status, COALESCE(idempotency_key, ''), created_at, updated_at`

func scanProposal(row pgx.Row) (*domain.Proposal, error) {
	var (
		p      domain.Proposal
		status string
	)
	if err := row.Scan(&p.ID, &p.CustomerID, &status, &p.IdempotencyKey, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProposalNotFound
		}
		return nil, err
	}
	p.Status = domain.ProposalStatus(status)
	return &p, nil
}

// FindProposalByID retrieves a proposal together with its cards.
func (r *PostgresRepository) FindProposalByID(ctx context.Context, id uuid.UUID) (*domain.Proposal, error) {
	p, err := scanProposal(r.db.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	cards, err := listCardsByProposal(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	p.Cards = cards
	return p, nil
}

// FindProposalByIdempotencyKey retrieves the proposal created for key.
func (r *PostgresRepository) FindProposalByIdempotencyKey(ctx context.Context, key string) (*domain.Proposal, error) {
	return scanProposal(r.db.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE idempotency_key = $1`, key))
}

// ListStaleCreatedProposals returns proposals still waiting for evaluation
// that were last touched before olderThan, oldest first.
func (r *PostgresRepository) ListStaleCreatedProposals(ctx context.Context, olderThan time.Time, limit int) ([]domain.Proposal, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+proposalColumns+` FROM proposals
		 WHERE status = 'created' AND updated_at < $1
		 ORDER BY updated_at ASC
		 LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proposals []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, *p)
	}
	return proposals, rows.Err()
}

// FindCardByIdempotencyKey retrieves the card issued for key.
func (r *PostgresRepository) FindCardByIdempotencyKey(ctx context.Context, proposalID uuid.UUID, key string) (*domain.Card, error) {
	return findCardByIdempotencyKey(ctx, r.db, proposalID, key)
}

// Begin starts a unit of work.
func (r *PostgresRepository) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

const cardColumns = `id, customer_id, proposal_id, idempotency_key, credit_limit::text, created_at, updated_at`

func scanCard(row pgx.Row) (*domain.Card, error) {
	var (
		c     domain.Card
		limit string
	)
	if err := row.Scan(&c.ID, &c.CustomerID, &c.ProposalID, &c.IdempotencyKey, &limit, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	parsed, err := decimal.NewFromString(limit)
	if err != nil {
		return nil, fmt.Errorf("parse credit limit %q: %w", limit, err)
	}
	c.Limit = parsed
	return &c, nil
}

func findCardByIdempotencyKey(ctx context.Context, q querier, proposalID uuid.UUID, key string) (*domain.Card, error) {
	return scanCard(q.QueryRow(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE proposal_id = $1 AND idempotency_key = $2`,
		proposalID, key,
	))
}

func listCardsByProposal(ctx context.Context, q querier, proposalID uuid.UUID) ([]domain.Card, error) {
	rows, err := q.Query(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE proposal_id = $1 ORDER BY created_at ASC`, proposalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *c)
	}
	return cards, rows.Err()
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) CreateCustomer(ctx context.Context, c *domain.Customer) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO customers (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.Name, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

func (t *postgresTx) FindProposalForUpdate(ctx context.Context, id uuid.UUID) (*domain.Proposal, error) {
	// FOR UPDATE serialises concurrent card issuance for the same proposal.
	return scanProposal(t.tx.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1 FOR UPDATE`, id))
}

func (t *postgresTx) UpdateProposalDecision(ctx context.Context, p *domain.Proposal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE proposals SET status = $2, updated_at = $3 WHERE id = $1 AND status = 'created'`,
		p.ID, string(p.Status), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update proposal decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM proposals WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrProposalNotFound
		}
		return ErrProposalAlreadyDecided
	}
	return nil
}

func (t *postgresTx) UpdateProposalStatus(ctx context.Context, p *domain.Proposal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE proposals SET status = $2, updated_at = $3 WHERE id = $1`,
		p.ID, string(p.Status), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update proposal status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProposalNotFound
	}
	return nil
}

func (t *postgresTx) FindCardByIdempotencyKey(ctx context.Context, proposalID uuid.UUID, key string) (*domain.Card, error) {
	return findCardByIdempotencyKey(ctx, t.tx, proposalID, key)
}

func (t *postgresTx) CreateCard(ctx context.Context, c *domain.Card) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO cards (id, customer_id, proposal_id, idempotency_key, credit_limit, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)`,
		c.ID, c.CustomerID, c.ProposalID, c.IdempotencyKey, c.Limit.StringFixed(2), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCard
		}
		return fmt.Errorf("insert card: %w", err)
	}
	return nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
