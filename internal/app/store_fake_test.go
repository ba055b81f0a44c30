package app

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/store"
)

// memoryStore is an in-memory store.Repository. Transactions are serialised
// and their writes only become visible on Commit.
type memoryStore struct {
	txMu sync.Mutex

	mu        sync.Mutex
	customers map[uuid.UUID]domain.Customer
	proposals map[uuid.UUID]domain.Proposal
	cards     []domain.Card
	outbox    []outboxRow
	commits   int
	clock     time.Time

	beginErr   error
	updateErr  error
	enqueueErr error
	commitErr  error
}

type outboxRow struct {
	msg       store.OutboxMessage
	status    string
	dueAt     time.Time
	claimedAt time.Time
	lastError string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		customers: make(map[uuid.UUID]domain.Customer),
		proposals: make(map[uuid.UUID]domain.Proposal),
	}
}

func (s *memoryStore) addCustomer(name string) domain.Customer {
	c, _ := domain.NewCustomer(name, time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = *c
	return *c
}

func (s *memoryStore) addProposal(customerID uuid.UUID, status domain.ProposalStatus, updatedAt time.Time) domain.Proposal {
	p := domain.NewProposal(customerID, "", updatedAt)
	p.Status = status
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[p.ID] = *p
	return *p
}

func (s *memoryStore) proposal(id uuid.UUID) domain.Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proposals[id]
}

func (s *memoryStore) cardsFor(proposalID uuid.UUID) []domain.Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Card
	for _, c := range s.cards {
		if c.ProposalID == proposalID {
			out = append(out, c)
		}
	}
	return out
}

// now is the store's clock; tests move it forward with advance.
func (s *memoryStore) now() time.Time {
	if s.clock.IsZero() {
		s.clock = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	}
	return s.clock
}

func (s *memoryStore) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.now().Add(d)
}

// outboxMessages returns every outbox row in insertion order.
func (s *memoryStore) outboxMessages() []store.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.OutboxMessage, 0, len(s.outbox))
	for _, r := range s.outbox {
		out = append(out, r.msg)
	}
	return out
}

func (s *memoryStore) outboxRoutingKeys() []string {
	var keys []string
	for _, m := range s.outboxMessages() {
		keys = append(keys, m.RoutingKey)
	}
	return keys
}

func (s *memoryStore) outboxStatus(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.outbox {
		if r.msg.ID == id {
			return r.status
		}
	}
	return ""
}

func (s *memoryStore) ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]store.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var claimed []store.OutboxMessage
	for i := range s.outbox {
		if len(claimed) == limit {
			break
		}
		r := &s.outbox[i]
		due := r.status == "pending" && !r.dueAt.After(now)
		stale := r.status == "processing" && r.claimedAt.Before(now.Add(-staleAfter))
		if !due && !stale {
			continue
		}
		r.status = "processing"
		r.claimedAt = now
		r.msg.Attempts++
		claimed = append(claimed, r.msg)
	}
	return claimed, nil
}

func (s *memoryStore) MarkOutboxPublished(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].msg.ID == id {
			s.outbox[i].status = "published"
			s.outbox[i].lastError = ""
		}
	}
	return nil
}

func (s *memoryStore) MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].msg.ID == id {
			s.outbox[i].status = "pending"
			s.outbox[i].dueAt = s.now().Add(retryAfter)
			s.outbox[i].lastError = reason
		}
	}
	return nil
}

func (s *memoryStore) FindCustomerByID(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrCustomerNotFound
	}
	return &c, nil
}

func (s *memoryStore) CreateProposal(ctx context.Context, p *domain.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.IdempotencyKey != "" {
		for _, existing := range s.proposals {
			if existing.IdempotencyKey == p.IdempotencyKey {
				return store.ErrDuplicateProposal
			}
		}
	}
	stored := *p
	stored.Cards = nil
	s.proposals[p.ID] = stored
	return nil
}

func (s *memoryStore) FindProposalByID(ctx context.Context, id uuid.UUID) (*domain.Proposal, error) {
	s.mu.Lock()
	p, ok := s.proposals[id]
	s.mu.Unlock()
	if !ok {
		return nil, store.ErrProposalNotFound
	}
	p.Cards = s.cardsFor(id)
	return &p, nil
}

func (s *memoryStore) FindProposalByIdempotencyKey(ctx context.Context, key string) (*domain.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.proposals {
		if key != "" && p.IdempotencyKey == key {
			return &p, nil
		}
	}
	return nil, store.ErrProposalNotFound
}

func (s *memoryStore) ListStaleCreatedProposals(ctx context.Context, olderThan time.Time, limit int) ([]domain.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Proposal
	for _, p := range s.proposals {
		if p.Status == domain.ProposalStatusCreated && p.UpdatedAt.Before(olderThan) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) FindCardByIdempotencyKey(ctx context.Context, proposalID uuid.UUID, key string) (*domain.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findCard(s.cards, proposalID, key)
}

func findCard(cards []domain.Card, proposalID uuid.UUID, key string) (*domain.Card, error) {
	for _, c := range cards {
		if c.ProposalID == proposalID && c.IdempotencyKey == key {
			card := c
			return &card, nil
		}
	}
	return nil, store.ErrCardNotFound
}

func (s *memoryStore) Begin(ctx context.Context) (store.Tx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	s.txMu.Lock()
	return &memoryTx{s: s, proposals: make(map[uuid.UUID]domain.Proposal)}, nil
}

type memoryTx struct {
	s         *memoryStore
	done      bool
	customers []domain.Customer
	proposals map[uuid.UUID]domain.Proposal
	cards     []domain.Card
	outbox    []store.OutboxMessage
}

func (t *memoryTx) CreateCustomer(ctx context.Context, c *domain.Customer) error {
	t.customers = append(t.customers, *c)
	return nil
}

func (t *memoryTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	if t.s.enqueueErr != nil {
		return t.s.enqueueErr
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.outbox = append(t.outbox, store.OutboxMessage{Exchange: exchange, RoutingKey: routingKey, Payload: blob})
	return nil
}

func (t *memoryTx) current(id uuid.UUID) (domain.Proposal, bool) {
	if p, ok := t.proposals[id]; ok {
		return p, true
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	p, ok := t.s.proposals[id]
	return p, ok
}

func (t *memoryTx) FindProposalForUpdate(ctx context.Context, id uuid.UUID) (*domain.Proposal, error) {
	p, ok := t.current(id)
	if !ok {
		return nil, store.ErrProposalNotFound
	}
	return &p, nil
}

func (t *memoryTx) UpdateProposalDecision(ctx context.Context, p *domain.Proposal) error {
	if t.s.updateErr != nil {
		return t.s.updateErr
	}
	current, ok := t.current(p.ID)
	if !ok {
		return store.ErrProposalNotFound
	}
	if current.Status != domain.ProposalStatusCreated {
		return store.ErrProposalAlreadyDecided
	}
	current.Status = p.Status
	current.UpdatedAt = p.UpdatedAt
	t.proposals[p.ID] = current
	return nil
}

func (t *memoryTx) UpdateProposalStatus(ctx context.Context, p *domain.Proposal) error {
	current, ok := t.current(p.ID)
	if !ok {
		return store.ErrProposalNotFound
	}
	current.Status = p.Status
	current.UpdatedAt = p.UpdatedAt
	t.proposals[p.ID] = current
	return nil
}

func (t *memoryTx) FindCardByIdempotencyKey(ctx context.Context, proposalID uuid.UUID, key string) (*domain.Card, error) {
	if c, err := findCard(t.cards, proposalID, key); err == nil {
		return c, nil
	}
	return t.s.FindCardByIdempotencyKey(ctx, proposalID, key)
}

func (t *memoryTx) CreateCard(ctx context.Context, c *domain.Card) error {
	if _, err := t.FindCardByIdempotencyKey(ctx, c.ProposalID, c.IdempotencyKey); err == nil {
		return store.ErrDuplicateCard
	}
	t.cards = append(t.cards, *c)
	return nil
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.s.txMu.Unlock()
	if t.s.commitErr != nil {
		return t.s.commitErr
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, c := range t.customers {
		t.s.customers[c.ID] = c
	}
	for id, p := range t.proposals {
		t.s.proposals[id] = p
	}
	t.s.cards = append(t.s.cards, t.cards...)
	for _, m := range t.outbox {
		m.ID = int64(len(t.s.outbox) + 1)
		t.s.outbox = append(t.s.outbox, outboxRow{msg: m, status: "pending", dueAt: t.s.now()})
	}
	t.s.commits++
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.txMu.Unlock()
	return nil
}

type publishedMessage struct {
	exchange   string
	routingKey string
	payload    interface{}
}

type publisherStub struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, publishedMessage{exchange: exchange, routingKey: routingKey, payload: payload})
	return nil
}

func (p *publisherStub) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		keys = append(keys, m.routingKey)
	}
	return keys
}

type enqueuerStub struct {
	events []domain.Event
	err    error
	limit  int
}

func (q *enqueuerStub) Enqueue(event domain.Event) error {
	if q.err != nil {
		return q.err
	}
	if q.limit > 0 && len(q.events) >= q.limit {
		return ErrQueueFull
	}
	q.events = append(q.events, event)
	return nil
}
