package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type RefStatus string

const (
	RefPending   RefStatus = "pending"
	RefAccepted  RefStatus = "accepted"
	RefFilled    RefStatus = "filled"
	RefRejected  RefStatus = "rejected"
	RefCancelled RefStatus = "cancelled"
	RefFailed    RefStatus = "failed"
)

// Terminal reports whether the venue side of the order is settled.
func (s RefStatus) Terminal() bool {
	switch s {
	case RefFilled, RefRejected, RefCancelled, RefFailed:
		return true
	}
	return false
}

// Ref maps one decision id to the order the venue knows about. It is written
// before the first venue call so a crash mid-call can be reconciled.
type Ref struct {
	DecisionID string    `json:"decision_id"`
	ClientID   string    `json:"client_id"`
	VenueRef   string    `json:"venue_ref,omitempty"`
	Session    string    `json:"session"`
	Instrument string    `json:"instrument"`
	Side       Side      `json:"side"`
	Size       float64   `json:"size"`
	Status     RefStatus `json:"status"`
	FillPrice  float64   `json:"fill_price,omitempty"`
	FillSize   float64   `json:"fill_size,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RefStore persists decision id to venue reference mappings outside the
// process.
type RefStore interface {
	Put(ctx context.Context, ref Ref) error
	Get(ctx context.Context, decisionID string) (Ref, bool, error)
	// Pending lists non-terminal refs of a session, oldest first.
	Pending(ctx context.Context, session string) ([]Ref, error)
	Close() error
}

var clientIDNamespace = uuid.MustParse("6f1c1b7e-2d0b-5c1a-9a5e-3f0e7d1c4b21")

// ClientOrderID derives the venue client order id from a decision id. The
// same decision always maps to the same id, which lets the venue reject a
// resend as a duplicate.
func ClientOrderID(decisionID string) string {
	return uuid.NewSHA1(clientIDNamespace, []byte(decisionID)).String()
}

// MemoryRefStore keeps refs in process memory. It loses everything on
// restart and is meant for tests and paper sessions.
type MemoryRefStore struct {
	mu   sync.Mutex
	refs map[string]Ref
}

func NewMemoryRefStore() *MemoryRefStore {
	return &MemoryRefStore{refs: make(map[string]Ref)}
}

func (m *MemoryRefStore) Put(_ context.Context, ref Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.refs[ref.DecisionID]; ok && ref.CreatedAt.IsZero() {
		ref.CreatedAt = prev.CreatedAt
	}
	m.refs[ref.DecisionID] = ref
	return nil
}

func (m *MemoryRefStore) Get(_ context.Context, decisionID string) (Ref, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.refs[decisionID]
	return ref, ok, nil
}

func (m *MemoryRefStore) Pending(_ context.Context, session string) ([]Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Ref
	for _, ref := range m.refs {
		if ref.Session == session && !ref.Status.Terminal() {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].DecisionID < out[j].DecisionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRefStore) Close() error { return nil }
