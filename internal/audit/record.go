// Package audit keeps an append-only trail of every order attempt.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"tradecore/internal/execution"

	"github.com/google/uuid"
)

// Record is one submission attempt, denied and duplicate ones included.
type Record struct {
	ID         string           `json:"id"`
	DecisionID string           `json:"decision_id"`
	Mode       string           `json:"mode"`
	Adapter    string           `json:"adapter"`
	Instrument string           `json:"instrument"`
	Side       string           `json:"side"`
	Size       float64          `json:"size"`
	Status     execution.Status `json:"status"`
	Layer      string           `json:"layer,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	BrokerRef  string           `json:"broker_ref,omitempty"`
	FillPrice  float64          `json:"fill_price,omitempty"`
	Attempts   int              `json:"attempts"`
	Duplicate  bool             `json:"duplicate"`
	At         time.Time        `json:"at"`

	Order  execution.Order       `json:"order"`
	Result execution.OrderResult `json:"result"`
}

// NewRecord builds the audit entry for one submission.
func NewRecord(mode string, o execution.Order, res execution.OrderResult, duplicate bool, at time.Time) Record {
	return Record{
		ID:         uuid.NewString(),
		DecisionID: o.DecisionID,
		Mode:       mode,
		Adapter:    res.Adapter,
		Instrument: o.Instrument,
		Side:       string(o.Side),
		Size:       o.Size,
		Status:     res.Status,
		Layer:      res.Layer,
		Reason:     res.Reason,
		BrokerRef:  res.BrokerRef,
		FillPrice:  res.FillPrice,
		Attempts:   res.Attempts,
		Duplicate:  duplicate,
		At:         at.UTC(),
		Order:      o,
		Result:     res,
	}
}

// Sink accepts records. Implementations never modify or drop what was
// appended earlier.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// MemorySink keeps records in order of arrival.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// Records returns a copy.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// ForDecision returns the records for one decision id.
func (m *MemorySink) ForDecision(decisionID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.DecisionID == decisionID {
			out = append(out, r)
		}
	}
	return out
}

type multiSink []Sink

// Multi fans one record out to every sink. All sinks are attempted; their
// errors are joined.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(context.Context, Record) error { return nil }
