package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tradecore/internal/execution"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

func sampleRecord(id string, status execution.Status) Record {
	o := execution.Order{DecisionID: id, Instrument: "BTCUSDT", Side: execution.SideBuy, Size: 1, Type: execution.OrderTypeMarket}
	res := execution.OrderResult{DecisionID: id, Status: status, Adapter: "simulated", Attempts: 1}
	if status == execution.StatusFilled {
		res.Success, res.Filled, res.FillPrice, res.BrokerRef = true, true, 100.5, "sim-000001"
	}
	return NewRecord("paper", o, res, false, at)
}

func TestStoreAppendAndList(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "audit", "audit.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, sampleRecord("d1", execution.StatusFilled)))
	dup := sampleRecord("d1", execution.StatusFilled)
	dup.Duplicate = true
	dup.At = at.Add(time.Second)
	require.NoError(t, store.Append(ctx, dup))
	require.NoError(t, store.Append(ctx, sampleRecord("d2", execution.StatusDenied)))

	d1, err := store.List(ctx, "d1", 10)
	require.NoError(t, err)
	require.Len(t, d1, 2)
	assert.True(t, d1[0].Duplicate, "newest first")
	assert.Equal(t, 100.5, d1[1].FillPrice)
	assert.Equal(t, "BTCUSDT", d1[1].Order.Instrument)
	assert.Equal(t, "sim-000001", d1[1].Result.BrokerRef)
	assert.True(t, d1[1].At.Equal(at))

	all, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStoreIsAppendOnly(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Append(context.Background(), sampleRecord("d1", execution.StatusFilled)))

	err = store.DB().Model(&recordModel{}).Where("decision_id = ?", "d1").Update("status", "rejected").Error
	assert.Error(t, err)
	err = store.DB().Where("decision_id = ?", "d1").Delete(&recordModel{}).Error
	assert.Error(t, err)

	rows, err := store.List(context.Background(), "d1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, execution.StatusFilled, rows[0].Status)
}

func TestOpenStoreRequiresPath(t *testing.T) {
	_, err := OpenStore("  ")
	assert.Error(t, err)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysByDecision(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "audit"}
	require.NoError(t, sink.Append(context.Background(), sampleRecord("d9", execution.StatusFilled)))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "d9", string(w.msgs[0].Key))
	assert.Contains(t, string(w.msgs[0].Value), `"decision_id":"d9"`)

	w.err = errors.New("broker down")
	assert.Error(t, sink.Append(context.Background(), sampleRecord("d10", execution.StatusFilled)))
}

func TestNewKafkaSinkValidates(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Topic: "x"})
	assert.Error(t, err)
	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "audit"})
	require.NoError(t, err)
	assert.NoError(t, sink.Close())
}

type failingSink struct{}

func (failingSink) Append(context.Context, Record) error { return errors.New("nope") }

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	sink := Multi(a, nil, failingSink{}, b)
	err := sink.Append(context.Background(), sampleRecord("d1", execution.StatusFilled))
	assert.Error(t, err)
	assert.Len(t, a.Records(), 1)
	assert.Len(t, b.Records(), 1)
	assert.Len(t, a.ForDecision("d1"), 1)
	assert.Empty(t, a.ForDecision("other"))
	assert.NoError(t, Discard.Append(context.Background(), Record{}))
}
