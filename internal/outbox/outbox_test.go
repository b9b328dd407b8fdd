package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoledger/backend/internal/domain"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.LedgerEvent
	err    error
	panics bool
}

func (r *recorder) Apply(_ context.Context, event domain.LedgerEvent) error {
	if r.panics {
		panic("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestSyncQueueSwallowsHandlerErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	rec := &recorder{err: errors.New("ledger down")}
	q := NewSyncQueue(rec, logger)

	require.NoError(t, q.Enqueue(context.Background(), domain.LedgerEvent{ID: "evt-1", Kind: domain.LedgerEventStockAdded}))
	assert.Equal(t, []string{domain.LedgerEventStockAdded}, rec.kinds())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "evt-1", hook.LastEntry().Data["event_id"])
}

func TestSyncQueueRecoversPanics(t *testing.T) {
	q := NewSyncQueue(&recorder{panics: true}, discardLogger())
	assert.NotPanics(t, func() {
		require.NoError(t, q.Enqueue(context.Background(), domain.LedgerEvent{ID: "evt-1", Kind: domain.LedgerEventSaleRecorded}))
	})
}

func TestLocalQueueAppliesInOrderAndDrainsOnClose(t *testing.T) {
	rec := &recorder{}
	q := NewLocalQueue(rec, 4, discardLogger())

	kinds := []string{
		domain.LedgerEventStockAdded,
		domain.LedgerEventSaleRecorded,
		domain.LedgerEventSaleReversed,
		domain.LedgerEventStockEntryDeleted,
	}
	for i, kind := range kinds {
		require.NoError(t, q.Enqueue(context.Background(), domain.LedgerEvent{ID: string(rune('a' + i)), Kind: kind}))
	}
	require.NoError(t, q.Close())

	assert.Equal(t, kinds, rec.kinds())
	assert.ErrorIs(t, q.Enqueue(context.Background(), domain.LedgerEvent{Kind: domain.LedgerEventStockAdded}), ErrQueueClosed)
	require.NoError(t, q.Close())
}

func TestLocalQueueKeepsRunningAfterPanic(t *testing.T) {
	var calls int
	var mu sync.Mutex
	handler := HandlerFunc(func(_ context.Context, event domain.LedgerEvent) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if event.ID == "bad" {
			panic("bad event")
		}
		return nil
	})
	q := NewLocalQueue(handler, 2, discardLogger())
	require.NoError(t, q.Enqueue(context.Background(), domain.LedgerEvent{ID: "bad"}))
	require.NoError(t, q.Enqueue(context.Background(), domain.LedgerEvent{ID: "good"}))
	require.NoError(t, q.Close())

	assert.Equal(t, 2, calls)
}

func TestHooksBuildEvents(t *testing.T) {
	rec := &recorder{}
	hooks := NewHooks(NewSyncQueue(rec, discardLogger()), discardLogger())
	ctx := context.Background()

	hooks.OnStockAdded(ctx)
	hooks.OnStockEntryDeleted(ctx, decimal.NewFromInt(800), true)
	hooks.OnSaleRecorded(ctx, decimal.NewFromInt(1200), decimal.NewFromInt(300))
	hooks.OnSaleReversed(ctx, decimal.NewFromInt(1200), decimal.NewFromInt(300))

	require.Len(t, rec.events, 4)
	for _, e := range rec.events {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.OccurredAt.IsZero())
	}
	deleted := rec.events[1]
	assert.True(t, deleted.IsLastEntry)
	assert.True(t, deleted.ValueRemoved.Equal(decimal.NewFromInt(800)))
	reversed := rec.events[3]
	assert.Equal(t, domain.LedgerEventSaleReversed, reversed.Kind)
	assert.True(t, reversed.Amount.Equal(decimal.NewFromInt(1200)))
	assert.True(t, reversed.NetProfit.Equal(decimal.NewFromInt(300)))
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, domain.LedgerEvent) error { return errors.New("broker down") }

func TestHooksLogEnqueueFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	hooks := NewHooks(failingQueue{}, logger)

	assert.NotPanics(t, func() { hooks.OnStockAdded(context.Background()) })
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

type stubWriter struct {
	messages []kafka.Message
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *stubWriter) Close() error { return nil }

func TestKafkaQueuePublishesKeyedJSON(t *testing.T) {
	w := &stubWriter{}
	q := &KafkaQueue{writer: w, key: []byte("capital-ledger")}
	amount := decimal.NewFromInt(1200)

	require.NoError(t, q.Enqueue(context.Background(), domain.LedgerEvent{ID: "evt-1", Kind: domain.LedgerEventSaleRecorded, Amount: &amount}))
	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "capital-ledger", string(msg.Key))
	assert.Equal(t, domain.LedgerEventSaleRecorded, string(msg.Headers[0].Value))

	var got domain.LedgerEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "evt-1", got.ID)
	assert.True(t, got.Amount.Equal(amount))
}

type stubReader struct {
	messages  []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *stubReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.messages) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *stubReader) Close() error { return nil }

func TestConsumerAppliesAndCommitsEveryMessage(t *testing.T) {
	payload, err := json.Marshal(domain.LedgerEvent{ID: "evt-1", Kind: domain.LedgerEventStockAdded})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &stubReader{
		messages: []kafka.Message{
			{Offset: 1, Value: payload},
			{Offset: 2, Value: []byte("{not json")},
			{Offset: 3, Value: payload},
		},
		cancel: cancel,
	}
	rec := &recorder{err: errors.New("ledger down")}
	c := &Consumer{reader: reader, handler: rec, log: discardLogger()}

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, []int64{1, 2, 3}, reader.committed)
	assert.Len(t, rec.kinds(), 2)
}
