// Package audit records every mutating operation. Entries are appended to
// storage first, so the log is authoritative, then forwarded to an optional
// external sink with bounded retries. Sink failures never fail the mutation.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/pkg/metrics"
	"github.com/moduleplane/moduleplane/internal/storage"
)

// Sink receives audit entries for external forwarding (SIEM, log pipeline).
type Sink interface {
	Deliver(ctx context.Context, entry *models.AuditEntry) error
}

// LogSink writes entries as JSON lines through slog. It is the default sink.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(ctx context.Context, entry *models.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.Logger.InfoContext(ctx, "audit", slog.String("entry", string(data)))
	return nil
}

const forwardQueueSize = 1024

// Recorder is the append-only audit log. Record writes synchronously to
// storage; forwarding to the sink happens on a background worker so slow
// sinks cannot stall activations.
type Recorder struct {
	store  storage.Adapter
	sink   Sink
	clock  clockwork.Clock
	logger *slog.Logger

	seq     atomic.Uint64
	writes  atomic.Uint64
	dropped atomic.Uint64
	retain  int

	queue chan *models.AuditEntry
	done  chan struct{}
}

// NewRecorder builds a recorder. retain bounds the number of stored entries
// (0 = unbounded). Close stops the forwarding worker.
func NewRecorder(store storage.Adapter, sink Sink, clock clockwork.Clock, logger *slog.Logger, retain int) *Recorder {
	r := &Recorder{
		store:  store,
		sink:   sink,
		clock:  clock,
		logger: logger,
		retain: retain,
		queue:  make(chan *models.AuditEntry, forwardQueueSize),
		done:   make(chan struct{}),
	}
	go r.forward()
	return r
}

func (r *Recorder) Close() {
	close(r.queue)
	<-r.done
}

// Record appends one entry. The entry is stored exactly once; forwarding is
// at-least-once and best-effort.
func (r *Recorder) Record(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	seq := r.seq.Add(1)
	key := storage.AuditKey(entry.Timestamp, seq)
	if _, err := r.store.Put(ctx, storage.KindAudit, key, data, 0); err != nil {
		metrics.AuditDeliveriesTotal.WithLabelValues("store_error").Inc()
		return err
	}

	if n := r.writes.Add(1); r.retain > 0 && n%256 == 0 {
		r.prune(ctx)
	}

	if r.sink == nil {
		return nil
	}
	select {
	case r.queue <- entry:
	default:
		// Queue full. The stored log still has the entry; only external
		// forwarding is skipped.
		r.dropped.Add(1)
		metrics.AuditDeliveriesTotal.WithLabelValues("dropped").Inc()
	}
	return nil
}

// List returns up to limit entries for a namespace, newest first. An empty
// namespaceID returns entries across all namespaces.
func (r *Recorder) List(ctx context.Context, namespaceID string, limit int) ([]*models.AuditEntry, error) {
	recs, err := r.store.List(ctx, storage.KindAudit, "")
	if err != nil {
		return nil, err
	}

	var out []*models.AuditEntry
	for i := len(recs) - 1; i >= 0; i-- {
		var entry models.AuditEntry
		if err := json.Unmarshal(recs[i].Data, &entry); err != nil {
			continue
		}
		if namespaceID != "" && entry.NamespaceID != namespaceID {
			continue
		}
		out = append(out, &entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Dropped reports how many entries were not forwarded to the sink.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) forward() {
	defer close(r.done)
	for entry := range r.queue {
		r.deliver(entry)
	}
}

func (r *Recorder) deliver(entry *models.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.sink.Deliver(ctx, entry)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
	)
	if err != nil {
		metrics.AuditDeliveriesTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("audit sink delivery failed",
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()))
		return
	}
	metrics.AuditDeliveriesTotal.WithLabelValues("delivered").Inc()
}

// prune removes the oldest entries beyond the retention bound.
func (r *Recorder) prune(ctx context.Context) {
	recs, err := r.store.List(ctx, storage.KindAudit, "")
	if err != nil || len(recs) <= r.retain {
		return
	}
	for _, rec := range recs[:len(recs)-r.retain] {
		_ = r.store.Delete(ctx, storage.KindAudit, rec.ID, 0)
	}
}
