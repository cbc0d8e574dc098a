package activation

import (
	"log/slog"
	"sync"

	"github.com/moduleplane/moduleplane/internal/models"
)

// defaultJournalCap bounds the in-memory event journal. Subscribers that lag
// more than a full journal behind skip forward and lose the trimmed events.
const defaultJournalCap = 8192

// Bus delivers activation events to subscribers in publish order,
// at-least-once, with a monotonic per-activation sequence number stamped on
// every event. Each subscriber drains the shared journal at its own pace
// through a pump goroutine; a slow subscriber only stalls itself.
type Bus struct {
	log *slog.Logger
	cap int

	mu      sync.Mutex
	cond    *sync.Cond
	journal []models.ActivationEvent
	base    uint64 // absolute index of journal[0]
	next    uint64 // absolute index of the next published event
	seqs    map[string]uint64
	closed  bool
}

func NewBus(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = defaultJournalCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		log:  logger.With("component", "activation.bus"),
		cap:  capacity,
		seqs: make(map[string]uint64),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish stamps the event's per-activation sequence number and appends it
// to the journal. Publish never blocks on subscribers.
func (b *Bus) Publish(ev models.ActivationEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seqs[ev.ActivationID]++
	ev.Seq = b.seqs[ev.ActivationID]

	b.journal = append(b.journal, ev)
	b.next++
	if len(b.journal) > b.cap {
		over := len(b.journal) - b.cap
		b.journal = append(b.journal[:0:0], b.journal[over:]...)
		b.base += uint64(over)
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Forget drops the sequence counter for a finished activation.
func (b *Bus) Forget(activationID string) {
	b.mu.Lock()
	delete(b.seqs, activationID)
	b.mu.Unlock()
}

type busSub struct {
	cursor  uint64
	stopped bool
	quit    chan struct{}
}

// Subscribe starts delivery at the current end of the journal. The returned
// stop function must be called to release the pump goroutine; the channel
// closes when the subscription ends or the bus shuts down.
func (b *Bus) Subscribe() (<-chan models.ActivationEvent, func()) {
	out := make(chan models.ActivationEvent, 16)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(out)
		return out, func() {}
	}
	sub := &busSub{cursor: b.next, quit: make(chan struct{})}
	b.mu.Unlock()

	go b.pump(sub, out)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			sub.stopped = true
			b.mu.Unlock()
			close(sub.quit)
			b.cond.Broadcast()
		})
	}
	return out, stop
}

func (b *Bus) pump(sub *busSub, out chan<- models.ActivationEvent) {
	defer close(out)
	for {
		b.mu.Lock()
		for !sub.stopped && !b.closed && sub.cursor == b.next {
			b.cond.Wait()
		}
		if sub.stopped || (b.closed && sub.cursor == b.next) {
			b.mu.Unlock()
			return
		}
		if sub.cursor < b.base {
			dropped := b.base - sub.cursor
			sub.cursor = b.base
			b.log.Warn("event subscriber lagged past journal retention",
				"dropped", dropped)
		}
		ev := b.journal[sub.cursor-b.base]
		sub.cursor++
		b.mu.Unlock()

		select {
		case out <- ev:
		case <-sub.quit:
			return
		}
	}
}

// Close stops delivery. Pending journal entries are still drained by
// subscribers before their channels close.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}
