package activation

import (
	"context"
	"sync"
)

// keyedLocks serializes activations per (moduleId, tenantId). Different keys
// proceed in parallel; a second acquire on a held key either waits for the
// holder or fails fast, per the caller's queue policy.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{held: make(map[string]chan struct{})}
}

// errLockHeld is the fast-fail outcome; the engine maps it onto
// ACTIVATION_IN_PROGRESS.
type errLockHeld struct{}

func (errLockHeld) Error() string { return "activation lock held" }

// acquire takes the exclusive lock for key. With wait=false a held lock
// returns errLockHeld immediately; otherwise the caller parks until the
// holder releases or ctx is done. The returned release is idempotent.
func (l *keyedLocks) acquire(ctx context.Context, key string, wait bool) (func(), error) {
	for {
		l.mu.Lock()
		holder, taken := l.held[key]
		if !taken {
			done := make(chan struct{})
			l.held[key] = done
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					close(done)
					l.mu.Unlock()
				})
			}, nil
		}
		l.mu.Unlock()

		if !wait {
			return nil, errLockHeld{}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-holder:
			// Holder released; race for the lock again. Waiters are not
			// strictly FIFO among themselves, only the global slot queue is.
		}
	}
}

// holds reports whether key is currently locked. Test hook.
func (l *keyedLocks) holds(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
