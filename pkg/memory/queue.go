package memory

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// queuedWrite is one record write deferred while the backing store is
// unreachable. Token is the idempotency identity: queued-then-flushed writes
// cannot duplicate because replays carry the same token and record id.
type queuedWrite struct {
	Token      string
	Scope      Scope
	Record     Record
	EnqueuedAt time.Time
}

// writeQueue is the bounded in-process degraded-mode buffer. FIFO order is
// preserved across flushes so dependent writes land in submission order.
type writeQueue struct {
	mu       sync.Mutex
	max      int
	items    []queuedWrite
	index    map[string]struct{}
	failures int
}

func newWriteQueue(max int) *writeQueue {
	if max <= 0 {
		max = 256
	}
	return &writeQueue{max: max, index: map[string]struct{}{}}
}

// push enqueues a write. A token already queued is a no-op (idempotent
// replay); a full queue is an error the caller surfaces.
func (q *writeQueue) push(w queuedWrite) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[w.Token]; ok {
		return nil
	}
	if len(q.items) >= q.max {
		return fmt.Errorf("degraded write queue full (%d entries)", q.max)
	}
	if w.EnqueuedAt.IsZero() {
		w.EnqueuedAt = time.Now()
	}
	q.items = append(q.items, w)
	q.index[w.Token] = struct{}{}
	return nil
}

// drain applies fn to queued writes in order, removing each on success.
// The first failure stops the drain, leaves the remainder queued, and bumps
// the failure counter.
func (q *writeQueue) drain(fn func(queuedWrite) error) error {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return nil
		}
		head := q.items[0]
		q.mu.Unlock()

		if err := fn(head); err != nil {
			q.mu.Lock()
			q.failures++
			q.mu.Unlock()
			return err
		}

		q.mu.Lock()
		if len(q.items) > 0 && q.items[0].Token == head.Token {
			q.items = q.items[1:]
			delete(q.index, head.Token)
		}
		q.mu.Unlock()
	}
}

func (q *writeQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *writeQueue) failureCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failures
}

// contentToken derives the idempotency token for a record write.
func contentToken(rec Record) string {
	payload := string(rec.Scope) + "|" + string(rec.Type) + "|" + strings.TrimSpace(strings.ToLower(rec.Content))
	h := sha1.Sum([]byte(payload))
	return "w-" + hex.EncodeToString(h[:8])
}
