// Package receipt implements single-shot and multi-shot receipt waiters
// keyed by a receipt nonce, the way a question/answer RPC waits for its
// op_id but scoped to out-of-band delivery confirmations (e.g. relay hop
// proofs, safety-route test receipts).
package receipt

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Nonce is the 32-byte token embedded in a receipt request and echoed back
// by the receiver(s).
type Nonce [32]byte

func NewNonce() (Nonce, error) {
	var n Nonce
	_, err := rand.Read(n[:])
	return n, err
}

var (
	ErrTimeout      = errors.New("receipt: timed out waiting for receipt")
	ErrCanceled     = errors.New("receipt: waiter canceled")
	ErrUnknownNonce = errors.New("receipt: no waiter for this nonce")
	ErrExhausted    = errors.New("receipt: multi-shot receipt already saw its expected count")
)

// waiter backs one outstanding receipt expectation.
type waiter struct {
	ch        chan []byte
	remaining int // shots remaining; single-shot starts at 1
	canceled  bool
	createdAt time.Time
}

// Manager tracks outstanding receipts and resolves them as ReturnReceipt
// is called by the inbound dispatch path.
type Manager struct {
	log *zap.Logger

	mu      sync.Mutex
	waiters map[Nonce]*waiter
}

func New(log *zap.Logger) *Manager {
	return &Manager{log: log.Named("receipt"), waiters: make(map[Nonce]*waiter)}
}

// WatchSingleShot registers a nonce expecting exactly one receipt.
func (m *Manager) WatchSingleShot(n Nonce) {
	m.watch(n, 1)
}

// WatchMultiShot registers a nonce expecting up to count receipts, each
// returned in arrival order by a separate Wait call (route-test receipts
// may arrive once per hop).
func (m *Manager) WatchMultiShot(n Nonce, count int) {
	m.watch(n, count)
}

func (m *Manager) watch(n Nonce, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiters[n] = &waiter{ch: make(chan []byte, count), remaining: count, createdAt: time.Now()}
}

// ReturnReceipt is called by the inbound dispatch pipeline when a frame
// sniffs as a receipt. It delivers extra to the nonce's waiter, if any, and
// reports whether a waiter was found. A waiter that has seen its last
// receipt stays registered, so Wait can still collect it, until Cancel or
// Sweep removes it.
func (m *Manager) ReturnReceipt(n Nonce, extra []byte) bool {
	m.mu.Lock()
	w, ok := m.waiters[n]
	if !ok || w.canceled || w.remaining <= 0 {
		m.mu.Unlock()
		return false
	}
	w.remaining--
	done := w.remaining == 0
	m.mu.Unlock()

	select {
	case w.ch <- extra:
	default:
	}
	if done {
		close(w.ch)
	}
	return true
}

// Wait blocks until the next receipt for n arrives, ctx is canceled, or the
// waiter is unknown. For multi-shot waiters, call Wait repeatedly.
func (m *Manager) Wait(ctx context.Context, n Nonce) ([]byte, error) {
	m.mu.Lock()
	w, ok := m.waiters[n]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownNonce
	}
	select {
	case data, ok := <-w.ch:
		if !ok {
			return nil, ErrExhausted
		}
		return data, nil
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// Cancel abandons a waiter, releasing its slot without signalling an error
// to any blocked Wait callers beyond the context they were given.
func (m *Manager) Cancel(n Nonce) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.waiters[n]; ok {
		w.canceled = true
		delete(m.waiters, n)
	}
}

// Sweep drops waiters older than maxAge, whether or not any receipt arrived.
// Intended to run from the node's periodic maintenance loop alongside the
// routing table's Tick.
func (m *Manager) Sweep(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	for n, w := range m.waiters {
		if w.createdAt.Before(cutoff) {
			delete(m.waiters, n)
		}
	}
}

// Len reports the number of outstanding waiters, for metrics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
