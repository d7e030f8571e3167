package refinery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joescharf/harness/internal/clock"
	"github.com/joescharf/harness/internal/store"
)

// ErrSlotHeld is returned when another holder owns the merge slot.
var ErrSlotHeld = errors.New("merge slot held")

// DefaultSlotTTL bounds how long a crashed holder can keep the slot.
const DefaultSlotTTL = 5 * time.Minute

// SlotLock guards the single merge slot across processes.
type SlotLock interface {
	Acquire(ctx context.Context, holder, commitRef string) error
	Release(ctx context.Context, holder string) error
}

// LedgerSlot is a SlotLock backed by a lease row in the ledger.
type LedgerSlot struct {
	store store.Store
	clock clock.Clock
	ttl   time.Duration
}

// NewLedgerSlot returns a lease-based slot with the given TTL.
func NewLedgerSlot(s store.Store, clk clock.Clock, ttl time.Duration) *LedgerSlot {
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultSlotTTL
	}
	return &LedgerSlot{store: s, clock: clk, ttl: ttl}
}

func (l *LedgerSlot) Acquire(ctx context.Context, holder, commitRef string) error {
	err := l.store.AcquireMergeSlot(ctx, holder, commitRef, l.clock.Now(), l.ttl)
	if errors.Is(err, store.ErrStateConflict) {
		return fmt.Errorf("%w: %v", ErrSlotHeld, err)
	}
	return err
}

func (l *LedgerSlot) Release(ctx context.Context, holder string) error {
	return l.store.ReleaseMergeSlot(ctx, holder)
}

// LocalSlot is an in-process SlotLock for single-process use and tests.
type LocalSlot struct {
	mu     sync.Mutex
	holder string
}

func (l *LocalSlot) Acquire(_ context.Context, holder, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" && l.holder != holder {
		return fmt.Errorf("%w by %s", ErrSlotHeld, l.holder)
	}
	l.holder = holder
	return nil
}

func (l *LocalSlot) Release(_ context.Context, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == holder {
		l.holder = ""
	}
	return nil
}

// Holder returns the current holder, or "" when free.
func (l *LocalSlot) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
