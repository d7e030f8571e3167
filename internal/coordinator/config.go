package coordinator

import (
	"fmt"
	"time"

	"github.com/joescharf/harness/internal/hook"
	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/refinery"
)

// Config holds the tunables of a run.
type Config struct {
	MaxWorkers        int           `validate:"gte=1,lte=64"`
	ClaimTimeout      time.Duration `validate:"gt=0"`
	HeartbeatInterval time.Duration `validate:"gt=0,ltfield=ClaimTimeout"`
	MaxRetries        int           `validate:"gte=0"`
	Policy            models.CheckpointPolicy

	// IdleBackoffMin and IdleBackoffMax bound the wait between claim attempts
	// when no work is ready.
	IdleBackoffMin time.Duration `validate:"gt=0"`
	IdleBackoffMax time.Duration `validate:"gtefield=IdleBackoffMin"`

	// LedgerAttempts bounds retries of ledger writes that must not be lost.
	LedgerAttempts int `validate:"gte=1"`

	BaseBranch string
	// Label restricts the run to items carrying it.
	Label   string
	Merge   refinery.Policy
	SlotTTL time.Duration `validate:"gte=0"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:        1,
		ClaimTimeout:      hook.DefaultClaimTimeout,
		HeartbeatInterval: time.Minute,
		MaxRetries:        hook.DefaultMaxRetries,
		Policy:            models.DefaultCheckpointPolicy(),
		IdleBackoffMin:    time.Second,
		IdleBackoffMax:    30 * time.Second,
		LedgerAttempts:    3,
		BaseBranch:        "main",
		Merge:             refinery.Policy{SensitivePatterns: refinery.DefaultSensitivePatterns},
		SlotTTL:           refinery.DefaultSlotTTL,
	}
}

// Validate checks cfg against its struct tags.
func (c Config) Validate() error {
	if err := models.Validate(c); err != nil {
		return fmt.Errorf("invalid coordinator config: %w", err)
	}
	return nil
}
