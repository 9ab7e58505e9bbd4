// Package lease implements the shared key-value store the pipeline uses
// for exclusive-execution leases, the idempotency index, loop
// cancellation flags, and the PRD working copy.
//
// The store is the single source of truth for "who may act next" on a
// story. Stages must not infer exclusivity from local state.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harrison/storyloop/internal/models"
)

// ErrLeaseLost indicates a stage's run token no longer matches the live
// lease for its story. The stage must report blocked and take no action.
var ErrLeaseLost = errors.New("lease: run token is not the current holder")

// ErrNotFound indicates a requested key has no entry.
var ErrNotFound = errors.New("lease: not found")

// DefaultTTL is the lease lifetime used when the caller does not supply
// one. Leases are renewed after every completed named step, so the TTL
// only needs to outlive a single step.
const DefaultTTL = 2 * time.Minute

// Store is the narrow access surface for shared pipeline state.
// Implementations must be safe for concurrent use.
type Store interface {
	// Acquire binds (loopID, storyID) to token for ttl. It succeeds when
	// the slot is free, expired, or already held by the same token.
	// On refusal it returns the current holder's token.
	Acquire(ctx context.Context, loopID, storyID, token string, ttl time.Duration) (bool, string, error)

	// Renew extends the lease iff token is still the holder.
	Renew(ctx context.Context, loopID, storyID, token string, ttl time.Duration) (bool, error)

	// Release frees the lease iff token is the holder. Releasing a lease
	// held by someone else is a no-op, not an error.
	Release(ctx context.Context, loopID, storyID, token string) error

	// Holder returns the current live token for (loopID, storyID), or ""
	// when the lease is free or expired.
	Holder(ctx context.Context, loopID, storyID string) (string, error)

	// PutArtifact records an idempotency-index entry. Entries are
	// write-once: a second put for the same key keeps the first value.
	PutArtifact(ctx context.Context, key, value string) error

	// GetArtifact returns the recorded value for key, if any.
	GetArtifact(ctx context.Context, key string) (string, bool, error)

	// Cancel sets the cancellation flag for a loop.
	Cancel(ctx context.Context, loopID string) error

	// Cancelled reports whether a loop has been cancelled.
	Cancelled(ctx context.Context, loopID string) (bool, error)

	// PutStories replaces the loop's story working copy.
	PutStories(ctx context.Context, loopID string, stories []models.Story) error

	// ReadStories returns the loop's story working copy in declaration
	// order. Returns ErrNotFound when no copy exists.
	ReadStories(ctx context.Context, loopID string) ([]models.Story, error)

	// TransitionStory moves one story to a new status, enforcing the
	// pending -> passed|skipped lifecycle.
	TransitionStory(ctx context.Context, loopID, storyID string, status models.StoryStatus) error

	Close() error
}

// LeaseKey builds the canonical lease identity for a story.
func LeaseKey(loopID, storyID string) string {
	return fmt.Sprintf("lease:%s:%s", loopID, storyID)
}

// ArtifactKey builds the idempotency-index key for a stage step.
func ArtifactKey(loopID, storyID string, attempt int, stage, step string) string {
	return fmt.Sprintf("step:%s:%s:%d:%s:%s", loopID, storyID, attempt, stage, step)
}

// CommitKey builds the idempotency-index key for an attempt's commit.
func CommitKey(loopID, storyID string, attempt int) string {
	return fmt.Sprintf("commit:%s:%s:%d", loopID, storyID, attempt)
}

func checkTransition(from, to models.StoryStatus) error {
	if !models.ValidTransition(from, to) {
		return fmt.Errorf("lease: invalid story transition %q -> %q", from, to)
	}
	return nil
}
