package bus

import (
	"context"
	"time"

	"github.com/harrison/storyloop/internal/lease"
)

// StepRunner executes a stage's named steps with memoization and lease
// discipline. A step whose result is already in the idempotency index is
// skipped on redelivery; every executed step first revalidates that the
// run token still holds the story's lease and renews it on completion.
// The renewal after each step is the stage's cooperative yield point.
type StepRunner struct {
	Store   lease.Store
	LoopID  string
	StoryID string
	Token   string
	Stage   string
	Attempt int
	TTL     time.Duration
}

// Do runs the named step unless a recorded result exists. fn returns a
// durable string result (a SHA, a JSON blob, or "" when the step only
// has side effects). Returns lease.ErrLeaseLost when the token is no
// longer the live holder; the caller must abort as blocked.
func (r *StepRunner) Do(ctx context.Context, name string, fn func(context.Context) (string, error)) (string, error) {
	key := lease.ArtifactKey(r.LoopID, r.StoryID, r.Attempt, r.Stage, name)

	if value, ok, err := r.Store.GetArtifact(ctx, key); err != nil {
		return "", err
	} else if ok {
		return value, nil
	}

	holder, err := r.Store.Holder(ctx, r.LoopID, r.StoryID)
	if err != nil {
		return "", err
	}
	if holder != r.Token {
		return "", lease.ErrLeaseLost
	}

	value, err := fn(ctx)
	if err != nil {
		return "", err
	}

	if err := r.Store.PutArtifact(ctx, key, value); err != nil {
		return "", err
	}

	renewed, err := r.Store.Renew(ctx, r.LoopID, r.StoryID, r.Token, r.TTL)
	if err != nil {
		return "", err
	}
	if !renewed {
		// The lease moved on while the step ran. The result is recorded,
		// so the surviving execution will reuse it, but this invocation
		// must stop emitting.
		return "", lease.ErrLeaseLost
	}
	return value, nil
}
