package stage

import (
	"context"

	"github.com/harrison/storyloop/internal/bus"
	"github.com/harrison/storyloop/internal/models"
)

// Register wires every stage onto the dispatcher, including the
// pass/fail continuation handlers and the cancellation rule. The event
// graph:
//
//	loop.plan             -> Plan
//	loop.story.dispatched -> TestWriter
//	loop.story.retried    -> TestWriter
//	loop.tests.written    -> Implement
//	loop.implement        -> Implement (pass-through retries)
//	loop.code.committed   -> Review
//	loop.judge            -> Judge
//	loop.story.pass/fail  -> re-emit loop.plan (continuation)
//	loop.complete         -> Complete
//	loop.retro            -> RunRetro
//	loop.cancelled        -> set the store's cancellation flag
func (s *Stages) Register(d *bus.Dispatcher) {
	d.Handle(models.EventPlan, handle(s, s.Plan))
	d.Handle(models.EventStoryDispatched, handle(s, s.TestWriter))
	d.Handle(models.EventStoryRetried, handle(s, s.TestWriter))
	d.Handle(models.EventTestsWritten, handle(s, s.Implement))
	d.Handle(models.EventImplement, handle(s, s.Implement))
	d.Handle(models.EventCodeCommitted, handle(s, s.Review))
	d.Handle(models.EventJudge, handle(s, s.Judge))
	d.Handle(models.EventComplete, handle(s, s.Complete))
	d.Handle(models.EventRetro, handle(s, s.RunRetro))

	d.Handle(models.EventStoryPass, func(ctx context.Context, event bus.Event) error {
		var p models.StoryPassPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		return s.continueLoop(ctx, p.NextPlan)
	})
	d.Handle(models.EventStoryFail, func(ctx context.Context, event bus.Event) error {
		var p models.StoryFailPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		return s.continueLoop(ctx, p.NextPlan)
	})

	d.Handle(models.EventCancelled, func(ctx context.Context, event bus.Event) error {
		var p models.CancelledPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		s.log().Warnf("loop %s cancelled: %s", p.LoopID, p.Reason)
		return s.Store.Cancel(ctx, p.LoopID)
	})
}

// continueLoop re-emits planning after a story reaches a terminal state.
func (s *Stages) continueLoop(ctx context.Context, next models.PlanPayload) error {
	if next.LoopID == "" {
		return nil
	}
	return s.emit(ctx, models.EventPlan, next.LoopID, next.Project, next)
}

// handle adapts a typed stage function to a bus handler. Blocked and
// cancelled outcomes are logged, not surfaced as errors: both mean a
// different invocation (or nobody) owns the chain now.
func handle[T any](s *Stages, fn func(context.Context, T) (Status, error)) bus.Handler {
	return func(ctx context.Context, event bus.Event) error {
		var payload T
		if err := event.Decode(&payload); err != nil {
			return err
		}
		status, err := fn(ctx, payload)
		if err != nil {
			return err
		}
		if status != StatusOK {
			s.log().Debugf("%s for loop %s: %s", event.Name, event.LoopID, status)
		}
		return nil
	}
}
