package tool

import (
	"context"
	"sync"
)

// Watcher observes the lifecycle of tool invocations. Satisfied by
// *fallback.Controller.
type Watcher interface {
	OnPromptDispatch()
	OnFirstToken()
	OnTurnEnd()
	OnPromptError(err error)
}

// MonitoredInvoker wraps an Invoker with lifecycle reporting and a
// switchable model argument. When a fallback model is selected via
// UseModel, every subsequent invocation carries a --model flag so the
// tool routes its inference to the degraded-mode model.
type MonitoredInvoker struct {
	Inner *Invoker
	Watch Watcher

	mu    sync.Mutex
	model string
}

// UseModel routes subsequent invocations to the named model. An empty
// model restores the tool's own default.
func (m *MonitoredInvoker) UseModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = model
}

// Invoke runs the tool through the inner Invoker, reporting dispatch,
// completion, and errors to the watcher. Combined-output capture has no
// token stream, so first-token and turn-end collapse into completion:
// the whole invocation counts against the watcher's timeout window.
func (m *MonitoredInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	m.mu.Lock()
	if m.model != "" {
		req.ExtraArgs = append(append([]string{}, req.ExtraArgs...), "--model", m.model)
	}
	m.mu.Unlock()

	if m.Watch != nil {
		m.Watch.OnPromptDispatch()
	}
	result, err := m.Inner.Invoke(ctx, req)
	if err != nil {
		if m.Watch != nil {
			m.Watch.OnPromptError(err)
		}
		return nil, err
	}
	if m.Watch != nil {
		m.Watch.OnFirstToken()
		m.Watch.OnTurnEnd()
	}
	return result, nil
}
