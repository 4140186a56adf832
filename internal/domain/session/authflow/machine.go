// Package authflow drives one session through its network's login steps.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Conte777/connector-service/internal/domain/session/entities"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
)

// BeginFunc performs the silent replay of stored secrets
type BeginFunc func(ctx context.Context) (entities.AuthState, error)

// SubmitFunc forwards one user input to the network
type SubmitFunc func(ctx context.Context, step entities.AuthStep, value string) (entities.AuthState, error)

type stateBox struct {
	state entities.AuthState
}

// Machine is the authorization state of one live session.
// Operations are serialized; State never blocks on them.
type Machine struct {
	flow  entities.AuthFlow
	opMu  sync.Mutex
	state atomic.Pointer[stateBox]
}

// New creates a machine in Uninitialized
func New(flow entities.AuthFlow) *Machine {
	m := &Machine{flow: flow}
	m.state.Store(&stateBox{state: entities.Uninitialized{}})
	return m
}

// Flow returns the network flow this machine follows
func (m *Machine) Flow() entities.AuthFlow {
	return m.flow
}

// State returns the current state without waiting for in-flight operations
func (m *Machine) State() entities.AuthState {
	return m.state.Load().state
}

// Begin leaves Uninitialized by replaying stored secrets through fn
func (m *Machine) Begin(ctx context.Context, fn BeginFunc) (entities.AuthState, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	current := m.State()
	if _, ok := current.(entities.Uninitialized); !ok {
		return current, sessionerrors.ErrAlreadyStarted
	}

	next, err := fn(ctx)
	return m.transition(current, next, err)
}

// Submit feeds one user input for step through fn
func (m *Machine) Submit(ctx context.Context, step entities.AuthStep, value string, fn SubmitFunc) (entities.AuthState, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	current := m.State()
	switch st := current.(type) {
	case entities.Failed:
		return current, fmt.Errorf("%w: %s", sessionerrors.ErrUnrecoverable, st.Reason)
	case entities.Awaiting:
		if st.Step != step {
			return current, fmt.Errorf("%w: awaiting %s, got %s", sessionerrors.ErrStepMismatch, st.Step, step)
		}
	default:
		return current, sessionerrors.ErrNotAwaitingInput
	}

	if value == "" {
		return current, sessionerrors.ErrEmptyInput
	}

	next, err := fn(ctx, step, value)
	return m.transition(current, next, err)
}

// Fail moves the machine to Failed unless it already is
func (m *Machine) Fail(reason string) entities.AuthState {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if failed, ok := m.State().(entities.Failed); ok {
		return failed
	}
	failed := entities.Failed{Reason: reason}
	m.set(failed)
	return failed
}

func (m *Machine) transition(from, next entities.AuthState, err error) (entities.AuthState, error) {
	if err != nil {
		var authErr *sessionerrors.AuthError
		if errors.As(err, &authErr) && !authErr.Retryable {
			failed := entities.Failed{Reason: authErr.Reason}
			m.set(failed)
			return failed, err
		}
		// retryable rejections and transport errors leave the state as it was
		return from, err
	}

	if reason, ok := m.valid(from, next); !ok {
		failed := entities.Failed{Reason: reason}
		m.set(failed)
		return failed, fmt.Errorf("%w: %s", sessionerrors.ErrInvalidTransition, reason)
	}

	m.set(next)
	return next, nil
}

// valid checks that next is reachable from from within the flow
func (m *Machine) valid(from, next entities.AuthState) (string, bool) {
	switch n := next.(type) {
	case entities.Ready, entities.Failed:
		return "", true
	case entities.Awaiting:
		idx := m.flow.Index(n.Step)
		if idx < 0 {
			return fmt.Sprintf("step %s is not part of the %s flow", n.Step, m.flow.Network), false
		}
		if cur, ok := from.(entities.Awaiting); ok && idx < m.flow.Index(cur.Step) {
			return fmt.Sprintf("step %s precedes %s", n.Step, cur.Step), false
		}
		return "", true
	case nil:
		return "adapter returned no state", false
	default:
		return fmt.Sprintf("adapter returned %s", entities.StateName(next)), false
	}
}

func (m *Machine) set(s entities.AuthState) {
	m.state.Store(&stateBox{state: s})
}
