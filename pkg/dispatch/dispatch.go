// Package dispatch maps an action's type to the handler that performs its
// side effect. Handlers carry no retry logic; repeated attempts are governed
// by the reservation ledger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lexflow/lexflow/pkg/approval"
)

var (
	// ErrUnsupportedAction is returned when no handler is registered for a type.
	ErrUnsupportedAction = errors.New("unsupported action type")
	// ErrInvalidConfig is returned when an action's config fails decoding or validation.
	ErrInvalidConfig = errors.New("invalid action config")
	// ErrNotRevertible is returned when reverting a type without a Reverter.
	ErrNotRevertible = errors.New("action type is not revertible")
)

// ActionError wraps a handler failure with the action it belongs to.
type ActionError struct {
	ActionType     approval.ActionType
	IdempotencyKey string
	Err            error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.ActionType, e.IdempotencyKey, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Request is everything a handler sees. Batch is read-only.
type Request struct {
	Action  approval.Action
	Batch   *approval.Batch
	Context approval.ExecContext
}

// Handler performs one action type.
type Handler interface {
	Perform(ctx context.Context, req Request) (approval.Reference, error)
}

// Reverter undoes what Perform created.
type Reverter interface {
	Revert(ctx context.Context, ref approval.Reference) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (approval.Reference, error)

// Perform calls f.
func (f HandlerFunc) Perform(ctx context.Context, req Request) (approval.Reference, error) {
	return f(ctx, req)
}

// Dispatcher routes actions to registered handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[approval.ActionType]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[approval.ActionType]Handler)}
}

// Register binds a handler to an action type.
func (d *Dispatcher) Register(actionType approval.ActionType, h Handler) error {
	if actionType == "" {
		return fmt.Errorf("action type cannot be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %s cannot be nil", actionType)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[actionType]; exists {
		return fmt.Errorf("handler for %s already registered", actionType)
	}
	d.handlers[actionType] = h
	return nil
}

// Types returns the registered action types in sorted order.
func (d *Dispatcher) Types() []approval.ActionType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]approval.ActionType, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (d *Dispatcher) handler(actionType approval.ActionType) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[actionType]
	return h, ok
}

// Dispatch performs the action and returns a reference to what it created.
// Every failure is an *ActionError.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (approval.Reference, error) {
	h, ok := d.handler(req.Action.Type)
	if !ok {
		return approval.Reference{}, d.wrap(req.Action, ErrUnsupportedAction)
	}
	ref, err := h.Perform(ctx, req)
	if err != nil {
		return approval.Reference{}, d.wrap(req.Action, err)
	}
	return ref, nil
}

// Revert undoes a previously dispatched action.
func (d *Dispatcher) Revert(ctx context.Context, actionType approval.ActionType, ref approval.Reference) error {
	h, ok := d.handler(actionType)
	if !ok {
		return fmt.Errorf("revert %s: %w", actionType, ErrUnsupportedAction)
	}
	reverter, ok := h.(Reverter)
	if !ok {
		return fmt.Errorf("revert %s: %w", actionType, ErrNotRevertible)
	}
	if err := reverter.Revert(ctx, ref); err != nil {
		return fmt.Errorf("revert %s %s: %w", actionType, ref.EntityID, err)
	}
	return nil
}

func (d *Dispatcher) wrap(action approval.Action, err error) error {
	return &ActionError{ActionType: action.Type, IdempotencyKey: action.IdempotencyKey, Err: err}
}
