// Package approval defines approval batches, their actions and the rules that
// classify and order those actions for execution.
package approval

import (
	"fmt"
	"sort"
)

// ActionType identifies the side effect an action performs.
type ActionType string

const (
	ActionCreateTask     ActionType = "create_task"
	ActionBilling        ActionType = "billing"
	ActionCreateDeadline ActionType = "create_deadline"
	ActionCreateAlert    ActionType = "create_alert"
	ActionSendEmail      ActionType = "send_email"
	ActionSaveFile       ActionType = "save_file"
	ActionCalendarEvent  ActionType = "calendar_event"
)

// Class is the static reversibility metadata attached to an action type.
type Class struct {
	// Revertible actions persist local records that can be deleted again.
	Revertible bool
	// BestEffort failures never block batch completion.
	BestEffort bool
}

// actionClasses is the single source of truth for classification.
var actionClasses = map[ActionType]Class{
	ActionCreateTask:     {Revertible: true},
	ActionBilling:        {Revertible: true},
	ActionCreateDeadline: {Revertible: true},
	ActionCreateAlert:    {Revertible: true},
	ActionSendEmail:      {},
	ActionSaveFile:       {BestEffort: true},
	ActionCalendarEvent:  {BestEffort: true},
}

// ActionTypes returns every known action type in a stable order.
func ActionTypes() []ActionType {
	types := make([]ActionType, 0, len(actionClasses))
	for t := range actionClasses {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Known reports whether t is a registered action type.
func (t ActionType) Known() bool {
	_, ok := actionClasses[t]
	return ok
}

// Class returns the classification of t. Unknown types are non-revertible and
// not best-effort.
func (t ActionType) Class() Class {
	return actionClasses[t]
}

// Revertible reports whether a failure of t triggers compensation.
func (t ActionType) Revertible() bool {
	return t.Class().Revertible
}

// BestEffort reports whether a failure of t is silently tolerated.
func (t ActionType) BestEffort() bool {
	return t.Class().BestEffort
}

// String implements fmt.Stringer.
func (t ActionType) String() string {
	return string(t)
}

// Action is one unit of side effect inside a batch.
type Action struct {
	Type           ActionType     `json:"action_type" validate:"required"`
	Enabled        bool           `json:"enabled"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
}

// Clone returns a deep copy of the action.
func (a Action) Clone() Action {
	a.Config = cloneConfig(a.Config)
	return a
}

func (a Action) String() string {
	return fmt.Sprintf("%s[%s]", a.Type, a.IdempotencyKey)
}

// Order returns the execution order for actions: all revertible actions first,
// then the non-revertible ones. Relative order inside each group is preserved.
func Order(actions []Action) []Action {
	ordered := make([]Action, 0, len(actions))
	for _, action := range actions {
		if action.Type.Revertible() {
			ordered = append(ordered, action)
		}
	}
	for _, action := range actions {
		if !action.Type.Revertible() {
			ordered = append(ordered, action)
		}
	}
	return ordered
}

func cloneActions(actions []Action) []Action {
	if actions == nil {
		return nil
	}
	out := make([]Action, len(actions))
	for i, action := range actions {
		out[i] = action.Clone()
	}
	return out
}

func cloneConfig(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneConfig(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}
