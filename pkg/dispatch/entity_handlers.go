package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lexflow/lexflow/pkg/approval"
	"github.com/lexflow/lexflow/pkg/entity"
)

type taskConfig struct {
	Title       string    `config:"title" validate:"required"`
	Description string    `config:"description"`
	DueDate     time.Time `config:"due_date"`
	AssigneeID  string    `config:"assignee_id"`
	Priority    string    `config:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

type billingConfig struct {
	Description string    `config:"description" validate:"required"`
	Minutes     int       `config:"minutes" validate:"required,gt=0"`
	Rate        float64   `config:"rate" validate:"gte=0"`
	Billable    bool      `config:"billable"`
	Date        time.Time `config:"date"`
}

type deadlineConfig struct {
	Title       string    `config:"title" validate:"required"`
	DueDate     time.Time `config:"due_date" validate:"required"`
	Description string    `config:"description"`
}

type alertConfig struct {
	Title     string    `config:"title" validate:"required"`
	TriggerAt time.Time `config:"trigger_at" validate:"required"`
	Message   string    `config:"message"`
}

// EntityHandler creates one local record per action and deletes it on revert.
type EntityHandler struct {
	store entity.Store
	kind  entity.Kind
	build func(raw map[string]any, now time.Time) (map[string]any, error)
	now   func() time.Time
}

// NewTaskHandler handles create_task.
func NewTaskHandler(store entity.Store) *EntityHandler {
	return &EntityHandler{store: store, kind: entity.KindTask, build: buildTask, now: time.Now}
}

// NewBillingHandler handles billing by recording a time entry. Entries
// without a date are dated by now; nil uses the wall clock.
func NewBillingHandler(store entity.Store, now func() time.Time) *EntityHandler {
	if now == nil {
		now = time.Now
	}
	return &EntityHandler{store: store, kind: entity.KindTimeEntry, build: buildTimeEntry, now: now}
}

// NewDeadlineHandler handles create_deadline.
func NewDeadlineHandler(store entity.Store) *EntityHandler {
	return &EntityHandler{store: store, kind: entity.KindDeadline, build: buildDeadline, now: time.Now}
}

// NewAlertHandler handles create_alert.
func NewAlertHandler(store entity.Store) *EntityHandler {
	return &EntityHandler{store: store, kind: entity.KindAlert, build: buildAlert, now: time.Now}
}

// Perform validates the config and creates the record.
func (h *EntityHandler) Perform(ctx context.Context, req Request) (approval.Reference, error) {
	fields, err := h.build(req.Action.Config, h.now())
	if err != nil {
		return approval.Reference{}, err
	}
	stampProvenance(fields, req)

	id, err := h.store.Create(ctx, h.kind, fields)
	if err != nil {
		return approval.Reference{}, fmt.Errorf("create %s: %w", h.kind, err)
	}
	return approval.Reference{EntityType: string(h.kind), EntityID: id}, nil
}

// Revert deletes the record. A record that is already gone counts as reverted.
func (h *EntityHandler) Revert(ctx context.Context, ref approval.Reference) error {
	if ref.EntityID == "" {
		return fmt.Errorf("revert %s: empty entity id", h.kind)
	}
	err := h.store.Delete(ctx, h.kind, ref.EntityID)
	if err != nil && !errors.Is(err, entity.ErrNotFound) {
		return err
	}
	return nil
}

func buildTask(raw map[string]any, _ time.Time) (map[string]any, error) {
	cfg := taskConfig{Priority: "normal"}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	fields := map[string]any{
		"title":       cfg.Title,
		"description": cfg.Description,
		"assignee_id": cfg.AssigneeID,
		"priority":    cfg.Priority,
		"status":      "open",
	}
	if !cfg.DueDate.IsZero() {
		fields["due_date"] = cfg.DueDate.UTC()
	}
	return fields, nil
}

func buildTimeEntry(raw map[string]any, now time.Time) (map[string]any, error) {
	cfg := billingConfig{Billable: true}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	date := cfg.Date
	if date.IsZero() {
		date = now
	}
	return map[string]any{
		"description": cfg.Description,
		"minutes":     cfg.Minutes,
		"rate":        cfg.Rate,
		"amount":      float64(cfg.Minutes) / 60 * cfg.Rate,
		"billable":    cfg.Billable,
		"date":        date.UTC().Format(time.DateOnly),
	}, nil
}

func buildDeadline(raw map[string]any, _ time.Time) (map[string]any, error) {
	var cfg deadlineConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	return map[string]any{
		"title":       cfg.Title,
		"due_date":    cfg.DueDate.UTC(),
		"description": cfg.Description,
	}, nil
}

func buildAlert(raw map[string]any, _ time.Time) (map[string]any, error) {
	var cfg alertConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	return map[string]any{
		"title":      cfg.Title,
		"trigger_at": cfg.TriggerAt.UTC(),
		"message":    cfg.Message,
	}, nil
}

// stampProvenance records where a created record came from.
func stampProvenance(fields map[string]any, req Request) {
	fields["idempotency_key"] = req.Action.IdempotencyKey
	fields["created_by"] = req.Context.ActorID
	fields["origin"] = req.Context.Origin
	if req.Batch == nil {
		return
	}
	fields["batch_id"] = req.Batch.ID
	fields["case_id"] = req.Batch.Refs.CaseID
	fields["client_id"] = req.Batch.Refs.ClientID
	fields["mail_id"] = req.Batch.Refs.MailID
}
