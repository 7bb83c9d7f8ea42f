package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/lexflow/lexflow/pkg/approval"
	"github.com/lexflow/lexflow/pkg/entity"
	"github.com/lexflow/lexflow/pkg/logger"
	"github.com/lexflow/lexflow/pkg/provider/calendar"
	"github.com/lexflow/lexflow/pkg/provider/docstore"
	"github.com/lexflow/lexflow/pkg/provider/mail"
)

type emailConfig struct {
	To      []string `config:"to" validate:"required,min=1,dive,email"`
	Cc      []string `config:"cc" validate:"omitempty,dive,email"`
	Subject string   `config:"subject" validate:"required"`
	Body    string   `config:"body" validate:"required"`
}

type fileConfig struct {
	FileName      string `config:"file_name" validate:"required"`
	Content       string `config:"content" validate:"required_without=ContentBase64"`
	ContentBase64 string `config:"content_base64" validate:"omitempty,base64"`
	ContentType   string `config:"content_type"`
	Folder        string `config:"folder"`
}

type calendarConfig struct {
	Title       string    `config:"title" validate:"required"`
	Start       time.Time `config:"start" validate:"required"`
	End         time.Time `config:"end" validate:"required,gtfield=Start"`
	Location    string    `config:"location"`
	Description string    `config:"description"`
	Attendees   []string  `config:"attendees" validate:"omitempty,dive,email"`
}

// EmailHandler sends send_email actions through a mail.Sender.
type EmailHandler struct {
	sender mail.Sender
}

// NewEmailHandler creates the send_email handler.
func NewEmailHandler(sender mail.Sender) *EmailHandler {
	return &EmailHandler{sender: sender}
}

func (h *EmailHandler) Perform(ctx context.Context, req Request) (approval.Reference, error) {
	var cfg emailConfig
	if err := decodeConfig(req.Action.Config, &cfg); err != nil {
		return approval.Reference{}, err
	}
	id, err := h.sender.Send(ctx, mail.Message{
		To:      cfg.To,
		Cc:      cfg.Cc,
		Subject: cfg.Subject,
		Body:    cfg.Body,
	})
	if err != nil {
		return approval.Reference{}, err
	}
	return approval.Reference{EntityType: "email", EntityID: id}, nil
}

// FileHandler stores save_file actions through a docstore.Uploader.
type FileHandler struct {
	uploader docstore.Uploader
}

// NewFileHandler creates the save_file handler.
func NewFileHandler(uploader docstore.Uploader) *FileHandler {
	return &FileHandler{uploader: uploader}
}

func (h *FileHandler) Perform(ctx context.Context, req Request) (approval.Reference, error) {
	var cfg fileConfig
	if err := decodeConfig(req.Action.Config, &cfg); err != nil {
		return approval.Reference{}, err
	}
	content := []byte(cfg.Content)
	if cfg.ContentBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(cfg.ContentBase64)
		if err != nil {
			return approval.Reference{}, fmt.Errorf("%w: content_base64: %v", ErrInvalidConfig, err)
		}
		content = decoded
	}

	meta := map[string]string{
		"idempotency_key": req.Action.IdempotencyKey,
		"created_by":      req.Context.ActorID,
	}
	if req.Batch != nil {
		meta["batch_id"] = req.Batch.ID
		meta["case_id"] = req.Batch.Refs.CaseID
	}

	path, err := h.uploader.Upload(ctx, docstore.Document{
		Name:        cfg.FileName,
		Folder:      cfg.Folder,
		ContentType: cfg.ContentType,
		Content:     content,
		Metadata:    meta,
	})
	if err != nil {
		return approval.Reference{}, err
	}
	return approval.Reference{EntityType: "document", EntityID: path}, nil
}

// CalendarHandler creates calendar_event actions at the provider and mirrors
// them into the local entity store. The mirror is best-effort.
type CalendarHandler struct {
	creator calendar.Creator
	mirror  entity.Store
	logger  logger.Logger
}

// NewCalendarHandler creates the calendar_event handler. mirror may be nil.
func NewCalendarHandler(creator calendar.Creator, mirror entity.Store, log logger.Logger) *CalendarHandler {
	if log == nil {
		log = logger.Global()
	}
	return &CalendarHandler{creator: creator, mirror: mirror, logger: log}
}

func (h *CalendarHandler) Perform(ctx context.Context, req Request) (approval.Reference, error) {
	var cfg calendarConfig
	if err := decodeConfig(req.Action.Config, &cfg); err != nil {
		return approval.Reference{}, err
	}
	created, err := h.creator.CreateEvent(ctx, calendar.Event{
		Title:       cfg.Title,
		Description: cfg.Description,
		Location:    cfg.Location,
		Start:       cfg.Start.UTC(),
		End:         cfg.End.UTC(),
		Attendees:   cfg.Attendees,
	})
	if err != nil {
		return approval.Reference{}, err
	}

	ref := approval.Reference{EntityType: "calendar_event", EntityID: created.EventID, Links: created.Links}
	if h.mirror == nil {
		return ref, nil
	}

	fields := map[string]any{
		"title":             cfg.Title,
		"start":             cfg.Start.UTC(),
		"end":               cfg.End.UTC(),
		"location":          cfg.Location,
		"provider_event_id": created.EventID,
	}
	stampProvenance(fields, req)
	localID, err := h.mirror.Create(ctx, entity.KindCalendarEvent, fields)
	if err != nil {
		h.logger.WarnContext(ctx, "calendar event mirror failed",
			"idempotency_key", req.Action.IdempotencyKey,
			"event_id", created.EventID,
			"error", err,
		)
		return ref, nil
	}
	links := make(map[string]string, len(created.Links)+1)
	for k, v := range created.Links {
		links[k] = v
	}
	links["local_id"] = localID
	ref.Links = links
	return ref, nil
}
