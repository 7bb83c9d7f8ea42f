package calendar

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lexflow/lexflow/pkg/logger"
)

// LocalCreator accepts events without a provider. Used when no calendar
// provider is configured; the dispatcher still mirrors the event locally.
type LocalCreator struct {
	logger logger.Logger
}

// NewLocalCreator creates a provider-less creator.
func NewLocalCreator(log logger.Logger) *LocalCreator {
	if log == nil {
		log = logger.Global()
	}
	return &LocalCreator{logger: log}
}

// CreateEvent assigns a local event id.
func (c *LocalCreator) CreateEvent(ctx context.Context, event Event) (Created, error) {
	if !event.End.After(event.Start) {
		return Created{}, fmt.Errorf("calendar event %q ends before it starts", event.Title)
	}
	id := "local-" + uuid.NewString()
	c.logger.InfoContext(ctx, "calendar event recorded locally",
		"event_id", id,
		"title", event.Title,
		"start", event.Start,
	)
	return Created{EventID: id}, nil
}

// Name identifies the creator in health output.
func (c *LocalCreator) Name() string {
	return "calendar-local"
}
