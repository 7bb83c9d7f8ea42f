package dispatch

import (
	"fmt"
	"time"

	"github.com/lexflow/lexflow/pkg/approval"
	"github.com/lexflow/lexflow/pkg/entity"
	"github.com/lexflow/lexflow/pkg/logger"
	"github.com/lexflow/lexflow/pkg/provider/calendar"
	"github.com/lexflow/lexflow/pkg/provider/docstore"
	"github.com/lexflow/lexflow/pkg/provider/mail"
)

// Deps are the collaborators the default handlers need.
type Deps struct {
	Entities entity.Store
	Mail     mail.Sender
	Files    docstore.Uploader
	Calendar calendar.Creator
	Logger   logger.Logger
	// Clock dates records whose config omits a date. Nil uses time.Now.
	Clock func() time.Time
}

// NewDefault registers a handler for every known action type.
func NewDefault(deps Deps) (*Dispatcher, error) {
	if deps.Entities == nil {
		return nil, fmt.Errorf("entity store is required")
	}
	if deps.Mail == nil {
		return nil, fmt.Errorf("mail sender is required")
	}
	if deps.Files == nil {
		return nil, fmt.Errorf("file uploader is required")
	}
	if deps.Calendar == nil {
		return nil, fmt.Errorf("calendar creator is required")
	}

	d := NewDispatcher()
	handlers := map[approval.ActionType]Handler{
		approval.ActionCreateTask:     NewTaskHandler(deps.Entities),
		approval.ActionBilling:        NewBillingHandler(deps.Entities, deps.Clock),
		approval.ActionCreateDeadline: NewDeadlineHandler(deps.Entities),
		approval.ActionCreateAlert:    NewAlertHandler(deps.Entities),
		approval.ActionSendEmail:      NewEmailHandler(deps.Mail),
		approval.ActionSaveFile:       NewFileHandler(deps.Files),
		approval.ActionCalendarEvent:  NewCalendarHandler(deps.Calendar, deps.Entities, deps.Logger),
	}
	for t, h := range handlers {
		if err := d.Register(t, h); err != nil {
			return nil, err
		}
	}
	return d, nil
}
