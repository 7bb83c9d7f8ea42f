package executor

import (
	"errors"
	"fmt"

	"github.com/lexflow/lexflow/pkg/approval"
)

// ErrMissingIdempotencyKey marks an enabled action submitted without a key.
var ErrMissingIdempotencyKey = errors.New("action is missing an idempotency key")

// ConfigurationError reports a batch that was built incorrectly. It is fatal:
// the engine rolls back what it completed and stops.
type ConfigurationError struct {
	BatchID    string
	Index      int
	ActionType approval.ActionType
	Err        error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("batch %s: action %d (%s): %v", e.BatchID, e.Index, e.ActionType, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
