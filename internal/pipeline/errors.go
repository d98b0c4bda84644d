package pipeline

import (
	"fmt"

	"github.com/fieldscan/fieldscan/internal/models"
)

// InvalidStateError rejects an operation the run state machine does not
// allow, e.g. starting a second scan while one is running or resetting
// mid-scan. The request is refused, never queued.
type InvalidStateError struct {
	Op    string
	State models.RunState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s while scan state is %s", e.Op, e.State)
}
