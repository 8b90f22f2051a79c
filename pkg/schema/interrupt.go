package schema

// InterruptType enumerates the out-of-band requests an operator can issue.
type InterruptType string

const (
	InterruptAbortAll    InterruptType = "ABORT_ALL"
	InterruptAbort       InterruptType = "ABORT"
	InterruptRetry       InterruptType = "RETRY"
	InterruptMarkSuccess InterruptType = "MARK_SUCCESS"
	InterruptMarkFailed  InterruptType = "MARK_FAILED"
	InterruptMarkExpired InterruptType = "MARK_EXPIRED"
	InterruptPause       InterruptType = "PAUSE"
	InterruptResume      InterruptType = "RESUME"
)

// InterruptTypes lists every supported interrupt type.
var InterruptTypes = []InterruptType{
	InterruptAbortAll, InterruptAbort, InterruptRetry, InterruptMarkSuccess,
	InterruptMarkFailed, InterruptMarkExpired, InterruptPause, InterruptResume,
}

// RequiresNode reports whether the interrupt must target a node execution.
// PAUSE and RESUME without a node apply to the whole plan.
func (t InterruptType) RequiresNode() bool {
	switch t {
	case InterruptAbort, InterruptRetry, InterruptMarkSuccess, InterruptMarkFailed, InterruptMarkExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether t is a known interrupt type.
func (t InterruptType) Valid() bool {
	for _, known := range InterruptTypes {
		if t == known {
			return true
		}
	}
	return false
}

// InterruptState is the processing state of an interrupt.
type InterruptState string

const (
	InterruptRegistered              InterruptState = "REGISTERED"
	InterruptProcessing              InterruptState = "PROCESSING"
	InterruptProcessedSuccessfully   InterruptState = "PROCESSED_SUCCESSFULLY"
	InterruptProcessedUnsuccessfully InterruptState = "PROCESSED_UNSUCCESSFULLY"
)

// IsTerminal reports whether the interrupt can no longer change.
func (s InterruptState) IsTerminal() bool {
	return s == InterruptProcessedSuccessfully || s == InterruptProcessedUnsuccessfully
}
