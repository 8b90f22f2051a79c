package schema

// FailureType classifies why a step failed.
type FailureType string

const (
	FailureApplication  FailureType = "APPLICATION_ERROR"
	FailureUnknown      FailureType = "UNKNOWN_FAILURE"
	FailureTimeout      FailureType = "TIMEOUT_ERROR"
	FailureExpired      FailureType = "EXPIRED"
	FailureAborted      FailureType = "ABORTED"
	FailureInterrupted  FailureType = "INTERRUPTED"
	FailureDispatch     FailureType = "DELEGATE_PROVISIONING_ERROR"
)

// FailureInfo is the inspectable payload carried by a broke node or plan.
type FailureInfo struct {
	Message      string         `json:"message"`
	FailureTypes []FailureType  `json:"failure_types,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// NewFailure builds a FailureInfo with a single failure type.
func NewFailure(ft FailureType, message string) *FailureInfo {
	return &FailureInfo{Message: message, FailureTypes: []FailureType{ft}}
}

// FailureFromError converts an error into FailureInfo, keeping structured details.
func FailureFromError(ft FailureType, err error) *FailureInfo {
	if err == nil {
		return nil
	}
	fi := NewFailure(ft, err.Error())
	if oe, ok := err.(*OrchestraError); ok {
		fi.Message = oe.Message
		fi.Details = map[string]any{"code": oe.Code}
		for k, v := range oe.Details {
			fi.Details[k] = v
		}
	}
	return fi
}
