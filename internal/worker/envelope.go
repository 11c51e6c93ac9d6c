package worker

import "github.com/splax/botrunner/internal/domain"

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Envelope is the response shape every task returns.
type Envelope struct {
	Status string     `json:"status"`
	Data   any        `json:"data,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// ErrorBody describes a failed task.
type ErrorBody struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Hint    string           `json:"hint,omitempty"`
	Details map[string]any   `json:"details,omitempty"`
}

// Success wraps data in a success envelope.
func Success(data any) Envelope {
	return Envelope{Status: StatusSuccess, Data: data}
}

// Failure builds a failure envelope.
func Failure(code domain.ErrorCode, message string, details map[string]any) Envelope {
	return Envelope{
		Status: StatusFailure,
		Error:  &ErrorBody{Code: code, Message: message, Details: details},
	}
}

// Code returns the error code of a failure, or "success".
func (e Envelope) Code() string {
	if e.Error != nil {
		return string(e.Error.Code)
	}
	return e.Status
}
