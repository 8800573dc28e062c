package gostratum

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	ErrCodeUnknown            = 20
	ErrCodeJobNotFound        = 21
	ErrCodeDuplicateShare     = 22
	ErrCodeLowDifficultyShare = 23
	ErrCodeUnauthorizedWorker = 24
	ErrCodeNotSubscribed      = 25
)

// StratumError is the `[code, message, traceback]` error tuple.
type StratumError struct {
	Code      int
	Message   string
	Traceback any
}

func NewStratumError(code int, message string) *StratumError {
	return &StratumError{Code: code, Message: message}
}

var (
	ErrUnknown            = NewStratumError(ErrCodeUnknown, "Other/Unknown")
	ErrJobNotFound        = NewStratumError(ErrCodeJobNotFound, "Job not found")
	ErrDuplicateShare     = NewStratumError(ErrCodeDuplicateShare, "Duplicate share")
	ErrLowDifficultyShare = NewStratumError(ErrCodeLowDifficultyShare, "Low difficulty share")
	ErrUnauthorizedWorker = NewStratumError(ErrCodeUnauthorizedWorker, "Unauthorized worker")
	ErrNotSubscribed      = NewStratumError(ErrCodeNotSubscribed, "Not subscribed")
)

func (e *StratumError) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// WithMessage copies the error with another human readable message.
func (e *StratumError) WithMessage(msg string) *StratumError {
	return &StratumError{Code: e.Code, Message: msg, Traceback: e.Traceback}
}

func (e *StratumError) MarshalJSON() ([]byte, error) {
	return fastJSONMarshal([]any{e.Code, e.Message, e.Traceback})
}

// UnmarshalJSON accepts the tuple form as well as the object and bare string
// forms some pools send.
func (e *StratumError) UnmarshalJSON(data []byte) error {
	var raw any
	if err := fastJSONUnmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "failed decoding stratum error")
	}
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		if len(v) > 0 {
			if code, ok := v[0].(float64); ok {
				e.Code = int(code)
			}
		}
		if len(v) > 1 {
			e.Message = fmt.Sprint(v[1])
		}
		if len(v) > 2 {
			e.Traceback = v[2]
		}
	case map[string]any:
		if code, ok := v["code"].(float64); ok {
			e.Code = int(code)
		}
		if msg, ok := v["message"]; ok {
			e.Message = fmt.Sprint(msg)
		}
		e.Traceback = v["data"]
	case string:
		e.Code = ErrCodeUnknown
		e.Message = v
	default:
		e.Code = ErrCodeUnknown
		e.Message = fmt.Sprint(v)
	}
	return nil
}

// AsStratumError maps any error onto a wire error, defaulting to code 20.
func AsStratumError(err error) *StratumError {
	if err == nil {
		return nil
	}
	var se *StratumError
	if errors.As(err, &se) {
		return se
	}
	return ErrUnknown.WithMessage(err.Error())
}
