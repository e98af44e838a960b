package generation

import (
	"fmt"

	"github.com/Echoxiawan/KBaseCase/internal/embeddings"
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	KindConfiguration   ErrorKind = "configuration"
	KindTransport       ErrorKind = "transport"
	KindMalformedOutput ErrorKind = "malformed_output"
	KindInvalidInput    ErrorKind = "invalid_input"
	KindInternal        ErrorKind = "internal"
)

// PipelineError is the structured failure value returned instead of a
// panic or bare error. Raw carries the model output when it could not be
// parsed.
type PipelineError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"error"`
	Raw     string    `json:"raw_content,omitempty"`
	cause   error
}

func (e *PipelineError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *PipelineError) Unwrap() error { return e.cause }

func newPipelineError(kind ErrorKind, cause error, format string, args ...any) *PipelineError {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return &PipelineError{Kind: kind, Message: msg, cause: cause}
}

// completionError maps an LLM failure onto a pipeline error.
func completionError(pass string, err error) *PipelineError {
	if isTimeout(err) {
		return newPipelineError(KindTransport, err, "%s call timed out", pass)
	}
	return newPipelineError(KindTransport, err, "%s call failed", pass)
}

// retrievalError maps an encoder or index failure onto a pipeline error.
func retrievalError(err error) *PipelineError {
	if embeddings.IsUnavailable(err) {
		return newPipelineError(KindConfiguration, err, "no embedding backend available")
	}
	return newPipelineError(KindInternal, err, "retrieving document context")
}
