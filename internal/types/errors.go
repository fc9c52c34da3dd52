package types

import (
	"errors"
	"fmt"
)

// FailureKind 对应流水线中的错误分类。
type FailureKind string

const (
	KindStructuralParse FailureKind = "structural_parse"
	KindValidation      FailureKind = "validation"
	KindQueueFull       FailureKind = "queue_full"
	KindSizing          FailureKind = "sizing"
	KindExecution       FailureKind = "execution"
	KindConnection      FailureKind = "connection"
)

var (
	ErrStructuralParse = errors.New("structural parse failure")
	ErrValidation      = errors.New("validation failure")
	ErrQueueFull       = errors.New("queue full")
	ErrSizing          = errors.New("sizing failure")
	ErrExecution       = errors.New("execution failure")
	ErrConnection      = errors.New("connection failure")
)

var kindSentinels = map[FailureKind]error{
	KindStructuralParse: ErrStructuralParse,
	KindValidation:      ErrValidation,
	KindQueueFull:       ErrQueueFull,
	KindSizing:          ErrSizing,
	KindExecution:       ErrExecution,
	KindConnection:      ErrConnection,
}

// ReasonQueueFull is stored on signals that could not get into (or back into) the queue.
const ReasonQueueFull = "Signal queue is full"

// PipelineError carries the failure kind plus a human readable reason.
// errors.Is matches both the kind sentinel and the wrapped cause.
type PipelineError struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (e *PipelineError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *PipelineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *PipelineError) Is(target error) bool {
	if e == nil {
		return false
	}
	return kindSentinels[e.Kind] == target
}

// Retryable 只有执行失败会回到队列重试。
func (e *PipelineError) Retryable() bool {
	return e != nil && e.Kind == KindExecution
}

func NewFailure(kind FailureKind, reason string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Reason: reason, Err: err}
}

func SizingFailure(reason string) *PipelineError {
	return NewFailure(KindSizing, reason, nil)
}

func ExecutionFailure(reason string, err error) *PipelineError {
	return NewFailure(KindExecution, reason, err)
}

func ConnectionFailure(reason string, err error) *PipelineError {
	return NewFailure(KindConnection, reason, err)
}

func ValidationFailure(reason string) *PipelineError {
	return NewFailure(KindValidation, reason, nil)
}

// IsRetryable reports whether err (or anything it wraps) is a retryable pipeline error.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// FailureReason 提取可读原因，便于写入 error_message。
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		if pe.Err != nil {
			return fmt.Sprintf("%s (%v)", pe.Reason, pe.Err)
		}
		return pe.Reason
	}
	return err.Error()
}
