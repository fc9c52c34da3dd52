package types

import (
	"errors"
	"fmt"
	"strings"
)

// SignalStatus 持久化信号的生命周期状态。
type SignalStatus string

const (
	StatusPending    SignalStatus = "PENDING"
	StatusProcessing SignalStatus = "PROCESSING"
	StatusValid      SignalStatus = "VALID"
	StatusExecuted   SignalStatus = "EXECUTED"
	StatusFailed     SignalStatus = "FAILED"
	StatusDuplicate  SignalStatus = "DUPLICATE"
	StatusCancelled  SignalStatus = "CANCELLED"
	StatusQueueFull  SignalStatus = "QUEUE_FULL"
	StatusExpired    SignalStatus = "EXPIRED"
)

var ErrIllegalTransition = errors.New("illegal status transition")

var signalTransitions = map[SignalStatus][]SignalStatus{
	StatusPending:    {StatusProcessing, StatusValid, StatusDuplicate, StatusQueueFull, StatusCancelled, StatusExpired, StatusFailed},
	StatusProcessing: {StatusValid, StatusExecuted, StatusFailed, StatusDuplicate, StatusCancelled, StatusPending},
	StatusValid:      {StatusExecuted, StatusFailed},
	StatusQueueFull:  {StatusPending},
}

// ParseSignalStatus 大小写不敏感地解析状态字符串。
func ParseSignalStatus(raw string) (SignalStatus, bool) {
	s := SignalStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusProcessing, StatusValid, StatusExecuted, StatusFailed,
		StatusDuplicate, StatusCancelled, StatusQueueFull, StatusExpired:
		return s, true
	}
	return "", false
}

// Terminal reports whether no further pipeline transition is allowed.
// QUEUE_FULL is a soft state: an operator may resubmit it.
func (s SignalStatus) Terminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusDuplicate, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Cancellable 只有 PENDING / PROCESSING 允许人工取消。
func (s SignalStatus) Cancellable() bool {
	return s == StatusPending || s == StatusProcessing
}

func (s SignalStatus) CanTransition(to SignalStatus) bool {
	for _, next := range signalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition (wrapped) when from→to is not allowed.
func CheckTransition(from, to SignalStatus) error {
	if from.CanTransition(to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
