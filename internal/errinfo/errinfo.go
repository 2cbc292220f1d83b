// Package errinfo provides the uniform defect error used across the call runtime.
//
// A defect carries the sender that raised it, a human readable message and a
// structured info map. Defects are programming or engine errors; expected
// early-termination signals live in the cancellation package instead.
package errinfo

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	unknownSender  = "unknown sender"
	unknownMessage = "unknown error"
)

// Error is a defect with sender, message and structured context.
type Error struct {
	Sender  string
	Message string
	Info    map[string]any
	Err     error
}

// New builds a defect without an underlying cause.
func New(sender, message string, info map[string]any) *Error {
	return &Error{Sender: sender, Message: message, Info: info}
}

// Wrap builds a defect around cause. The cause stays reachable through errors.Is/As.
func Wrap(sender, message string, cause error, info map[string]any) *Error {
	return &Error{Sender: sender, Message: message, Info: info, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.message() {
		return fmt.Sprintf("%s: %s: %v", e.sender(), e.message(), e.Err)
	}
	return e.Qualified()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Qualified returns "sender: message", the form reported to the call-list service.
func (e *Error) Qualified() string {
	return e.sender() + ": " + e.message()
}

// MarshalJSON renders the defect for reporting and logs.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := struct {
		Sender  string         `json:"sender"`
		Message string         `json:"message"`
		Info    map[string]any `json:"info,omitempty"`
		Cause   string         `json:"cause,omitempty"`
	}{
		Sender:  e.sender(),
		Message: e.message(),
		Info:    e.Info,
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

func (e *Error) sender() string {
	if e.Sender == "" {
		return unknownSender
	}
	return e.Sender
}

func (e *Error) message() string {
	if e.Message == "" {
		return unknownMessage
	}
	return e.Message
}

// From normalizes any error into a defect. Existing defects in the chain are returned as is.
func From(err error) *Error {
	if err == nil {
		return New(unknownSender, unknownMessage, nil)
	}
	var info *Error
	if errors.As(err, &info) {
		return info
	}
	return &Error{Sender: unknownSender, Message: err.Error(), Err: err}
}
