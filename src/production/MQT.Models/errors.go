package mqtmodels

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound is returned when a message or command targets an
	// unregistered device.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDuplicateReading is returned when a redelivered reading is already stored.
	ErrDuplicateReading = errors.New("duplicate reading")
)

// ValidationError rejects bad registration or command input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// DuplicateDeviceError is a registration conflict on externalDeviceId
type DuplicateDeviceError struct {
	ExternalDeviceID string
}

func (e *DuplicateDeviceError) Error() string {
	return fmt.Sprintf("device %q already registered", e.ExternalDeviceID)
}

// ConnectivityError means the broker is unavailable
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: broker not connected", e.Op)
	}
	return fmt.Sprintf("%s: broker unavailable: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// TransientPersistenceError is a storage failure that survived every retry
type TransientPersistenceError struct {
	Op  string
	Err error
}

func (e *TransientPersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientPersistenceError) Unwrap() error {
	return e.Err
}

// MalformedPayloadError is an inbound message that failed boundary validation
type MalformedPayloadError struct {
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed payload: %s: %v", e.Reason, e.Err)
	}
	return "malformed payload: " + e.Reason
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

// Malformed is shorthand for a MalformedPayloadError
func Malformed(reason string, err error) error {
	return &MalformedPayloadError{Reason: reason, Err: err}
}
