package reliability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Class is the failure category that decides how an error is handled
type Class int

const (
	// ClassUnexpected covers anything that could not be categorised
	ClassUnexpected Class = iota
	// ClassTransient is retryable: network loss, timeouts, server busy
	ClassTransient
	// ClassCredential means the server rejected the account's credentials
	ClassCredential
	// ClassSemantic means the server refused the operation and will keep refusing it
	ClassSemantic
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassCredential:
		return "credential"
	case ClassSemantic:
		return "semantic"
	default:
		return "unexpected"
	}
}

var (
	// ErrUIDValidityChanged is returned when a folder's UID validity no longer
	// matches the stored value and cached UIDs cannot be trusted
	ErrUIDValidityChanged = errors.New("uid validity changed")
	// ErrNoHandler is returned when no handler exists for an action kind and family
	ErrNoHandler = errors.New("no handler registered")
	// ErrLeaseHeld is returned when another owner holds the account lease
	ErrLeaseHeld = errors.New("account lease held by another owner")
	// ErrLeaseLost is returned when a held lease could not be renewed
	ErrLeaseLost = errors.New("account lease lost")
	// ErrSyncNotRequested is returned when starting an account whose intent flag is off
	ErrSyncNotRequested = errors.New("sync not requested for account")
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
)

// Error attaches a failure class to an underlying error
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable
func Transient(op string, err error) error {
	return wrap(ClassTransient, op, err)
}

// Credential marks err as a credential rejection
func Credential(op string, err error) error {
	return wrap(ClassCredential, op, err)
}

// Semantic marks err as a permanent refusal of the operation
func Semantic(op string, err error) error {
	return wrap(ClassSemantic, op, err)
}

func wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// Classify determines the failure class of err
func Classify(err error) Class {
	if err == nil {
		return ClassUnexpected
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.Class
	}

	switch {
	case errors.Is(err, ErrUIDValidityChanged), errors.Is(err, ErrLeaseLost):
		return ClassTransient
	case errors.Is(err, ErrNoHandler), errors.Is(err, ErrNotFound):
		return ClassSemantic
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	switch CategorizeError(err) {
	case ErrorAuthentication:
		return ClassCredential
	case ErrorNetwork, ErrorTimeout:
		return ClassTransient
	case ErrorPermanent:
		return ClassSemantic
	default:
		return ClassUnexpected
	}
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// IsCredential reports whether err is a credential rejection
func IsCredential(err error) bool {
	return err != nil && Classify(err) == ClassCredential
}

// absentPatterns are server responses meaning the target is already gone
var absentPatterns = []string{
	"[nonexistent]",
	"no such mailbox",
	"mailbox does not exist",
	"mailbox doesn't exist",
	"does not exist",
	"doesn't exist",
	"unknown mailbox",
	"no such folder",
	"not found",
}

// IsAlreadyAbsent reports whether err says the remote object no longer exists
func IsAlreadyAbsent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range absentPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// existsPatterns are server responses meaning the object is already in place
var existsPatterns = []string{
	"[alreadyexists]",
	"already exists",
	"mailbox exists",
}

// IsAlreadyExists reports whether err says the remote object already exists
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range existsPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
