package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies a failure surfaced while running a job.
type Kind int

const (
	UnknownKind Kind = iota

	// A malformed JobRequest; surfaced synchronously, never retried.
	CommandGeneration

	// Connection level failure (auth, unreachable, timeout). Retried with bounded backoff.
	Transport

	// The remote command ran and exited non-zero. Not retried.
	RemoteExecution

	// Scheduler output could not be classified.
	ParseAmbiguity

	// Expired or rejected credential.
	Credential

	// The registry rejected a write. Retried until success or shutdown.
	RegistryPersist

	// Monitoring gave up after its retry budget. The remote job may still be running.
	MonitoringUnavailable

	Canceled
)

var kindNames = map[Kind]string{
	UnknownKind:           "Unknown",
	CommandGeneration:     "CommandGenerationError",
	Transport:             "TransportError",
	RemoteExecution:       "RemoteExecutionError",
	ParseAmbiguity:        "ParseAmbiguityError",
	Credential:            "CredentialError",
	RegistryPersist:       "RegistryPersistError",
	MonitoringUnavailable: "MonitoringUnavailable",
	Canceled:              "Canceled",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	for kind, name := range kindNames {
		if strings.EqualFold(name, s) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", s)
}

// Retryable reports whether an operation failing with k may be attempted again.
func (k Kind) Retryable() bool {
	return k == Transport || k == RegistryPersist
}

// Error is the concrete error type for every classified failure.
// Raw holds the remote output that produced the failure, if any.
type Error struct {
	Kind  Kind
	Msg   string
	Raw   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Cause() error  { return e.cause }
func (e *Error) Unwrap() error { return e.cause }

// New returns a classified error annotated with a stack trace.
func New(kind Kind, format string, args ...interface{}) error {
	return pkgerrors.WithStack(&Error{Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

// NewRaw is New with the offending remote output attached.
func NewRaw(kind Kind, raw string, format string, args ...interface{}) error {
	return pkgerrors.WithStack(&Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Raw: raw})
}

// Wrap classifies err. Returns nil if err is nil. If err already carries a
// Kind, the new kind shadows it for KindOf.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(&Error{Kind: kind, Msg: fmt.Sprintf(format, args...), cause: err})
}

// As and Is are the standard library functions, re-exported so callers need
// only one errors import.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }
func Is(err, target error) bool             { return stderrors.Is(err, target) }

// KindOf returns the outermost Kind found in err's chain, or UnknownKind.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return UnknownKind
}

// IsKind is true if err's outermost classification is kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RawOf returns the raw remote output attached anywhere in err's chain.
func RawOf(err error) string {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return ""
		}
		if e.Raw != "" {
			return e.Raw
		}
		err = e.cause
	}
	return ""
}

// ExitCodeError pairs an error with the exit code a binary should return for it.
type ExitCodeError struct {
	code ExitCode
	error
}

func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}
