package devicecheck

import (
	"context"
	"errors"
	"fmt"
)

// Platform-level sentinel errors. Environments report failures using these
// (directly or wrapped); they mirror the failure names capture platforms
// agree on. Everything above the environment works with classified
// *DiagError values instead.
var (
	// ErrNotAllowed indicates the user or a policy denied device access.
	ErrNotAllowed = errors.New("permission denied")

	// ErrNotFound indicates no device matched the request.
	ErrNotFound = errors.New("requested device not found")

	// ErrNotReadable indicates the device exists but cannot be opened,
	// typically because another application holds it.
	ErrNotReadable = errors.New("device is in use or not readable")

	// ErrOverconstrained indicates the requested constraints cannot be
	// satisfied by any available device.
	ErrOverconstrained = errors.New("constraints cannot be satisfied")

	// ErrNotSupported is returned when an optional operation or API is not
	// supported by the environment.
	ErrNotSupported = errors.New("operation not supported")

	// ErrInsecureContext indicates device access was attempted from a
	// context that does not meet the platform's security requirements.
	ErrInsecureContext = errors.New("secure context required")

	// ErrSwitchInFlight is returned when a device switch is requested while
	// a previous switch has not settled. The call is dropped, not queued.
	ErrSwitchInFlight = errors.New("device switch already in progress")

	// ErrStreamClosed is returned when reading from a closed stream or source.
	ErrStreamClosed = errors.New("stream closed")

	// ErrTrackEnded is returned when reading from an ended track.
	ErrTrackEnded = errors.New("track ended")

	// ErrNoEnvironment is returned when no environment factory matches.
	ErrNoEnvironment = errors.New("no environment registered")
)

// Code identifies the category of a diagnostic failure. Classification
// happens exactly once, where a platform error is first received; callers
// branch on the code and never re-parse error strings.
type Code int

const (
	CodeUnknown Code = iota
	CodePermissionDenied
	CodeDeviceNotFound
	CodeDeviceBusy
	CodeConstraintUnsatisfiable
	CodeBrowserUnsupported
	CodeEnumerationTimeout
	CodeHTTPSRequired
)

func (c Code) String() string {
	switch c {
	case CodePermissionDenied:
		return "permission-denied"
	case CodeDeviceNotFound:
		return "device-not-found"
	case CodeDeviceBusy:
		return "device-busy"
	case CodeConstraintUnsatisfiable:
		return "constraint-unsatisfiable"
	case CodeBrowserUnsupported:
		return "browser-unsupported"
	case CodeEnumerationTimeout:
		return "enumeration-timeout"
	case CodeHTTPSRequired:
		return "https-required"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// DiagError is a classified platform failure. Kind records the device kind
// the failing operation targeted so messages can name the hardware.
type DiagError struct {
	Code Code
	Kind DeviceKind
	Op   string
	Err  error
}

func (e *DiagError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

// Unwrap returns the underlying platform error.
func (e *DiagError) Unwrap() error { return e.Err }

// Is reports whether target is a *DiagError with the same code, so callers
// can match via errors.Is(err, &DiagError{Code: CodePermissionDenied}).
func (e *DiagError) Is(target error) bool {
	t, ok := target.(*DiagError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// UserMessage renders a human-readable, device-specific message suitable
// for direct display. It never exposes raw platform error strings.
func (e *DiagError) UserMessage() string {
	noun := e.Kind.noun()
	switch e.Code {
	case CodePermissionDenied:
		return fmt.Sprintf("%s access was denied. Please enable %s permissions and try again.", titleCase(noun), noun)
	case CodeDeviceNotFound:
		return fmt.Sprintf("No %s was found. Please connect a %s and try again.", noun, noun)
	case CodeDeviceBusy:
		return fmt.Sprintf("The %s is already in use by another application. Close other applications using the %s and try again.", noun, noun)
	case CodeConstraintUnsatisfiable:
		return fmt.Sprintf("The %s does not support the requested settings.", noun)
	case CodeBrowserUnsupported:
		return fmt.Sprintf("This environment does not support %s access.", noun)
	case CodeEnumerationTimeout:
		return fmt.Sprintf("Timed out while detecting %s devices. Please try again.", noun)
	case CodeHTTPSRequired:
		return "Device access requires a secure (HTTPS) context."
	default:
		return fmt.Sprintf("An unexpected %s error occurred. Please try again.", noun)
	}
}

// Classify maps a platform error to a *DiagError exactly once, at the
// boundary where it was received. An error that is already classified is
// returned unchanged so double classification cannot occur.
func Classify(op string, kind DeviceKind, err error) *DiagError {
	var de *DiagError
	if errors.As(err, &de) {
		return de
	}

	code := CodeUnknown
	switch {
	case errors.Is(err, ErrNotAllowed):
		code = CodePermissionDenied
	case errors.Is(err, ErrNotFound):
		code = CodeDeviceNotFound
	case errors.Is(err, ErrNotReadable):
		code = CodeDeviceBusy
	case errors.Is(err, ErrOverconstrained):
		code = CodeConstraintUnsatisfiable
	case errors.Is(err, ErrNotSupported):
		code = CodeBrowserUnsupported
	case errors.Is(err, ErrInsecureContext):
		code = CodeHTTPSRequired
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeEnumerationTimeout
	}

	return &DiagError{Code: code, Kind: kind, Op: op, Err: err}
}

// CodeOf extracts the classification code from an error chain, or
// CodeUnknown when the error carries no classification.
func CodeOf(err error) Code {
	var de *DiagError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeUnknown
}

// UserMessageOf returns the display message for an error chain. Unclassified
// errors fall back to their plain Error() text.
func UserMessageOf(err error) string {
	var de *DiagError
	if errors.As(err, &de) {
		return de.UserMessage()
	}
	return err.Error()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
