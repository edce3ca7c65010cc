// Package obserr defines the typed error vocabulary shared by every
// component of the observation read path.
package obserr

import "fmt"

// Kind identifies which of the documented failure modes occurred.
type Kind string

const (
	KindUnknownParameter     Kind = "UnknownParameter"
	KindStationNotFound      Kind = "StationNotFound"
	KindNoDriverForTable     Kind = "NoDriverForTable"
	KindNoDriverForPeriod    Kind = "NoDriverForPeriod"
	KindNoConnection         Kind = "NoConnection"
	KindConfigurationError   Kind = "ConfigurationError"
	KindSerializationError   Kind = "SerializationError"
	KindInternalIndexingError Kind = "InternalIndexingError"
	KindShutdownInProgress   Kind = "ShutdownInProgress"
)

// Error is the single error type produced by this module. It carries the
// originating component name and a small set of diagnostic key/value pairs
// in addition to the human message, per the error handling design.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Params    map[string]string
	cause     error
}

func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %s", e.Component, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error with no diagnostic params.
func New(kind Kind, component, message string) *Error {
	return &Error{Kind: kind, Component: component, Message: message}
}

// Wrap constructs an Error that preserves an underlying cause for errors.Is/As.
func Wrap(kind Kind, component, message string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Message: message, cause: cause}
}

// WithParam returns a copy of e with an added diagnostic key/value pair.
func (e *Error) WithParam(key, value string) *Error {
	cp := *e
	cp.Params = make(map[string]string, len(e.Params)+1)
	for k, v := range e.Params {
		cp.Params[k] = v
	}
	cp.Params[key] = value
	return &cp
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, obserr.New(obserr.KindStationNotFound, "", "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
