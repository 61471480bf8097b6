package broker

import "errors"

// ErrorKind classifies broker failures for HTTP rendering and logging.
type ErrorKind int

const (
	// KindInternal marks a broker-side invariant violation.
	KindInternal ErrorKind = iota
	// KindProvider marks upstream discovery or provider misbehavior.
	KindProvider
	// KindProviderInput marks well-formed but untrustworthy provider data,
	// such as a bad signature or a claim mismatch.
	KindProviderInput
	// KindProviderCancelled marks a policy abort, such as an unsupported
	// provider or a session claimed by a competing attempt.
	KindProviderCancelled
)

// Error is the failure type shared by discovery and bridge flows.
type Error struct {
	Kind   ErrorKind
	Origin string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Internal wraps a broker-side failure.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}

// Provider wraps an upstream failure, annotated with the provider origin.
func Provider(origin, msg string, err error) *Error {
	return &Error{Kind: KindProvider, Origin: origin, Msg: msg, Err: err}
}

// ProviderInput marks provider data that failed validation. The message is
// logged but not exposed to callers, so individual checks stay
// indistinguishable from the outside.
func ProviderInput(msg string) *Error {
	return &Error{Kind: KindProviderInput, Msg: msg}
}

// Cancelled marks the expected outcome of a policy abort or a lost session
// claim race. The losing flow can simply be retried.
func Cancelled() *Error {
	return &Error{Kind: KindProviderCancelled, Msg: "authentication attempt cancelled"}
}

// KindOf extracts the ErrorKind from err, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr.Kind
	}
	return KindInternal
}
