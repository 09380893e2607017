package domain

import "fmt"

// Kind classifies a submission failure. Recoverable kinds feed the retry
// counter; KindStorage is terminal because local state integrity cannot
// be guaranteed once the store misbehaves.
type Kind string

const (
	KindCredential   Kind = "credential"
	KindToken        Kind = "token"
	KindNetwork      Kind = "network"
	KindReceivedData Kind = "received_data"
	KindStorage      Kind = "storage"
)

// Recoverable reports whether a failure of this kind is eligible for a
// retry cycle.
func (k Kind) Recoverable() bool {
	switch k {
	case KindToken, KindNetwork, KindReceivedData:
		return true
	}
	return false
}

// Message returns the user-visible description for a failure kind.
func (k Kind) Message() string {
	switch k {
	case KindCredential:
		return "missing user credentials, cannot authenticate"
	case KindToken:
		return "error occurred during token exchange, ensure network connectivity"
	case KindNetwork:
		return "network error occurred, please ensure internet access"
	case KindReceivedData:
		return "received invalid data from the server"
	case KindStorage:
		return "local storage error occurred, please contact support"
	}
	return "an unspecified error occurred"
}

// Error ties a failure kind to its cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " error"
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a failure kind.
func E(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// Ef wraps a formatted message with a failure kind.
func Ef(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure kind from err, walking the wrap chain.
// Unclassified errors report as KindNetwork, the most conservative
// recoverable kind.
func KindOf(err error) Kind {
	for err != nil {
		if de, ok := err.(*Error); ok {
			return de.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return KindNetwork
}
