package session

// CloseClass groups close codes by how the session reacts to them.
type CloseClass string

const (
	ClassBadSession          CloseClass = "bad-session"
	ClassConnectionLost      CloseClass = "connection-lost"
	ClassLoggedOut           CloseClass = "logged-out"
	ClassRestartRequired     CloseClass = "restart-required"
	ClassMultideviceMismatch CloseClass = "multidevice-mismatch"
	ClassUnknown             CloseClass = "unknown"
)

// Classify maps a close code to its class.
func Classify(code CloseCode) CloseClass {
	switch code {
	case CloseBadSession:
		return ClassBadSession
	case CloseConnectionLost, CloseConnectionClosed:
		return ClassConnectionLost
	case CloseLoggedOut:
		return ClassLoggedOut
	case CloseRestartRequired:
		return ClassRestartRequired
	case CloseMultideviceMismatch:
		return ClassMultideviceMismatch
	}
	return ClassUnknown
}

// Reconnects reports whether the class is retried automatically.
func (c CloseClass) Reconnects() bool {
	switch c {
	case ClassConnectionLost, ClassRestartRequired, ClassUnknown:
		return true
	}
	return false
}
