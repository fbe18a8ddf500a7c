package authstate

// Reason explains why the state is NotAuthenticated
type Reason int

const (
	// No session was ever established
	NewSession Reason = iota
	// Session existed and lapsed
	Expired
	// User explicitly ended the session
	Logout
)

func (r Reason) String() string {
	switch r {
	case NewSession:
		return "new_session"
	case Expired:
		return "expired"
	case Logout:
		return "logout"
	default:
		return "unknown"
	}
}
