package session

// Method records how a session came to exist.
type Method uint8

const (
	MethodOTP Method = iota + 1
	MethodMagicLink
	MethodHandoff
)

func (m Method) String() string {
	switch m {
	case MethodOTP:
		return "otp"
	case MethodMagicLink:
		return "magic_link"
	case MethodHandoff:
		return "handoff"
	default:
		return "unknown"
	}
}

// Session is one authenticated browser session. Times are unix seconds.
type Session struct {
	SessionID string
	SubjectID string
	Identity  string
	Method    Method

	CreatedAt int64
	ExpiresAt int64
}
