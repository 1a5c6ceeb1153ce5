package domain

// SessionState is the lifecycle state of the remote session.
type SessionState int

const (
	StateLoggedOut SessionState = iota
	StateAuthenticating
	StateReady
	StateDispatching
	StateSigningOut
)

func (s SessionState) String() string {
	switch s {
	case StateLoggedOut:
		return "LoggedOut"
	case StateAuthenticating:
		return "Authenticating"
	case StateReady:
		return "Ready"
	case StateDispatching:
		return "Dispatching"
	case StateSigningOut:
		return "SigningOut"
	default:
		return "Unknown"
	}
}

// SignOutStep is one affordance in the fixed sign-out sequence.
type SignOutStep int

const (
	StepAcknowledgeSession SignOutStep = iota // "Use here" single-session notice
	StepOpenMenu
	StepInvokeSignOut
	StepConfirmSignOut
)

// SignOutSequence is the order the steps must run in.
var SignOutSequence = []SignOutStep{
	StepAcknowledgeSession,
	StepOpenMenu,
	StepInvokeSignOut,
	StepConfirmSignOut,
}

func (s SignOutStep) String() string {
	switch s {
	case StepAcknowledgeSession:
		return "acknowledge-session"
	case StepOpenMenu:
		return "open-menu"
	case StepInvokeSignOut:
		return "sign-out"
	case StepConfirmSignOut:
		return "confirm-sign-out"
	default:
		return "unknown"
	}
}
