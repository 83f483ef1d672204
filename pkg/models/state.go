package models

// Phase is the coarse lifecycle position of a streaming session
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseStarting     Phase = "starting"
	PhaseStreaming    Phase = "streaming"
	PhaseReconnecting Phase = "reconnecting"
	PhaseStopping     Phase = "stopping"
	PhaseFailed       Phase = "failed"
)

// SessionState is the phase of a session plus the failure reason when the phase is failed
type SessionState struct {
	Phase  Phase // Current phase
	Reason Cause // Set only for PhaseFailed
}

var (
	StateIdle         = SessionState{Phase: PhaseIdle}
	StateStarting     = SessionState{Phase: PhaseStarting}
	StateStreaming    = SessionState{Phase: PhaseStreaming}
	StateReconnecting = SessionState{Phase: PhaseReconnecting}
	StateStopping     = SessionState{Phase: PhaseStopping}
)

// Failed returns the failed state carrying reason
func Failed(reason Cause) SessionState {
	return SessionState{Phase: PhaseFailed, Reason: reason}
}

func (s SessionState) String() string {
	if s.Phase == PhaseFailed && s.Reason != "" {
		return string(s.Phase) + "(" + string(s.Reason) + ")"
	}
	return string(s.Phase)
}

// MarshalText renders the state as in String, so events serialize as "failed(connection_lost)"
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether the session holds or is acquiring a connection
func (s SessionState) Active() bool {
	switch s.Phase {
	case PhaseStarting, PhaseStreaming, PhaseReconnecting:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal move for a single session.
// Once a session left idle it never returns there except through stopping.
func CanTransition(from, to SessionState) bool {
	switch from.Phase {
	case PhaseIdle:
		return to.Phase == PhaseStarting
	case PhaseStarting:
		return to.Phase == PhaseStreaming || to.Phase == PhaseStopping || to.Phase == PhaseFailed
	case PhaseStreaming:
		return to.Phase == PhaseReconnecting || to.Phase == PhaseStopping || to.Phase == PhaseFailed
	case PhaseReconnecting:
		return to.Phase == PhaseStreaming || to.Phase == PhaseStopping || to.Phase == PhaseFailed
	case PhaseStopping:
		return to.Phase == PhaseIdle
	}
	return false
}
