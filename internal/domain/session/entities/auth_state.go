package entities

import (
	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
)

// AuthStep names one interactive login input
type AuthStep string

const (
	StepPhone    AuthStep = "phone"
	StepCode     AuthStep = "code"
	StepPassword AuthStep = "password"
	StepToken    AuthStep = "token"
)

// ParseAuthStep validates a step name received from a caller
func ParseAuthStep(s string) (AuthStep, bool) {
	switch step := AuthStep(s); step {
	case StepPhone, StepCode, StepPassword, StepToken:
		return step, true
	}
	return "", false
}

// AuthState is the current node of an authorization state machine.
// The set of implementations is closed: Uninitialized, Awaiting, Ready, Failed.
type AuthState interface {
	authState()
}

// Uninitialized is the entry state of every new session
type Uninitialized struct{}

// Awaiting waits for the user to supply Step
type Awaiting struct {
	Step AuthStep
}

// Ready is terminal success
type Ready struct{}

// Failed is terminal failure; the session needs re-linking
type Failed struct {
	Reason string
}

func (Uninitialized) authState() {}
func (Awaiting) authState()      {}
func (Ready) authState()         {}
func (Failed) authState()        {}

// StateName returns a stable name for s
func StateName(s AuthState) string {
	switch st := s.(type) {
	case Uninitialized:
		return "uninitialized"
	case Awaiting:
		return "awaiting_" + string(st.Step)
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition can leave s
func IsTerminal(s AuthState) bool {
	switch s.(type) {
	case Ready, Failed:
		return true
	}
	return false
}

// StateView is the serializable form of an AuthState
type StateView struct {
	State  string `json:"state"`
	Step   string `json:"step,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ViewOf maps s to its serializable form
func ViewOf(s AuthState) StateView {
	switch st := s.(type) {
	case Uninitialized:
		return StateView{State: "uninitialized"}
	case Awaiting:
		return StateView{State: "awaiting_input", Step: string(st.Step)}
	case Ready:
		return StateView{State: "ready"}
	case Failed:
		return StateView{State: "failed", Reason: st.Reason}
	default:
		return StateView{State: "unknown"}
	}
}

// AuthFlow lists the interactive steps of one network in the order they occur
type AuthFlow struct {
	Network credential.Network
	Steps   []AuthStep
}

// Index returns the position of step in the flow, or -1
func (f AuthFlow) Index(step AuthStep) int {
	for i, s := range f.Steps {
		if s == step {
			return i
		}
	}
	return -1
}

// TokenFlow is the single-step flow shared by token networks
func TokenFlow(network credential.Network) AuthFlow {
	return AuthFlow{Network: network, Steps: []AuthStep{StepToken}}
}
