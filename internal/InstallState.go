package internal

import "fmt"

// InstallState is the lifecycle state of a single package install
type InstallState int

const (
	StatePending InstallState = iota
	StateOpening
	StateCopying
	StateSucceeded
	StateOverwritten
	StateCancelled
	StateRejected
	StateFailed
)

func (s InstallState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateOpening:
		return "Opening"
	case StateCopying:
		return "Copying"
	case StateSucceeded:
		return "Succeeded"
	case StateOverwritten:
		return "Overwritten"
	case StateCancelled:
		return "Cancelled"
	case StateRejected:
		return "Rejected"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("InstallState(%d)", int(s))
	}
}

var allowedTransitions = map[InstallState][]InstallState{
	StatePending: {StateOpening},
	StateOpening: {StateCopying, StateFailed, StateRejected},
	StateCopying: {StateSucceeded, StateOverwritten, StateCancelled, StateFailed},
}

// IsTerminal reports whether s is a sink
func (s InstallState) IsTerminal() bool {
	_, hasExits := allowedTransitions[s]
	return !hasExits
}

// PackageInstall tracks one package through Pending -> Opening -> Copying -> terminal.
// States are never re-entered.
type PackageInstall struct {
	Path    string
	state   InstallState
	history []InstallState
}

// NewPackageInstall creates a tracker in the Pending state
func NewPackageInstall(path string) *PackageInstall {
	return &PackageInstall{
		Path:    path,
		state:   StatePending,
		history: []InstallState{StatePending},
	}
}

// State returns the current state
func (p *PackageInstall) State() InstallState {
	return p.state
}

// History returns every state visited, in order
func (p *PackageInstall) History() []InstallState {
	return append([]InstallState(nil), p.history...)
}

// Advance moves to next if the transition is allowed
func (p *PackageInstall) Advance(next InstallState) error {
	for _, allowed := range allowedTransitions[p.state] {
		if allowed == next {
			p.state = next
			p.history = append(p.history, next)
			return nil
		}
	}
	return fmt.Errorf("invalid install state transition for %s: %s -> %s", p.Path, p.state, next)
}

// finishWith moves to the terminal state matching err. A nil err with overwrite set ends in Overwritten.
func (p *PackageInstall) finishWith(err error, overwrite bool) InstallState {
	var next InstallState
	switch {
	case err == nil && overwrite:
		next = StateOverwritten
	case err == nil:
		next = StateSucceeded
	case CodeOf(err) == CodeBaseInstall:
		next = StateRejected
	case CodeOf(err) == CodeCancelled && p.state == StateCopying:
		next = StateCancelled
	default:
		next = StateFailed
	}
	if advanceErr := p.Advance(next); advanceErr != nil {
		PushLogError("install", advanceErr.Error())
	}
	return p.state
}
