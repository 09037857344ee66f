package internal

import (
	"fmt"
	"sync"
)

// InstallOutcome is the end-user classification of a package install
type InstallOutcome int

const (
	OutcomeSuccess InstallOutcome = iota
	OutcomeOverwrite
	OutcomeFailure
	OutcomeBaseInstallAttempted
	OutcomeCancelled
)

func (o InstallOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "Success"
	case OutcomeOverwrite:
		return "Overwrite"
	case OutcomeFailure:
		return "Failure"
	case OutcomeBaseInstallAttempted:
		return "BaseInstallAttempted"
	case OutcomeCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("InstallOutcome(%d)", int(o))
	}
}

// IsFailure reports whether the outcome counts as failed. Cancelled and rejected installs do.
func (o InstallOutcome) IsFailure() bool {
	return o == OutcomeFailure || o == OutcomeBaseInstallAttempted || o == OutcomeCancelled
}

// OutcomeForState maps a terminal state to its outcome
func OutcomeForState(state InstallState) InstallOutcome {
	switch state {
	case StateSucceeded:
		return OutcomeSuccess
	case StateOverwritten:
		return OutcomeOverwrite
	case StateRejected:
		return OutcomeBaseInstallAttempted
	case StateCancelled:
		return OutcomeCancelled
	default:
		return OutcomeFailure
	}
}

// PackageResult is the final, immutable result of one package
type PackageResult struct {
	Path     string
	Outcome  InstallOutcome
	State    InstallState
	Err      error
	Entries  int
	Attempts int
}

// Results accumulates one PackageResult per package of a batch. Safe for concurrent use.
type Results struct {
	mu      sync.Mutex
	results []PackageResult
}

// Append records a result
func (r *Results) Append(result PackageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

// All returns a copy of the recorded results in append order
func (r *Results) All() []PackageResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PackageResult(nil), r.results...)
}

// Len returns the number of recorded results
func (r *Results) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

// Counts returns the newly installed, overwritten and failed package counts.
// Their sum always equals Len.
func (r *Results) Counts() (newCount, overwritten, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		switch {
		case res.Outcome == OutcomeSuccess:
			newCount++
		case res.Outcome == OutcomeOverwrite:
			overwritten++
		default:
			failed++
		}
	}
	return newCount, overwritten, failed
}

// Cancelled returns how many of the failed packages were cancelled
func (r *Results) Cancelled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, res := range r.results {
		if res.Outcome == OutcomeCancelled {
			count++
		}
	}
	return count
}

// BaseInstallAttempted reports whether any package was rejected as a base install
func (r *Results) BaseInstallAttempted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		if res.Outcome == OutcomeBaseInstallAttempted {
			return true
		}
	}
	return false
}

// Summary renders the end-of-batch report lines
func (r *Results) Summary() []string {
	newCount, overwritten, failed := r.Counts()
	var lines []string
	if newCount > 0 {
		lines = append(lines, fmt.Sprintf("%d file(s) were newly installed", newCount))
	}
	if overwritten > 0 {
		lines = append(lines, fmt.Sprintf("%d file(s) were overwritten", overwritten))
	}
	if failed > 0 {
		line := fmt.Sprintf("%d file(s) failed to install", failed)
		if cancelled := r.Cancelled(); cancelled > 0 {
			line += fmt.Sprintf(" (%d cancelled)", cancelled)
		}
		lines = append(lines, line)
	}
	return lines
}
