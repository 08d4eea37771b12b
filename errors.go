package main

import (
	"errors"
	"fmt"
)

// RejectReason is the machine-readable reason a submission was refused.
type RejectReason string

const (
	ReasonNotAlive       RejectReason = "not_alive"
	ReasonWrongPhase     RejectReason = "wrong_phase"
	ReasonPowerExhausted RejectReason = "power_exhausted"
	ReasonInvalidTarget  RejectReason = "invalid_target"
	ReasonStalePhase     RejectReason = "stale_phase"
	ReasonSelfTarget     RejectReason = "self_target"
	ReasonNotAllowed     RejectReason = "not_allowed"
	ReasonUnknownPower   RejectReason = "unknown_power"
	ReasonNotInGame      RejectReason = "not_in_game"
	ReasonMissingSeq     RejectReason = "missing_phase_seq"
)

// RejectError is returned for a submission that fails validation. Nothing is
// persisted when it is returned.
type RejectError struct {
	Reason  RejectReason
	Message string
}

func (e *RejectError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Message
}

// Is matches any RejectError carrying the same reason.
func (e *RejectError) Is(target error) bool {
	t, ok := target.(*RejectError)
	return ok && t.Reason == e.Reason
}

func reject(reason RejectReason, format string, args ...any) *RejectError {
	return &RejectError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// rejectReason extracts the reason from err, or "" if it is not a rejection.
func rejectReason(err error) RejectReason {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

var (
	// ErrStalePhase: the caller targeted a phase instance that has already closed.
	ErrStalePhase = &RejectError{Reason: ReasonStalePhase, Message: "phase already advanced"}

	// ErrPhaseSeqRequired: resolving needs the instance the caller expects to close.
	ErrPhaseSeqRequired = &RejectError{Reason: ReasonMissingSeq, Message: "phase_seq is required"}

	ErrAlreadyResolved         = errors.New("phase already resolved")
	ErrParticipationIncomplete = errors.New("not every required player has acted")
	ErrNotResolvable           = errors.New("phase cannot be resolved")
	ErrNoPendingRevenge        = errors.New("no pending revenge for player")
	ErrGameNotFound            = errors.New("game not found")

	// ErrEngineFault means a resolution broke a game invariant; the
	// transaction is rolled back and the phase stays open.
	ErrEngineFault = errors.New("engine fault")
)

func engineFault(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrEngineFault, fmt.Sprintf(format, args...))
}
