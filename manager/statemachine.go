package manager

import (
	"slices"
	"time"

	pkgerrors "github.com/medhive/coordinator/pkg/errors"
)

type StateMachine struct{}

func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

func (sm *StateMachine) ValidateRoundTransition(from, to RoundStatus) bool {
	validTransitions := map[RoundStatus][]RoundStatus{
		RoundCreated:     {RoundInProgress, RoundFailed},
		RoundInProgress:  {RoundAggregating, RoundFailed},
		RoundAggregating: {RoundCompleted, RoundFailed},
		RoundCompleted:   {}, // Terminal state
		RoundFailed:      {}, // Terminal state
	}

	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	return slices.Contains(allowed, to)
}

// TransitionRound advances a round, stamping startedAt and endedAt. Callers
// hold the round's lock.
func (sm *StateMachine) TransitionRound(r *Round, to RoundStatus) error {
	if !sm.ValidateRoundTransition(r.Status, to) {
		return pkgerrors.ErrInvalidStateTransition
	}

	now := time.Now()
	r.Status = to

	switch to {
	case RoundInProgress:
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	case RoundCompleted, RoundFailed:
		if r.EndedAt == nil {
			r.EndedAt = &now
		}
	}

	return nil
}

func (sm *StateMachine) ValidateParticipantTransition(from, to ParticipantStatus) bool {
	validTransitions := map[ParticipantStatus][]ParticipantStatus{
		ParticipantInvited:   {ParticipantJoined, ParticipantTimedOut, ParticipantDeclined},
		ParticipantJoined:    {ParticipantCompleted, ParticipantTimedOut},
		ParticipantCompleted: {}, // Terminal state
		ParticipantTimedOut:  {}, // Terminal state
		ParticipantDeclined:  {}, // Terminal state
	}

	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	return slices.Contains(allowed, to)
}

func (sm *StateMachine) TransitionParticipant(p *Participant, to ParticipantStatus) error {
	if !sm.ValidateParticipantTransition(p.Status, to) {
		return pkgerrors.ErrInvalidStateTransition
	}

	now := time.Now()
	p.Status = to

	switch to {
	case ParticipantJoined:
		if p.JoinedAt == nil {
			p.JoinedAt = &now
		}
	case ParticipantCompleted, ParticipantTimedOut, ParticipantDeclined:
		if p.CompletedAt == nil {
			p.CompletedAt = &now
		}
	}

	return nil
}

func (sm *StateMachine) IsTerminalRound(status RoundStatus) bool {
	return status == RoundCompleted || status == RoundFailed
}

func (sm *StateMachine) IsTerminalParticipant(status ParticipantStatus) bool {
	return status == ParticipantCompleted || status == ParticipantTimedOut || status == ParticipantDeclined
}
