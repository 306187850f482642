package auction

import (
	"fmt"
	"time"
)

// Stage is an auction's lifecycle stage.
type Stage string

const (
	StageDraft     Stage = "draft"
	StageApproved  Stage = "approved"
	StageLive      Stage = "live"
	StageEnding    Stage = "ending"
	StageClosed    Stage = "closed"
	StageCancelled Stage = "cancelled"
)

// ParseStage converts s into a Stage.
func ParseStage(s string) (Stage, error) {
	switch st := Stage(s); st {
	case StageDraft, StageApproved, StageLive, StageEnding, StageClosed, StageCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown stage %q", ErrValidation, s)
}

// AcceptsBids reports whether bids may be placed in this stage.
func (s Stage) AcceptsBids() bool {
	return s == StageLive || s == StageEnding
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageClosed || s == StageCancelled
}

// checkManualTransition validates an authorizer-requested transition.
// Time conditions (e.g. closing before the end time) are checked by the caller.
func checkManualTransition(from, to Stage) error {
	if from.Terminal() {
		return fmt.Errorf("%w: auction is already %s", ErrInvalidTransition, from)
	}
	switch to {
	case StageApproved:
		if from == StageDraft {
			return nil
		}
	case StageLive:
		if from == StageApproved {
			return nil
		}
	case StageClosed:
		if from == StageLive || from == StageEnding {
			return nil
		}
	case StageCancelled:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// stageChange is a transition applied by the lifecycle.
type stageChange struct {
	From Stage
	To   Stage
}

// lifecycle applies the time-driven transitions of a single auction state.
// It never closes the auction; closing produces settlement data and is done
// by the engine.
type lifecycle struct {
	state *State
}

// start moves an approved auction to live once its scheduled start is reached.
func (l lifecycle) start(now time.Time) []stageChange {
	s := l.state
	if s.Stage != StageApproved || now.Before(s.ScheduledStart) {
		return nil
	}
	s.Stage = StageLive
	return []stageChange{{From: StageApproved, To: StageLive}}
}

// syncEnding moves between live and ending according to whether now lies in
// the extension window of the current end time.
func (l lifecycle) syncEnding(now time.Time) []stageChange {
	s := l.state
	if !s.Stage.AcceptsBids() {
		return nil
	}
	want := StageLive
	if s.Policy().InWindow(s.CurrentEnd, now) {
		want = StageEnding
	}
	if want == s.Stage {
		return nil
	}
	from := s.Stage
	s.Stage = want
	return []stageChange{{From: from, To: want}}
}

// due reports whether the auction must close at now. A bid arriving exactly
// at the end time is still accepted, so bids only close strictly after it.
func (l lifecycle) due(now time.Time, forBid bool) bool {
	s := l.state
	if !s.Stage.AcceptsBids() {
		return false
	}
	if forBid {
		return now.After(s.CurrentEnd)
	}
	return !now.Before(s.CurrentEnd)
}
