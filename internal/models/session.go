package models

import (
	"time"

	"github.com/google/uuid"
)

// Phase defines the lifecycle stage of a session.
type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhaseWriting  Phase = "writing"
	PhaseVoting   Phase = "voting"
	PhaseFinished Phase = "finished"
	PhaseCanceled Phase = "canceled"
)

// Terminal reports whether no further mutation is legal for the phase.
func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseCanceled
}

// Timed reports whether the phase runs under a countdown.
func (p Phase) Timed() bool {
	return p == PhaseWriting || p == PhaseVoting
}

// SessionConfig holds the immutable settings fixed at creation.
type SessionConfig struct {
	Title            string `json:"title"`
	MaxRounds        int    `json:"max_rounds"`
	RoundDurationSec int    `json:"round_duration_sec"`
	VoteDurationSec  int    `json:"vote_duration_sec"`
	MaxParticipants  int    `json:"max_participants"`
}

// Session is the root aggregate of one collaborative story run.
// Version is the optimistic concurrency counter checked by the repository
// on every save.
type Session struct {
	ID           uuid.UUID      `json:"id"`
	JoinCode     string         `json:"join_code"`
	Config       SessionConfig  `json:"config"`
	Phase        Phase          `json:"phase"`
	CurrentRound int            `json:"current_round"`
	RemainingSec int            `json:"remaining_sec"`
	Participants []Participant  `json:"participants"`
	History      []Contribution `json:"history"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Participant returns the roster entry for userID, or nil.
func (s *Session) Participant(userID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i]
		}
	}
	return nil
}

// Creator returns the roster entry flagged as creator, or nil.
func (s *Session) Creator() *Participant {
	for i := range s.Participants {
		if s.Participants[i].IsCreator {
			return &s.Participants[i]
		}
	}
	return nil
}

// IsCreator reports whether userID holds the creator role.
func (s *Session) IsCreator(userID string) bool {
	c := s.Creator()
	return c != nil && c.UserID == userID
}

// AllActed reports whether every participant has completed the current
// phase's action.
func (s *Session) AllActed() bool {
	if len(s.Participants) == 0 {
		return false
	}
	for i := range s.Participants {
		if !s.Participants[i].HasActed(s.Phase) {
			return false
		}
	}
	return true
}

// ClearRoundState resets every participant's per-round fields.
func (s *Session) ClearRoundState() {
	for i := range s.Participants {
		s.Participants[i].CurrentText = ""
		s.Participants[i].CurrentVote = ""
	}
}

// RoundContributions returns indexes into History for the given round.
func (s *Session) RoundContributions(round int) []int {
	var idx []int
	for i := range s.History {
		if s.History[i].RoundNumber == round {
			idx = append(idx, i)
		}
	}
	return idx
}

// CompiledStory joins the winning contribution texts in round order. It is
// derived on read and never stored.
func (s *Session) CompiledStory() string {
	var story string
	for round := 1; round <= s.CurrentRound; round++ {
		for i := range s.History {
			c := &s.History[i]
			if c.RoundNumber != round || !c.IsWinner {
				continue
			}
			if story != "" {
				story += " "
			}
			story += c.Text
		}
	}
	return story
}
