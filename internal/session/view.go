package session

import (
	"context"

	"github.com/trillionclues/chronicle-backend/internal/models"
	"github.com/trillionclues/chronicle-backend/internal/users"
)

// ParticipantView is one roster entry as shown to clients. HasActed is
// derived from the source text/vote fields at build time and never stored.
type ParticipantView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PhotoURL  string `json:"photo_url,omitempty"`
	IsCreator bool   `json:"is_creator"`
	HasActed  bool   `json:"has_acted"`
	Text      string `json:"text,omitempty"`
}

// AuthorView annotates a contribution with its author's details.
type AuthorView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url,omitempty"`
}

// ContributionView is one history entry as shown to clients.
type ContributionView struct {
	Text     string     `json:"text"`
	Author   AuthorView `json:"author"`
	Votes    int        `json:"votes"`
	Round    int        `json:"round"`
	IsWinner bool       `json:"is_winner"`
}

// View is the fully resolved, server-authoritative state of a session,
// pushed to every subscriber after each mutation.
type View struct {
	ID              string             `json:"id"`
	Title           string             `json:"title"`
	JoinCode        string             `json:"join_code"`
	Phase           models.Phase       `json:"phase"`
	CurrentRound    int                `json:"current_round"`
	MaxRounds       int                `json:"max_rounds"`
	RoundDuration   int                `json:"round_duration_sec"`
	VoteDuration    int                `json:"vote_duration_sec"`
	MaxParticipants int                `json:"max_participants"`
	RemainingSec    int                `json:"remaining_sec"`
	Participants    []ParticipantView  `json:"participants"`
	History         []ContributionView `json:"history"`
	Story           string             `json:"story,omitempty"`
}

// BuildView resolves a session into its client view, annotating roster and
// history entries with user directory details. Unknown users keep their id
// as display name so a directory outage never hides state.
func BuildView(ctx context.Context, s *models.Session, directory users.Directory) *View {
	ids := make([]string, 0, len(s.Participants)+len(s.History))
	for i := range s.Participants {
		ids = append(ids, s.Participants[i].UserID)
	}
	for i := range s.History {
		ids = append(ids, s.History[i].AuthorID)
	}
	profiles := users.LookupOrEmpty(ctx, directory, ids)

	view := &View{
		ID:              s.ID.String(),
		Title:           s.Config.Title,
		JoinCode:        s.JoinCode,
		Phase:           s.Phase,
		CurrentRound:    s.CurrentRound,
		MaxRounds:       s.Config.MaxRounds,
		RoundDuration:   s.Config.RoundDurationSec,
		VoteDuration:    s.Config.VoteDurationSec,
		MaxParticipants: s.Config.MaxParticipants,
		RemainingSec:    s.RemainingSec,
		Participants:    make([]ParticipantView, 0, len(s.Participants)),
		History:         make([]ContributionView, 0, len(s.History)),
	}

	for i := range s.Participants {
		p := &s.Participants[i]
		profile := profileOrFallback(profiles, p.UserID)
		view.Participants = append(view.Participants, ParticipantView{
			ID:        p.UserID,
			Name:      profile.Name,
			PhotoURL:  profile.PhotoURL,
			IsCreator: p.IsCreator,
			HasActed:  p.HasActed(s.Phase),
			Text:      p.CurrentText,
		})
	}

	for i := range s.History {
		c := &s.History[i]
		profile := profileOrFallback(profiles, c.AuthorID)
		view.History = append(view.History, ContributionView{
			Text: c.Text,
			Author: AuthorView{
				ID:       c.AuthorID,
				Name:     profile.Name,
				PhotoURL: profile.PhotoURL,
			},
			Votes:    c.VoteCount,
			Round:    c.RoundNumber,
			IsWinner: c.IsWinner,
		})
	}

	if s.Phase == models.PhaseFinished {
		view.Story = s.CompiledStory()
	}
	return view
}

func profileOrFallback(profiles map[string]users.User, id string) users.User {
	if u, ok := profiles[id]; ok {
		return u
	}
	return users.User{ID: id, Name: id}
}
