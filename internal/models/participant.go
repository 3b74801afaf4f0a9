package models

// Participant is a roster entry owned by a Session. UserID is an opaque
// reference to an externally authenticated identity.
type Participant struct {
	UserID      string `json:"user_id"`
	IsCreator   bool   `json:"is_creator"`
	CurrentText string `json:"current_text"`
	CurrentVote string `json:"current_vote"`
}

// HasActed reports whether the participant completed the action the given
// phase asks of them. It is derived from the source fields and never stored.
func (p *Participant) HasActed(phase Phase) bool {
	switch phase {
	case PhaseWriting:
		return p.CurrentText != ""
	case PhaseVoting:
		return p.CurrentVote != ""
	default:
		return false
	}
}
