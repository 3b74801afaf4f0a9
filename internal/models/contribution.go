package models

// Contribution is one round's submission by a participant, frozen into the
// session history when the writing phase ends. VoteCount and IsWinner are
// finalized once that round's voting phase ends.
type Contribution struct {
	Text        string `json:"text"`
	AuthorID    string `json:"author_id"`
	RoundNumber int    `json:"round_number"`
	VoteCount   int    `json:"vote_count"`
	IsWinner    bool   `json:"is_winner"`
}
