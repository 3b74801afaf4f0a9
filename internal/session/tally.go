package session

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sort"

	"github.com/trillionclues/chronicle-backend/internal/models"
)

// TallyResult is the outcome of one round's vote count.
type TallyResult struct {
	// WinnerID is the userId of the winning candidate; empty when no
	// candidate received a vote.
	WinnerID string
	// Votes maps candidate userId to received vote count. Votes cast for
	// participants without a text are wasted and appear nowhere.
	Votes map[string]int
}

// Tally counts the round's votes over the roster. Candidates are
// participants with a non-empty text. Ties on the maximum are broken by a
// uniform pick from rnd; injecting the source keeps the fairness policy
// reproducible under test.
func Tally(participants []models.Participant, rnd *rand.Rand) TallyResult {
	candidates := make(map[string]bool, len(participants))
	for i := range participants {
		if participants[i].CurrentText != "" {
			candidates[participants[i].UserID] = true
		}
	}

	votes := make(map[string]int)
	for i := range participants {
		target := participants[i].CurrentVote
		if target == "" || !candidates[target] {
			continue
		}
		votes[target]++
	}

	max := 0
	for _, n := range votes {
		if n > max {
			max = n
		}
	}
	if max == 0 {
		return TallyResult{Votes: votes}
	}

	var tied []string
	for id, n := range votes {
		if n == max {
			tied = append(tied, id)
		}
	}
	// Map iteration order is random in its own right, but not seedable;
	// sort first so the rnd draw alone decides the winner.
	sort.Strings(tied)

	return TallyResult{
		WinnerID: tied[rnd.Intn(len(tied))],
		Votes:    votes,
	}
}

// newRand returns a rand.Rand seeded from crypto/rand.
func newRand() *rand.Rand {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return rand.New(rand.NewSource(0))
	}
	return rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(b[:]))))
}
