// Package users exposes a read-only directory of user profiles. Identity
// verification happens upstream; the core only resolves opaque user ids to
// display details for the session view.
package users

import (
	"context"

	"github.com/rs/zerolog/log"
)

// User is a display profile attached to an opaque external identity.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url,omitempty"`
}

// Directory resolves user ids to profiles. Unknown ids are simply absent
// from the result; that is not an error.
type Directory interface {
	Lookup(ctx context.Context, ids []string) (map[string]User, error)
}

// LookupOrEmpty resolves ids, logging and returning an empty map on
// directory failure so callers building views never fail a state mutation
// over missing display names.
func LookupOrEmpty(ctx context.Context, d Directory, ids []string) map[string]User {
	if d == nil || len(ids) == 0 {
		return map[string]User{}
	}
	profiles, err := d.Lookup(ctx, dedupe(ids))
	if err != nil {
		log.Warn().Err(err).Int("ids", len(ids)).Msg("user directory lookup failed")
		return map[string]User{}
	}
	return profiles
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// StaticDirectory is an in-memory Directory for tests and single-node dev.
type StaticDirectory struct {
	users map[string]User
}

// NewStaticDirectory builds a directory over a fixed profile set.
func NewStaticDirectory(profiles ...User) *StaticDirectory {
	m := make(map[string]User, len(profiles))
	for _, u := range profiles {
		m[u.ID] = u
	}
	return &StaticDirectory{users: m}
}

func (d *StaticDirectory) Lookup(ctx context.Context, ids []string) (map[string]User, error) {
	out := make(map[string]User, len(ids))
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}
