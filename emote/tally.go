package emote

import (
	"sort"
	"strings"
)

// Usage is one commenter's use count for a single emote.
type Usage struct {
	DisplayName string
	Uses        int
}

// Tally is the per-user usage breakdown for one tracked emote.
type Tally struct {
	Emote string
	Users []Usage
}

// Options controls tallying behavior.
type Options struct {
	// SubsOnly counts only comments from users wearing a subscriber badge.
	SubsOnly bool
}

// Count tallies tracked emote usage across comments. A comment whose body
// contains the emote (substring match) counts once for its commenter,
// regardless of how many times the emote appears in that comment. Comments
// without a commenter display name are skipped. The returned tallies preserve
// the order of the emotes argument; users are ordered by uses descending,
// ties broken by name, so output is deterministic.
func Count(comments []Comment, emotes []string, opts Options) []Tally {
	out := make([]Tally, 0, len(emotes))
	for _, name := range emotes {
		users := map[string]int{}
		for _, c := range comments {
			if opts.SubsOnly && !c.IsSubscriber() {
				continue
			}
			if c.Commenter.DisplayName == "" {
				continue
			}
			if name == "" || !strings.Contains(c.Message.Body, name) {
				continue
			}
			users[c.Commenter.DisplayName]++
		}
		t := Tally{Emote: name, Users: make([]Usage, 0, len(users))}
		for dn, n := range users {
			t.Users = append(t.Users, Usage{DisplayName: dn, Uses: n})
		}
		sort.Slice(t.Users, func(i, j int) bool {
			if t.Users[i].Uses != t.Users[j].Uses {
				return t.Users[i].Uses > t.Users[j].Uses
			}
			return t.Users[i].DisplayName < t.Users[j].DisplayName
		})
		out = append(out, t)
	}
	return out
}

// TotalUses sums uses across all users of a tally.
func (t Tally) TotalUses() int {
	n := 0
	for _, u := range t.Users {
		n += u.Uses
	}
	return n
}
