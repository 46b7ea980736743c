// Package matcher ranks eligible sharers and picks the best one for a
// pending connection.
package matcher

import (
	"sort"

	"github.com/netshare/netshare/internal/domain"
)

// Pool exposes the sharers currently eligible by quota and reservation
// state. Implemented by the quota ledger.
type Pool interface {
	Available() []domain.SharerProfile
}

// Activity reports whether a sharer already serves a live connection.
// Implemented by the connection registry.
type Activity interface {
	HasLiveConnection(sharerID string) bool
}

// Matcher selects sharers for pending connections. Ranking is quality score
// descending, then utilization ascending, then ID ascending so the result is
// deterministic for equal inputs.
type Matcher struct {
	pool     Pool
	activity Activity
}

func New(pool Pool, activity Activity) *Matcher {
	return &Matcher{pool: pool, activity: activity}
}

// Pick returns the best eligible sharer, or [domain.ErrNoSharerAvailable]
// when none qualifies. A sharer serving a live connection is skipped even if
// the ledger still lists it as available.
func (m *Matcher) Pick() (domain.SharerProfile, error) {
	candidates := m.eligible()
	if len(candidates) == 0 {
		return domain.SharerProfile{}, domain.ErrNoSharerAvailable
	}
	rank(candidates)
	return candidates[0], nil
}

// Candidates returns all eligible sharers in ranked order, shaped for the
// HTTP status surface.
func (m *Matcher) Candidates() []domain.Candidate {
	profiles := m.eligible()
	rank(profiles)
	out := make([]domain.Candidate, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, domain.Candidate{
			SharerID:       p.ID,
			AvailableBytes: p.RemainingBytes(),
			QualityScore:   p.QualityScore,
		})
	}
	return out
}

func (m *Matcher) eligible() []domain.SharerProfile {
	var out []domain.SharerProfile
	for _, p := range m.pool.Available() {
		if m.activity.HasLiveConnection(p.ID) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func rank(profiles []domain.SharerProfile) {
	sort.Slice(profiles, func(i, j int) bool {
		a, b := profiles[i], profiles[j]
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		if au, bu := a.Utilization(), b.Utilization(); au != bu {
			return au < bu
		}
		return a.ID < b.ID
	})
}
