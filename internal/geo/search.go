package geo

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
)

// Presence is the online check applied to every search hit.
type Presence interface {
	IsOnline(userID string) bool
}

// Search turns a pickup point into a ranked, presence-filtered candidate
// list. Store failures degrade to an empty result: driver-search
// unavailability means "no drivers found", never a failed dispatch round.
type Search struct {
	Store    Store
	Presence Presence
	RadiusM  float64
	Logger   *slog.Logger
}

// FindNearby returns online drivers within the radius, nearest-first, with
// every id in exclude removed. The presence filter preserves the store's
// distance ordering.
func (s *Search) FindNearby(ctx context.Context, origin models.Coord, exclude []string) []models.Candidate {
	hits, err := s.Store.Nearby(ctx, origin, s.RadiusM)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("geo search failed", "error", err)
		}
		return nil
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	out := make([]models.Candidate, 0, len(hits))
	for _, c := range hits {
		if _, ok := skip[c.DriverID]; ok {
			continue
		}
		if !s.Presence.IsOnline(c.DriverID) {
			continue
		}
		out = append(out, c)
	}
	return out
}
