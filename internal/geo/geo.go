package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Store is the radius query every candidate search runs against.
// Results come back nearest-first, each annotated with distance in meters.
type Store interface {
	Nearby(ctx context.Context, origin models.Coord, radiusM float64) ([]models.Candidate, error)
	Upsert(ctx context.Context, d models.Driver) error
}

// Index is an in-memory Store used for redis-less runs and tests.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(ctx context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return nil
}

// naive scan; the redis GEO index covers production scale
func (g *Index) Nearby(ctx context.Context, origin models.Coord, radiusM float64) ([]models.Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Candidate, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		dist := Haversine(origin.Lat, origin.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusM {
			continue
		}
		out = append(out, models.Candidate{DriverID: d.ID, DistanceM: dist})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
