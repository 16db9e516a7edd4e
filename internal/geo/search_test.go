package geo

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeStore struct {
	hits []models.Candidate
	err  error
}

func (f *fakeStore) Nearby(ctx context.Context, origin models.Coord, radiusM float64) ([]models.Candidate, error) {
	return f.hits, f.err
}
func (f *fakeStore) Upsert(ctx context.Context, d models.Driver) error { return nil }

type fakePresence struct{ online map[string]bool }

func (f *fakePresence) IsOnline(id string) bool { return f.online[id] }

func TestFindNearbyPreservesOrder(t *testing.T) {
	s := &Search{
		Store: &fakeStore{hits: []models.Candidate{
			{DriverID: "a", DistanceM: 100},
			{DriverID: "b", DistanceM: 200},
			{DriverID: "c", DistanceM: 300},
		}},
		Presence: &fakePresence{online: map[string]bool{"a": true, "c": true}},
		RadiusM:  5000,
	}
	got := s.FindNearby(context.Background(), models.Coord{}, nil)
	if len(got) != 2 || got[0].DriverID != "a" || got[1].DriverID != "c" {
		t.Fatalf("expected [a c] with offline b dropped, got %v", got)
	}
}

func TestFindNearbyExcludes(t *testing.T) {
	s := &Search{
		Store: &fakeStore{hits: []models.Candidate{
			{DriverID: "a", DistanceM: 100},
			{DriverID: "b", DistanceM: 200},
		}},
		Presence: &fakePresence{online: map[string]bool{"a": true, "b": true}},
		RadiusM:  5000,
	}
	got := s.FindNearby(context.Background(), models.Coord{}, []string{"a"})
	if len(got) != 1 || got[0].DriverID != "b" {
		t.Fatalf("expected excluded a removed, got %v", got)
	}
}

func TestFindNearbyStoreFailureDegradesToEmpty(t *testing.T) {
	s := &Search{
		Store:    &fakeStore{err: errors.New("redis down")},
		Presence: &fakePresence{},
		RadiusM:  5000,
	}
	got := s.FindNearby(context.Background(), models.Coord{}, nil)
	if len(got) != 0 {
		t.Fatalf("expected empty result on store failure, got %v", got)
	}
}
