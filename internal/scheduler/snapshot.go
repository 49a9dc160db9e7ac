package scheduler

import (
	"context"

	"herald/internal/announce"
)

// Snapshot is a point-in-time view of scheduler state for diagnostics.
type Snapshot struct {
	Armed     []ArmedTimer
	Scheduled int // scheduled records in the store
}

// Snapshot compares the live timer set against the store. Armed and
// Scheduled differing is not necessarily a bug (fires in flight, records
// awaiting sweep), but a persistent gap is worth looking at.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	recs, err := s.store.ListAnnouncementsByStatus(ctx, announce.StatusScheduled, "")
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Armed:     s.reg.Snapshot(),
		Scheduled: len(recs),
	}, nil
}
