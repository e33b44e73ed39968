package attendance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Repository is the slice of the store the recorder needs.
type Repository interface {
	ExistingAttendance(ctx context.Context, date time.Time, ids []int64) ([]int64, error)
	InsertAttendance(ctx context.Context, date time.Time, ids []int64, now time.Time) (int, error)
}

// Recorder writes at most one attendance record per (identity, day).
type Recorder struct {
	repo Repository
	now  func() time.Time
	log  logrus.FieldLogger
}

func NewRecorder(repo Repository, log logrus.FieldLogger) *Recorder {
	return &Recorder{repo: repo, now: time.Now, log: log}
}

// Record inserts the missing (identity, date) pairs and returns how many were
// created. Repeat calls for the same day create nothing and return 0.
func (r *Recorder) Record(ctx context.Context, identities []types.Identity, date time.Time) (int, error) {
	ids := uniqueIDs(identities)
	if len(ids) == 0 {
		return 0, nil
	}
	day := types.Day(date)

	existing, err := r.repo.ExistingAttendance(ctx, day, ids)
	if err != nil {
		return 0, fmt.Errorf("check existing attendance: %w", err)
	}
	missing := subtract(ids, existing)
	if len(missing) == 0 {
		return 0, nil
	}

	created, err := r.repo.InsertAttendance(ctx, day, missing, r.now())
	if err != nil {
		return 0, fmt.Errorf("insert attendance: %w", err)
	}
	if created < len(missing) {
		// Another session recorded some of these between the check and the insert.
		r.log.WithFields(logrus.Fields{
			"date":     day.Format("2006-01-02"),
			"missing":  len(missing),
			"inserted": created,
		}).Debug("concurrent attendance insert resolved as no-op")
	}
	return created, nil
}

func uniqueIDs(identities []types.Identity) []int64 {
	seen := make(map[int64]struct{}, len(identities))
	ids := make([]int64, 0, len(identities))
	for _, id := range identities {
		if _, dup := seen[id.ID]; dup {
			continue
		}
		seen[id.ID] = struct{}{}
		ids = append(ids, id.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func subtract(ids, existing []int64) []int64 {
	have := make(map[int64]struct{}, len(existing))
	for _, id := range existing {
		have[id] = struct{}{}
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
