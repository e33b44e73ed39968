package attendance

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/rollcall/internal/store/memory"
	"github.com/andresmejia3/rollcall/internal/types"
)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func seed(t *testing.T, repo *memory.Store, names ...string) []types.Identity {
	t.Helper()
	var out []types.Identity
	for i, n := range names {
		s := &types.Student{StudentID: n, Name: n, Email: n + "@example.com"}
		if err := repo.CreateStudent(context.Background(), s); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
		out = append(out, s.Identity())
	}
	return out
}

func TestRecordIsIdempotent(t *testing.T) {
	repo := memory.New()
	ids := seed(t, repo, "A", "B")
	r := NewRecorder(repo, quietLog())
	day := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

	n, err := r.Record(context.Background(), ids, day)
	if err != nil || n != 2 {
		t.Fatalf("first call: expected 2 created, got %d (%v)", n, err)
	}
	n, err = r.Record(context.Background(), ids, day.Add(3*time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("second call: expected 0 created, got %d (%v)", n, err)
	}

	records, _ := repo.ExistingAttendance(context.Background(), day, []int64{ids[0].ID, ids[1].ID})
	if len(records) != 2 {
		t.Errorf("expected exactly one record per identity, got %v", records)
	}
}

func TestRecordEmptySet(t *testing.T) {
	r := NewRecorder(&countingRepo{}, quietLog())
	n, err := r.Record(context.Background(), nil, time.Now())
	if err != nil || n != 0 {
		t.Fatalf("expected 0, nil; got %d, %v", n, err)
	}
}

func TestRecordDeduplicatesAndQueriesOnce(t *testing.T) {
	repo := &countingRepo{existing: []int64{2}, inserted: -1}
	r := NewRecorder(repo, quietLog())
	ids := []types.Identity{{ID: 3}, {ID: 2}, {ID: 3}, {ID: 1}}

	n, err := r.Record(context.Background(), ids, time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 created, got %d", n)
	}
	if repo.existsCalls != 1 || repo.insertCalls != 1 {
		t.Errorf("expected one existence query and one bulk insert, got %d/%d", repo.existsCalls, repo.insertCalls)
	}
	if got := repo.lastInsert; len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("expected missing ids [1 3], got %v", got)
	}
	if !repo.lastDate.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected date normalized to the day, got %v", repo.lastDate)
	}
}

func TestRecordAllPresentSkipsInsert(t *testing.T) {
	repo := &countingRepo{existing: []int64{1}}
	n, err := NewRecorder(repo, quietLog()).Record(context.Background(), []types.Identity{{ID: 1}}, time.Now())
	if err != nil || n != 0 {
		t.Fatalf("expected 0, nil; got %d, %v", n, err)
	}
	if repo.insertCalls != 0 {
		t.Error("expected no insert when everything exists")
	}
}

func TestRecordConflictIsNotAnError(t *testing.T) {
	// The existence check saw nothing but a concurrent session won the insert.
	repo := &countingRepo{inserted: 0}
	n, err := NewRecorder(repo, quietLog()).Record(context.Background(), []types.Identity{{ID: 7}}, time.Now())
	if err != nil || n != 0 {
		t.Fatalf("expected 0, nil; got %d, %v", n, err)
	}
}

func TestRecordRepositoryFailure(t *testing.T) {
	boom := errors.New("connection reset")
	repo := &countingRepo{existsErr: boom}
	_, err := NewRecorder(repo, quietLog()).Record(context.Background(), []types.Identity{{ID: 1}}, time.Now())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped repository error, got %v", err)
	}
}

func TestConcurrentSessionsSameDay(t *testing.T) {
	repo := memory.New()
	ids := seed(t, repo, "A", "B", "C")
	r := NewRecorder(repo, quietLog())
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := r.Record(context.Background(), ids, day)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 3 {
		t.Errorf("expected 3 records across all sessions, got %d", total)
	}
}

type countingRepo struct {
	existing    []int64
	existsErr   error
	inserted    int // -1 means "all requested"
	existsCalls int
	insertCalls int
	lastInsert  []int64
	lastDate    time.Time
}

func (c *countingRepo) ExistingAttendance(ctx context.Context, date time.Time, ids []int64) ([]int64, error) {
	c.existsCalls++
	return c.existing, c.existsErr
}

func (c *countingRepo) InsertAttendance(ctx context.Context, date time.Time, ids []int64, now time.Time) (int, error) {
	c.insertCalls++
	c.lastInsert = ids
	c.lastDate = date
	if c.inserted < 0 {
		return len(ids), nil
	}
	return c.inserted, nil
}
