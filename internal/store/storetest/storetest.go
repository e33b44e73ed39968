// Package storetest is a behavioural suite shared by every store.Repository
// backend.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
)

// Run exercises repo against a fresh, empty schema.
func Run(t *testing.T, repo store.Repository) {
	t.Helper()
	ctx := context.Background()

	alice := &types.Student{StudentID: "S-001", Name: "Alice", Email: "alice@example.com", Embedding: []byte(`[0,0]`)}
	bob := &types.Student{StudentID: "S-002", Name: "Bob", Email: "bob@example.com", Embedding: []byte(`[10,10]`)}
	carol := &types.Student{StudentID: "S-003", Name: "Carol", Email: "carol@example.com"} // no face found

	for _, s := range []*types.Student{alice, bob, carol} {
		if err := repo.CreateStudent(ctx, s); err != nil {
			t.Fatalf("CreateStudent(%s) failed: %v", s.Name, err)
		}
		if s.ID <= 0 {
			t.Fatalf("Expected positive ID for %s, got %d", s.Name, s.ID)
		}
	}

	t.Run("duplicate student", func(t *testing.T) {
		dup := &types.Student{StudentID: "S-001", Name: "Alice Again", Email: "other@example.com"}
		if err := repo.CreateStudent(ctx, dup); !errors.Is(err, types.ErrDuplicate) {
			t.Errorf("Expected ErrDuplicate for student_id, got %v", err)
		}
		dup = &types.Student{StudentID: "S-999", Name: "Mallory", Email: "alice@example.com"}
		if err := repo.CreateStudent(ctx, dup); !errors.Is(err, types.ErrDuplicate) {
			t.Errorf("Expected ErrDuplicate for email, got %v", err)
		}
	})

	t.Run("lookup", func(t *testing.T) {
		got, err := repo.StudentByExternalID(ctx, "S-002")
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != bob.ID || got.Name != "Bob" || !sameVector(got.Embedding, []float64{10, 10}) {
			t.Errorf("Unexpected student %+v", got)
		}
		if _, err := repo.StudentByExternalID(ctx, "nope"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list students", func(t *testing.T) {
		all, err := repo.ListStudents(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 || all[0].ID != alice.ID || all[2].Embedding != nil {
			t.Errorf("Unexpected students %+v", all)
		}
	})

	t.Run("enrolled excludes null embeddings", func(t *testing.T) {
		enrolled, err := repo.ListEnrolled(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(enrolled) != 2 {
			t.Fatalf("Expected 2 enrolled, got %d", len(enrolled))
		}
		if enrolled[0].Identity.ID != alice.ID || enrolled[1].Identity.StudentID != "S-002" {
			t.Errorf("Unexpected order %+v", enrolled)
		}
	})

	t.Run("set embedding", func(t *testing.T) {
		if err := repo.SetEmbedding(ctx, carol.ID, []byte(`[5,5]`)); err != nil {
			t.Fatal(err)
		}
		enrolled, _ := repo.ListEnrolled(ctx)
		if len(enrolled) != 3 {
			t.Errorf("Expected Carol to be enrolled, got %d rows", len(enrolled))
		}
		if err := repo.SetEmbedding(ctx, carol.ID, nil); err != nil {
			t.Fatal(err)
		}
		enrolled, _ = repo.ListEnrolled(ctx)
		if len(enrolled) != 2 {
			t.Errorf("Expected Carol cleared, got %d rows", len(enrolled))
		}
		if err := repo.SetEmbedding(ctx, 99999, nil); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	day1 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	stamp := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

	t.Run("attendance is at most once per day", func(t *testing.T) {
		n, err := repo.InsertAttendance(ctx, day1, []int64{alice.ID, bob.ID}, stamp)
		if err != nil || n != 2 {
			t.Fatalf("Expected 2 inserted, got %d (%v)", n, err)
		}

		existing, err := repo.ExistingAttendance(ctx, day1, []int64{alice.ID, bob.ID, carol.ID})
		if err != nil {
			t.Fatal(err)
		}
		if len(existing) != 2 {
			t.Errorf("Expected 2 existing, got %v", existing)
		}

		// A racing session that missed the existence check still succeeds.
		n, err = repo.InsertAttendance(ctx, day1, []int64{alice.ID, carol.ID}, stamp.Add(time.Minute))
		if err != nil {
			t.Fatalf("Conflicting insert should be a no-op, got %v", err)
		}
		if n != 1 {
			t.Errorf("Expected only Carol inserted, got %d", n)
		}

		if n, err := repo.InsertAttendance(ctx, day2, []int64{alice.ID}, stamp.Add(24*time.Hour)); err != nil || n != 1 {
			t.Errorf("Expected new day insert, got %d (%v)", n, err)
		}
		if n, err := repo.InsertAttendance(ctx, day2, nil, stamp); err != nil || n != 0 {
			t.Errorf("Expected empty insert to be a no-op, got %d (%v)", n, err)
		}
	})

	t.Run("report ordering", func(t *testing.T) {
		newest, err := repo.ListAttendance(ctx, store.AttendanceQuery{Order: store.NewestFirst})
		if err != nil {
			t.Fatal(err)
		}
		if len(newest) != 4 {
			t.Fatalf("Expected 4 records, got %d", len(newest))
		}
		if !newest[0].Date.Equal(day2) || newest[0].Student.Name != "Alice" {
			t.Errorf("Expected day2 Alice first, got %+v", newest[0])
		}

		byDate, err := repo.ListAttendance(ctx, store.AttendanceQuery{Order: store.ByDate})
		if err != nil {
			t.Fatal(err)
		}
		if !byDate[0].Date.Equal(day1) || !byDate[3].Date.Equal(day2) {
			t.Errorf("Expected date ascending, got %+v", byDate)
		}

		only, err := repo.ListAttendance(ctx, store.AttendanceQuery{From: day2, To: day2})
		if err != nil {
			t.Fatal(err)
		}
		if len(only) != 1 {
			t.Errorf("Expected 1 record on day2, got %d", len(only))
		}
	})
}

// sameVector compares decoded payloads; JSON columns may reformat the text.
func sameVector(payload []byte, want []float64) bool {
	var got []float64
	if err := json.Unmarshal(payload, &got); err != nil || len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
