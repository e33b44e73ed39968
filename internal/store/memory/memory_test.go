package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/store/storetest"
	"github.com/andresmejia3/rollcall/internal/types"
)

func TestRepository(t *testing.T) {
	storetest.Run(t, New())
}

func TestInsertAttendanceUnknownStudentWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	alice := &types.Student{StudentID: "S-001", Name: "Alice", Email: "alice@example.com"}
	if err := s.CreateStudent(ctx, alice); err != nil {
		t.Fatal(err)
	}

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	n, err := s.InsertAttendance(ctx, day, []int64{alice.ID, alice.ID + 100}, day)
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 inserted, got %d", n)
	}

	recs, err := s.ListAttendance(ctx, store.AttendanceQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("Expected no rows after a failed insert, got %+v", recs)
	}
	existing, _ := s.ExistingAttendance(ctx, day, []int64{alice.ID})
	if len(existing) != 0 {
		t.Errorf("Expected Alice unmarked, got %v", existing)
	}

	// The same student alone still records.
	if n, err := s.InsertAttendance(ctx, day, []int64{alice.ID}, day); err != nil || n != 1 {
		t.Errorf("Expected 1 inserted, got %d (%v)", n, err)
	}
}
