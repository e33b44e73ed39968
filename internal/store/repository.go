package store

import (
	"context"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Order selects how ListAttendance sorts its rows.
type Order int

const (
	// NewestFirst orders by creation timestamp, latest first (report view).
	NewestFirst Order = iota
	// ByDate orders by calendar date, then timestamp, oldest first (exports).
	ByDate
)

// AttendanceQuery filters ListAttendance. Zero From/To are unbounded.
type AttendanceQuery struct {
	From  time.Time
	To    time.Time
	Order Order
}

// Repository is the durable store behind students and attendance. The
// PostgreSQL, MySQL and in-memory backends all implement it.
type Repository interface {
	// CreateStudent inserts s and fills in ID and CreatedAt. A taken
	// student_id or email yields types.ErrDuplicate.
	CreateStudent(ctx context.Context, s *types.Student) error
	StudentByExternalID(ctx context.Context, studentID string) (types.Student, error)
	ListStudents(ctx context.Context) ([]types.Student, error)
	// SetEmbedding replaces a student's stored embedding payload. A nil
	// payload clears it.
	SetEmbedding(ctx context.Context, id int64, payload []byte) error

	// ListEnrolled returns every student with a non-null embedding payload,
	// ordered by ID.
	ListEnrolled(ctx context.Context) ([]types.EnrolledEmbedding, error)

	// ExistingAttendance returns which of ids already have a record on date.
	ExistingAttendance(ctx context.Context, date time.Time, ids []int64) ([]int64, error)
	// InsertAttendance bulk-inserts (id, date) records stamped now. Pairs that
	// already exist are skipped silently. It returns the rows inserted.
	InsertAttendance(ctx context.Context, date time.Time, ids []int64, now time.Time) (int, error)
	ListAttendance(ctx context.Context, q AttendanceQuery) ([]types.AttendanceRecord, error)

	// Reset drops all application data.
	Reset(ctx context.Context) error
	Close() error
}
