// Package memory is a process-local store.Repository used by tests and the
// "memory" database driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
)

type attendanceKey struct {
	student int64
	date    time.Time
}

type Store struct {
	mu         sync.RWMutex
	nextID     int64
	students   []types.Student
	attendance []types.AttendanceRecord
	seen       map[attendanceKey]struct{}
	now        func() time.Time
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{seen: map[attendanceKey]struct{}{}, now: time.Now}
}

func (s *Store) CreateStudent(ctx context.Context, st *types.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.students {
		if existing.StudentID == st.StudentID {
			return fmt.Errorf("%w: student_id", types.ErrDuplicate)
		}
		if existing.Email == st.Email {
			return fmt.Errorf("%w: email", types.ErrDuplicate)
		}
	}
	s.nextID++
	st.ID = s.nextID
	st.CreatedAt = s.now()
	cp := *st
	if st.Embedding != nil {
		cp.Embedding = append([]byte(nil), st.Embedding...)
	}
	s.students = append(s.students, cp)
	return nil
}

func (s *Store) StudentByExternalID(ctx context.Context, studentID string) (types.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.students {
		if st.StudentID == studentID {
			return st, nil
		}
	}
	return types.Student{}, fmt.Errorf("student %s: %w", studentID, types.ErrNotFound)
}

func (s *Store) ListStudents(ctx context.Context) ([]types.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Student(nil), s.students...), nil
}

func (s *Store) SetEmbedding(ctx context.Context, id int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.students {
		if s.students[i].ID == id {
			if payload == nil {
				s.students[i].Embedding = nil
			} else {
				s.students[i].Embedding = append([]byte(nil), payload...)
			}
			return nil
		}
	}
	return fmt.Errorf("student %d: %w", id, types.ErrNotFound)
}

func (s *Store) ListEnrolled(ctx context.Context) ([]types.EnrolledEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.EnrolledEmbedding
	for _, st := range s.students {
		if st.Embedding == nil {
			continue
		}
		out = append(out, types.EnrolledEmbedding{Identity: st.Identity(), Payload: st.Embedding})
	}
	return out, nil
}

func (s *Store) ExistingAttendance(ctx context.Context, date time.Time, ids []int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	day := types.Day(date)
	var out []int64
	for _, id := range ids {
		if _, ok := s.seen[attendanceKey{id, day}]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) InsertAttendance(ctx context.Context, date time.Time, ids []int64, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := types.Day(date)
	// All or nothing, like the single-statement SQL insert.
	students := make([]types.Student, len(ids))
	for i, id := range ids {
		st, ok := s.byID(id)
		if !ok {
			return 0, fmt.Errorf("student %d: %w", id, types.ErrNotFound)
		}
		students[i] = st
	}
	inserted := 0
	for i, id := range ids {
		key := attendanceKey{id, day}
		if _, ok := s.seen[key]; ok {
			continue
		}
		st := students[i]
		s.seen[key] = struct{}{}
		s.attendance = append(s.attendance, types.AttendanceRecord{
			ID:        int64(len(s.attendance) + 1),
			Student:   st.Identity(),
			Date:      day,
			CreatedAt: now,
		})
		inserted++
	}
	return inserted, nil
}

func (s *Store) byID(id int64) (types.Student, bool) {
	for _, st := range s.students {
		if st.ID == id {
			return st, true
		}
	}
	return types.Student{}, false
}

func (s *Store) ListAttendance(ctx context.Context, q store.AttendanceQuery) ([]types.AttendanceRecord, error) {
	s.mu.RLock()
	var out []types.AttendanceRecord
	for _, r := range s.attendance {
		if !q.From.IsZero() && r.Date.Before(types.Day(q.From)) {
			continue
		}
		if !q.To.IsZero() && r.Date.After(types.Day(q.To)) {
			continue
		}
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if q.Order == store.ByDate {
			if !a.Date.Equal(b.Date) {
				return a.Date.Before(b.Date)
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return out, nil
}

func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID = 0
	s.students = nil
	s.attendance = nil
	s.seen = map[attendanceKey]struct{}{}
	return nil
}

func (s *Store) Close() error { return nil }
