package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andresmejia3/rollcall/internal/types"
)

const uniqueViolation = "23505"

// Store is the PostgreSQL Repository.
type Store struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Store)(nil)

// New opens a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS students (
			id BIGSERIAL PRIMARY KEY,
			student_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL UNIQUE,
			profile_image TEXT NOT NULL DEFAULT '',
			face_embedding TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS attendance (
			id BIGSERIAL PRIMARY KEY,
			student_id BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
			date DATE NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (student_id, date)
		);
		CREATE INDEX IF NOT EXISTS attendance_date_idx ON attendance (date);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func nullableText(payload []byte) *string {
	if payload == nil {
		return nil
	}
	v := string(payload)
	return &v
}

func (s *Store) CreateStudent(ctx context.Context, st *types.Student) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO students (student_id, name, phone, email, profile_image, face_embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, st.StudentID, st.Name, st.Phone, st.Email, st.ProfileImage, nullableText(st.Embedding)).Scan(&st.ID, &st.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", types.ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

const studentColumns = `id, student_id, name, phone, email, profile_image, face_embedding, created_at`

func scanStudent(row pgx.Row) (types.Student, error) {
	var st types.Student
	var payload *string
	if err := row.Scan(&st.ID, &st.StudentID, &st.Name, &st.Phone, &st.Email, &st.ProfileImage, &payload, &st.CreatedAt); err != nil {
		return st, err
	}
	if payload != nil {
		st.Embedding = []byte(*payload)
	}
	return st, nil
}

func (s *Store) StudentByExternalID(ctx context.Context, studentID string) (types.Student, error) {
	st, err := scanStudent(s.pool.QueryRow(ctx,
		`SELECT `+studentColumns+` FROM students WHERE student_id = $1`, studentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return st, fmt.Errorf("student %s: %w", studentID, types.ErrNotFound)
	}
	return st, err
}

func (s *Store) ListStudents(ctx context.Context) ([]types.Student, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+studentColumns+` FROM students ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) SetEmbedding(ctx context.Context, id int64, payload []byte) error {
	tag, err := s.pool.Exec(ctx, `UPDATE students SET face_embedding = $1 WHERE id = $2`, nullableText(payload), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("student %d: %w", id, types.ErrNotFound)
	}
	return nil
}

func (s *Store) ListEnrolled(ctx context.Context) ([]types.EnrolledEmbedding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, student_id, name, face_embedding
		FROM students
		WHERE face_embedding IS NOT NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.EnrolledEmbedding
	for rows.Next() {
		var e types.EnrolledEmbedding
		var payload string
		if err := rows.Scan(&e.Identity.ID, &e.Identity.StudentID, &e.Identity.Name, &payload); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ExistingAttendance(ctx context.Context, date time.Time, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT student_id FROM attendance WHERE date = $1 AND student_id = ANY($2)`,
		pgDate(date), ids)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// InsertAttendance relies on the (student_id, date) unique key so that two
// sessions racing on the same day both succeed and only one row survives.
func (s *Store) InsertAttendance(ctx context.Context, date time.Time, ids []int64, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO attendance (student_id, date, timestamp)
		SELECT unnest($1::bigint[]), $2::date, $3
		ON CONFLICT (student_id, date) DO NOTHING
	`, ids, pgDate(date), now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ListAttendance(ctx context.Context, q AttendanceQuery) ([]types.AttendanceRecord, error) {
	order := "a.timestamp DESC, a.id DESC"
	if q.Order == ByDate {
		order = "a.date ASC, a.timestamp ASC, a.id ASC"
	}

	var from, to *string
	if !q.From.IsZero() {
		v := pgDate(q.From)
		from = &v
	}
	if !q.To.IsZero() {
		v := pgDate(q.To)
		to = &v
	}

	rows, err := s.pool.Query(ctx, `
		SELECT a.id, s.id, s.student_id, s.name, a.date, a.timestamp
		FROM attendance a
		JOIN students s ON s.id = a.student_id
		WHERE ($1::date IS NULL OR a.date >= $1::date)
		  AND ($2::date IS NULL OR a.date <= $2::date)
		ORDER BY `+order, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AttendanceRecord
	for rows.Next() {
		var r types.AttendanceRecord
		if err := rows.Scan(&r.ID, &r.Student.ID, &r.Student.StudentID, &r.Student.Name, &r.Date, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Date = types.Day(r.Date)
		out = append(out, r)
	}
	return out, rows.Err()
}

// pgDate renders the calendar day as a DATE literal so the session time zone
// can never shift it.
func pgDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// Reset drops all application tables to clear the database state.
// The schema is recreated on the next New.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS attendance CASCADE;
		DROP TABLE IF EXISTS students CASCADE;
	`)
	return err
}
