// Package mysql is the MySQL store.Repository, built on gorm.
package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
)

const errDupEntry = 1062

type studentRow struct {
	ID            int64           `gorm:"primaryKey;autoIncrement"`
	StudentID     string          `gorm:"size:50;not null;uniqueIndex"`
	Name          string          `gorm:"size:100;not null"`
	Phone         string          `gorm:"size:15"`
	Email         string          `gorm:"size:254;not null;uniqueIndex"`
	ProfileImage  string          `gorm:"size:255"`
	FaceEmbedding json.RawMessage `gorm:"type:json"`
	CreatedAt     time.Time       `gorm:"autoCreateTime"`
}

func (studentRow) TableName() string { return "students" }

func (r studentRow) toStudent() types.Student {
	return types.Student{
		ID:           r.ID,
		StudentID:    r.StudentID,
		Name:         r.Name,
		Phone:        r.Phone,
		Email:        r.Email,
		ProfileImage: r.ProfileImage,
		Embedding:    []byte(r.FaceEmbedding),
		CreatedAt:    r.CreatedAt,
	}
}

type attendanceRow struct {
	ID        int64      `gorm:"primaryKey;autoIncrement"`
	StudentID int64      `gorm:"not null;uniqueIndex:idx_attendance_student_date,priority:1"`
	Date      time.Time  `gorm:"type:date;not null;index;uniqueIndex:idx_attendance_student_date,priority:2"`
	Timestamp time.Time  `gorm:"not null"`
	Student   studentRow `gorm:"constraint:OnDelete:CASCADE"`
}

func (attendanceRow) TableName() string { return "attendance" }

// Store is the MySQL Repository.
type Store struct {
	db *gorm.DB
}

var _ store.Repository = (*Store)(nil)

// New connects with dsn (go-sql-driver format) and migrates the schema.
// parseTime and a UTC location are forced so DATE columns round-trip.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := gorm.Open(mysql.New(mysql.Config{DSN: cfg.FormatDSN(), DSNConfig: cfg}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&studentRow{}, &attendanceRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicate(err error) bool {
	var myErr *mysqldriver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDupEntry
}

func (s *Store) CreateStudent(ctx context.Context, st *types.Student) error {
	row := studentRow{
		StudentID:     st.StudentID,
		Name:          st.Name,
		Phone:         st.Phone,
		Email:         st.Email,
		ProfileImage:  st.ProfileImage,
		FaceEmbedding: json.RawMessage(st.Embedding),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %v", types.ErrDuplicate, err)
		}
		return err
	}
	st.ID = row.ID
	st.CreatedAt = row.CreatedAt
	return nil
}

func (s *Store) StudentByExternalID(ctx context.Context, studentID string) (types.Student, error) {
	var row studentRow
	err := s.db.WithContext(ctx).Where("student_id = ?", studentID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Student{}, fmt.Errorf("student %s: %w", studentID, types.ErrNotFound)
	}
	if err != nil {
		return types.Student{}, err
	}
	return row.toStudent(), nil
}

func (s *Store) ListStudents(ctx context.Context) ([]types.Student, error) {
	var rows []studentRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Student, len(rows))
	for i, r := range rows {
		out[i] = r.toStudent()
	}
	return out, nil
}

func (s *Store) SetEmbedding(ctx context.Context, id int64, payload []byte) error {
	var value any = gorm.Expr("NULL")
	if payload != nil {
		value = string(payload)
	}
	res := s.db.WithContext(ctx).Model(&studentRow{}).Where("id = ?", id).Update("face_embedding", value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	// MySQL reports 0 affected rows when the value did not change.
	var n int64
	if err := s.db.WithContext(ctx).Model(&studentRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("student %d: %w", id, types.ErrNotFound)
	}
	return nil
}

func (s *Store) ListEnrolled(ctx context.Context) ([]types.EnrolledEmbedding, error) {
	var rows []studentRow
	err := s.db.WithContext(ctx).
		Select("id", "student_id", "name", "face_embedding").
		Where("face_embedding IS NOT NULL").
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.EnrolledEmbedding, len(rows))
	for i, r := range rows {
		out[i] = types.EnrolledEmbedding{
			Identity: types.Identity{ID: r.ID, StudentID: r.StudentID, Name: r.Name},
			Payload:  []byte(r.FaceEmbedding),
		}
	}
	return out, nil
}

func (s *Store) ExistingAttendance(ctx context.Context, date time.Time, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var existing []int64
	err := s.db.WithContext(ctx).Model(&attendanceRow{}).
		Where("date = ? AND student_id IN ?", types.Day(date), ids).
		Pluck("student_id", &existing).Error
	return existing, err
}

// InsertAttendance relies on the (student_id, date) unique key so that two
// sessions racing on the same day both succeed and only one row survives.
func (s *Store) InsertAttendance(ctx context.Context, date time.Time, ids []int64, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	day := types.Day(date)
	rows := make([]attendanceRow, len(ids))
	for i, id := range ids {
		rows[i] = attendanceRow{StudentID: id, Date: day, Timestamp: now}
	}
	res := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *Store) ListAttendance(ctx context.Context, q store.AttendanceQuery) ([]types.AttendanceRecord, error) {
	tx := s.db.WithContext(ctx).Joins("Student")
	if !q.From.IsZero() {
		tx = tx.Where("attendance.date >= ?", types.Day(q.From))
	}
	if !q.To.IsZero() {
		tx = tx.Where("attendance.date <= ?", types.Day(q.To))
	}
	if q.Order == store.ByDate {
		tx = tx.Order("attendance.date ASC, attendance.timestamp ASC, attendance.id ASC")
	} else {
		tx = tx.Order("attendance.timestamp DESC, attendance.id DESC")
	}

	var rows []attendanceRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.AttendanceRecord, len(rows))
	for i, r := range rows {
		out[i] = types.AttendanceRecord{
			ID:        r.ID,
			Student:   types.Identity{ID: r.Student.ID, StudentID: r.Student.StudentID, Name: r.Student.Name},
			Date:      types.Day(r.Date),
			CreatedAt: r.Timestamp,
		}
	}
	return out, nil
}

// Reset drops all application tables. The schema is recreated on the next New.
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Migrator().DropTable(&attendanceRow{}, &studentRow{})
}
