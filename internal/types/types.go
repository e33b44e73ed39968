package types

import (
	"image"
	"time"
)

// Identity is a read-only reference to an enrolled student.
type Identity struct {
	ID        int64  `json:"id"`
	StudentID string `json:"student_id"`
	Name      string `json:"name"`
}

// Embedding is a fixed-length face descriptor (128-d for the dlib/face_recognition model).
type Embedding []float64

// Region is the bounding box of a candidate face within one frame.
type Region = image.Rectangle

// DetectedFace is a region plus its embedding. It only lives for one session.
type DetectedFace struct {
	Region    Region
	Embedding Embedding
}

// Student is the enrollment record. Embedding holds the raw JSON array
// written at enrollment time, or nil if no face was found in the profile photo.
type Student struct {
	ID           int64     `json:"id"`
	StudentID    string    `json:"student_id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	Email        string    `json:"email"`
	ProfileImage string    `json:"profile_image"`
	Embedding    []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity returns the read-only handle the recognition core works with.
func (s Student) Identity() Identity {
	return Identity{ID: s.ID, StudentID: s.StudentID, Name: s.Name}
}

// EnrolledEmbedding is one row of the embedding store load: an identity and its
// still-serialized embedding payload.
type EnrolledEmbedding struct {
	Identity Identity
	Payload  []byte
}

// AttendanceRecord is one (identity, date) pair. Date is a calendar day at UTC midnight.
type AttendanceRecord struct {
	ID        int64     `json:"id"`
	Student   Identity  `json:"student"`
	Date      time.Time `json:"date"`
	CreatedAt time.Time `json:"timestamp"`
}

// Day truncates t to its calendar date, keeping the date as seen in t's location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
