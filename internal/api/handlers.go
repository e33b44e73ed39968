package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/andresmejia3/rollcall/internal/service"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
)

const dateLayout = "2006-01-02"

type recognitionResponse struct {
	Message        string           `json:"message"`
	SessionID      string           `json:"session_id"`
	Students       []types.Identity `json:"students,omitempty"`
	Created        int              `json:"created"`
	Frames         int              `json:"frames"`
	BudgetExceeded bool             `json:"budget_exceeded"`
	Date           string           `json:"date"`
}

func newRecognitionResponse(res *session.Result, dryRun bool) recognitionResponse {
	msg := fmt.Sprintf("Attendance marked for %d new student(s).", res.Created)
	switch {
	case dryRun:
		msg = fmt.Sprintf("Recognized %d student(s); nothing recorded.", len(res.Recognized))
	case len(res.Recognized) == 0:
		msg = "No enrolled students recognized."
	}
	students := res.Recognized
	if students == nil {
		students = []types.Identity{}
	}
	return recognitionResponse{
		Message:        msg,
		SessionID:      res.SessionID,
		Students:       students,
		Created:        res.Created,
		Frames:         res.FramesScanned,
		BudgetExceeded: res.BudgetExceeded,
		Date:           res.Date.Format(dateLayout),
	}
}

// runOptions reads the optional date and dry_run form or query values.
func runOptions(c *gin.Context) (service.RunOptions, error) {
	var opts service.RunOptions
	if raw := c.Request.FormValue("date"); raw != "" {
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			return opts, fmt.Errorf("%w: date must be YYYY-MM-DD", types.ErrInvalidInput)
		}
		opts.Date = d
	}
	if raw := c.Request.FormValue("dry_run"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, fmt.Errorf("%w: dry_run must be a boolean", types.ErrInvalidInput)
		}
		opts.DryRun = v
	}
	return opts, nil
}

func (s *Server) uploadVideo(c *gin.Context) {
	limit := s.svc.Config().Video.MaxBytes
	fh, err := formFile(c, "video")
	if err != nil {
		s.fail(c, err)
		return
	}
	if limit > 0 && fh.Size > limit {
		s.fail(c, fmt.Errorf("%w: video exceeds %d bytes", types.ErrInvalidInput, limit))
		return
	}
	opts, err := runOptions(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.fail(c, err)
		return
	}
	defer f.Close()

	res, err := s.svc.RecognizeVideo(c.Request.Context(), f, opts)
	s.respondRecognition(c, res, opts, err)
}

func (s *Server) uploadImage(c *gin.Context) {
	limit := s.svc.Config().Image.MaxBytes
	fh, err := formFile(c, "image")
	if err != nil {
		s.fail(c, err)
		return
	}
	opts, err := runOptions(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	data, err := readUpload(fh, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.svc.RecognizeImage(c.Request.Context(), data, opts)
	s.respondRecognition(c, res, opts, err)
}

// formFile returns the named upload. A body cut off by limitBody surfaces
// as *http.MaxBytesError.
func formFile(c *gin.Context, field string) (*multipart.FileHeader, error) {
	fh, err := c.FormFile(field)
	if err == nil {
		return fh, nil
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s file is required", types.ErrInvalidInput, field)
}

func (s *Server) respondRecognition(c *gin.Context, res *session.Result, opts service.RunOptions, err error) {
	var recErr *session.RecordError
	if errors.As(err, &recErr) && res != nil {
		// Recognition finished; only the write failed.
		s.log.WithError(err).WithField("session", res.SessionID).Error("request failed")
		body := newRecognitionResponse(res, opts.DryRun)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":    "attendance could not be recorded",
			"students": body.Students,
			"frames":   body.Frames,
			"date":     body.Date,
		})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newRecognitionResponse(res, opts.DryRun))
}

// readUpload reads at most limit bytes of fh; anything longer is rejected.
func readUpload(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	if limit > 0 && fh.Size > limit {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", types.ErrInvalidInput, limit)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", types.ErrInvalidInput, limit)
	}
	return data, nil
}

func (s *Server) enroll(c *gin.Context) {
	fh, err := formFile(c, "profile_image")
	if err != nil {
		s.fail(c, err)
		return
	}
	photo, err := readUpload(fh, s.svc.Config().Image.MaxBytes)
	if err != nil {
		s.fail(c, err)
		return
	}
	st := types.Student{
		StudentID: c.PostForm("student_id"),
		Name:      c.PostForm("name"),
		Phone:     c.PostForm("phone"),
		Email:     c.PostForm("email"),
	}
	res, err := s.svc.Enroll(c.Request.Context(), st, photo)
	if err != nil {
		s.fail(c, err)
		return
	}
	msg := "Student enrolled."
	if !res.FaceFound {
		msg = "Student enrolled, but no face was found in the profile image."
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg, "student": res.Student, "face_found": res.FaceFound})
}

func (s *Server) listStudents(c *gin.Context) {
	students, err := s.svc.Students(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if students == nil {
		students = []types.Student{}
	}
	c.JSON(http.StatusOK, gin.H{"students": students})
}

func attendanceQuery(c *gin.Context, order store.Order) (store.AttendanceQuery, error) {
	q := store.AttendanceQuery{Order: order}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"from", &q.From}, {"to", &q.To}} {
		raw := c.Query(p.key)
		if raw == "" {
			continue
		}
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			return q, fmt.Errorf("%w: %s must be YYYY-MM-DD", types.ErrInvalidInput, p.key)
		}
		*p.dst = d
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return q, fmt.Errorf("%w: to is before from", types.ErrInvalidInput)
	}
	return q, nil
}

func (s *Server) report(c *gin.Context) {
	q, err := attendanceQuery(c, store.NewestFirst)
	if err != nil {
		s.fail(c, err)
		return
	}
	records, err := s.svc.Report(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	if records == nil {
		records = []types.AttendanceRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"attendance": records})
}

func (s *Server) exportCSV(c *gin.Context) {
	q, err := attendanceQuery(c, store.ByDate)
	if err != nil {
		s.fail(c, err)
		return
	}
	records, err := s.svc.Report(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="attendance_report.csv"`)
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"student_id", "name", "date", "timestamp"})
	for _, r := range records {
		_ = w.Write([]string{
			r.Student.StudentID,
			r.Student.Name,
			r.Date.Format(dateLayout),
			r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		s.log.WithError(err).Warn("csv export interrupted")
	}
}

func (s *Server) invalidateCache(c *gin.Context) {
	s.svc.InvalidateCache(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"message": "embedding cache invalidated"})
}
