package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/service"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/store/memory"
	"github.com/andresmejia3/rollcall/internal/types"
)

func init() { gin.SetMode(gin.TestMode) }

// pixelEngine sees one face whose embedding is [R of the first pixel, 0]
// unless that value is zero.
type pixelEngine struct{}

func (pixelEngine) Locate(ctx context.Context, img *image.RGBA) ([]types.Region, error) {
	if img.Pix[0] == 0 {
		return nil, nil
	}
	return []types.Region{img.Bounds()}, nil
}

func (pixelEngine) Embed(ctx context.Context, img *image.RGBA, regions []types.Region) ([]types.Embedding, error) {
	out := make([]types.Embedding, len(regions))
	for i := range out {
		out[i] = types.Embedding{float64(img.Pix[0]), 0}
	}
	return out, nil
}

func (pixelEngine) Close() error { return nil }

func pngBytes(t *testing.T, code uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.RGBA{R: code, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

const testPassword = "correct horse"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithRepo(t, memory.New())
}

func newTestServerWithRepo(t *testing.T, repo store.Repository) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Recognition.EmbeddingDim = 0
	cfg.Server.TempDir = t.TempDir()
	cfg.Server.MediaDir = t.TempDir()
	cfg.Server.JWTKey = "test-secret"
	hash, err := HashPassword(testPassword)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Server.AdminPasswordHash = hash

	log := logging.Discard()
	svc := service.New(cfg, repo, pixelEngine{}, nil, log)
	return New(svc, cfg.Server, log)
}

type part struct {
	field, filename string
	data            []byte
}

func multipartRequest(t *testing.T, url string, fields map[string]string, files ...part) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		fw, err := w.CreateFormFile(f.field, f.filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(f.data)
	}
	w.Close()
	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	body := `{"username":"admin","password":"` + testPassword + `"}`
	rec := serve(s, httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d: %s", rec.Code, rec.Body)
	}
	var resp struct{ Token string }
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("login: no token in %s", rec.Body)
	}
	return resp.Token
}

func enroll(t *testing.T, s *Server, token, studentID string, code uint8) *httptest.ResponseRecorder {
	t.Helper()
	req := multipartRequest(t, "/api/students", map[string]string{
		"student_id": studentID,
		"name":       "Student " + studentID,
		"email":      studentID + "@example.com",
	}, part{"profile_image", "face.png", pngBytes(t, code)})
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return serve(s, req)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestLogin(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"wrong password", `{"username":"admin","password":"nope"}`, http.StatusUnauthorized},
		{"wrong user", `{"username":"root","password":"` + testPassword + `"}`, http.StatusUnauthorized},
		{"missing fields", `{}`, http.StatusBadRequest},
		{"ok", `{"username":"admin","password":"` + testPassword + `"}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(s, httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("status %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestEnrollRequiresAdmin(t *testing.T) {
	s := newTestServer(t)
	if rec := enroll(t, s, "", "S1", 3); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status %d", rec.Code)
	}
	if rec := enroll(t, s, "garbage", "S1", 3); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status %d", rec.Code)
	}
	token := login(t, s)
	if rec := enroll(t, s, token, "S1", 3); rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if rec := enroll(t, s, token, "S1", 3); rec.Code != http.StatusConflict {
		t.Errorf("duplicate: status %d", rec.Code)
	}
}

func TestImageUploadMarksAttendance(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s)
	enroll(t, s, token, "S1", 3)
	enroll(t, s, token, "S2", 7)
	serve(s, authed(httptest.NewRequest(http.MethodPost, "/api/admin/cache/invalidate", nil), token))

	upload := func() recognitionResponse {
		req := multipartRequest(t, "/api/attendance/image-upload",
			map[string]string{"date": "2025-03-14"}, part{"image", "class.png", pngBytes(t, 7)})
		rec := serve(s, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d: %s", rec.Code, rec.Body)
		}
		var resp recognitionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		return resp
	}

	first := upload()
	if len(first.Students) != 1 || first.Students[0].StudentID != "S2" || first.Created != 1 {
		t.Fatalf("unexpected response %+v", first)
	}
	if first.Date != "2025-03-14" {
		t.Errorf("date %q", first.Date)
	}
	if second := upload(); second.Created != 0 {
		t.Errorf("repeat upload created %d", second.Created)
	}

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/attendance/export/csv", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("csv status %d", rec.Code)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 || lines[0] != "student_id,name,date,timestamp" || !strings.HasPrefix(lines[1], "S2,Student S2,2025-03-14,") {
		t.Errorf("unexpected csv:\n%s", rec.Body)
	}

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/attendance/report?from=2025-03-14&to=2025-03-14", nil))
	var report struct{ Attendance []types.AttendanceRecord }
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if len(report.Attendance) != 1 {
		t.Errorf("report has %d rows", len(report.Attendance))
	}
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestUploadErrors(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		req  func() *http.Request
		want int
	}{
		{"missing image", func() *http.Request {
			return multipartRequest(t, "/api/attendance/image-upload", nil)
		}, http.StatusBadRequest},
		{"not an image", func() *http.Request {
			return multipartRequest(t, "/api/attendance/image-upload", nil, part{"image", "x.png", []byte("hello")})
		}, http.StatusUnprocessableEntity},
		{"bad date", func() *http.Request {
			return multipartRequest(t, "/api/attendance/image-upload",
				map[string]string{"date": "14/03/2025"}, part{"image", "x.png", pngBytes(t, 1)})
		}, http.StatusBadRequest},
		{"missing video", func() *http.Request {
			return multipartRequest(t, "/api/attendance/upload", nil)
		}, http.StatusBadRequest},
		{"oversized video", func() *http.Request {
			s.svc.Config().Video.MaxBytes = 4
			return multipartRequest(t, "/api/attendance/upload", nil, part{"video", "v.mp4", []byte("0123456789")})
		}, http.StatusBadRequest},
		{"bad report range", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/api/attendance/report?from=2025-03-14&to=2025-03-01", nil)
		}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(s, tt.req())
			if rec.Code != tt.want {
				t.Errorf("status %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
			var body map[string]any
			json.Unmarshal(rec.Body.Bytes(), &body)
			if _, ok := body["error"]; !ok {
				t.Errorf("expected an error body, got %s", rec.Body)
			}
		})
	}
}

func TestListStudentsEmpty(t *testing.T) {
	s := newTestServer(t)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/students", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"students":[]`) {
		t.Errorf("status %d body %s", rec.Code, rec.Body)
	}
}

// countingReader reports how much of a request body the server pulled.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestOversizedUploadIsNotRead(t *testing.T) {
	const (
		limit = 1 << 20
		sent  = 200 << 20
	)
	tests := []struct {
		name          string
		url, field    string
		declareLength bool
	}{
		{"streamed video", "/api/attendance/upload", "video", false},
		{"streamed image", "/api/attendance/image-upload", "image", false},
		{"declared video", "/api/attendance/upload", "video", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.svc.Config().Video.MaxBytes = limit
			s.svc.Config().Image.MaxBytes = limit

			boundary := "rollcallboundary"
			head := fmt.Sprintf("--%s\r\nContent-Disposition: form-data; name=%q; filename=\"big.bin\"\r\n"+
				"Content-Type: application/octet-stream\r\n\r\n", boundary, tt.field)
			tail := fmt.Sprintf("\r\n--%s--\r\n", boundary)
			body := &countingReader{r: io.MultiReader(
				strings.NewReader(head), io.LimitReader(zeros{}, sent), strings.NewReader(tail))}

			req := httptest.NewRequest(http.MethodPost, tt.url, body)
			req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
			req.ContentLength = -1
			if tt.declareLength {
				req.ContentLength = int64(len(head) + sent + len(tail))
			}

			rec := serve(s, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status %d, want 400: %s", rec.Code, rec.Body)
			}
			if max := int64(limit + multipartSlack + 1<<20); body.n > max {
				t.Errorf("server read %d bytes of an oversized body, expected at most %d", body.n, max)
			}
			entries, _ := os.ReadDir(s.svc.Config().Server.TempDir)
			if len(entries) != 0 {
				t.Errorf("upload spooled to disk: %v", entries)
			}
		})
	}
}

// failingInsertRepo recognizes normally but cannot write attendance.
type failingInsertRepo struct {
	*memory.Store
}

func (failingInsertRepo) InsertAttendance(ctx context.Context, date time.Time, ids []int64, now time.Time) (int, error) {
	return 0, errors.New("disk full")
}

func TestRecorderFailureKeepsRecognizedStudents(t *testing.T) {
	s := newTestServerWithRepo(t, failingInsertRepo{memory.New()})
	token := login(t, s)
	if rec := enroll(t, s, token, "S1", 3); rec.Code != http.StatusCreated {
		t.Fatalf("enroll: %d %s", rec.Code, rec.Body)
	}

	req := multipartRequest(t, "/api/attendance/image-upload", nil, part{"image", "class.png", pngBytes(t, 3)})
	rec := serve(s, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500: %s", rec.Code, rec.Body)
	}
	var body struct {
		Error    string
		Students []types.Identity
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error == "" || strings.Contains(body.Error, "disk full") {
		t.Errorf("expected a generic error, got %q", body.Error)
	}
	if len(body.Students) != 1 || body.Students[0].StudentID != "S1" {
		t.Errorf("expected S1 in the response, got %+v", body.Students)
	}
}
