package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/events"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/store/memory"
	"github.com/andresmejia3/rollcall/internal/types"
)

// pixelEngine reads a code from the first pixel: 0 is no face, 9 is a model
// failure, anything else is one face embedded as [code, 0].
type pixelEngine struct{}

func (pixelEngine) Locate(ctx context.Context, img *image.RGBA) ([]types.Region, error) {
	switch img.Pix[0] {
	case 0:
		return nil, nil
	case 9:
		return nil, types.ErrDetection
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

type recordingPublisher struct {
	events.Nop
	published   []events.Event
	invalidated int
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.published = append(p.published, e)
	return nil
}

func (p *recordingPublisher) RequestInvalidate(ctx context.Context) error {
	p.invalidated++
	return nil
}

func photo(t *testing.T, code uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.RGBA{R: code, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type harness struct {
	svc  *Service
	repo *memory.Store
	pub  *recordingPublisher
	cfg  *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Recognition.EmbeddingDim = 0
	cfg.Server.TempDir = t.TempDir()
	cfg.Server.MediaDir = t.TempDir()
	repo := memory.New()
	pub := &recordingPublisher{}
	return &harness{
		svc:  New(cfg, repo, pixelEngine{}, pub, logging.Discard()),
		repo: repo,
		pub:  pub,
		cfg:  cfg,
	}
}

var day = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

func TestEnrollThenRecognize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Enroll(ctx, types.Student{StudentID: "S1", Name: " Ada ", Email: "ada@example.com"}, photo(t, 3))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if !res.FaceFound || res.Student.Name != "Ada" {
		t.Fatalf("unexpected enroll result %+v", res)
	}
	if _, err := os.Stat(res.Student.ProfileImage); err != nil {
		t.Errorf("profile image not saved: %v", err)
	}

	h.svc.InvalidateCache(ctx)
	if h.pub.invalidated != 1 {
		t.Errorf("expected one remote invalidation, got %d", h.pub.invalidated)
	}

	got, err := h.svc.RecognizeImage(ctx, photo(t, 3), RunOptions{Date: day})
	if err != nil {
		t.Fatalf("RecognizeImage: %v", err)
	}
	if len(got.Recognized) != 1 || got.Recognized[0].StudentID != "S1" || got.Created != 1 {
		t.Fatalf("unexpected result %+v", got)
	}

	again, err := h.svc.RecognizeImage(ctx, photo(t, 3), RunOptions{Date: day})
	if err != nil {
		t.Fatal(err)
	}
	if again.Created != 0 {
		t.Errorf("second recognition created %d records", again.Created)
	}
	if len(h.pub.published) != 2 || h.pub.published[0].Source != "image" {
		t.Errorf("expected two image events, got %+v", h.pub.published)
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Enroll(ctx, types.Student{StudentID: "S1", Name: "Ada", Email: "a@x.io"}, photo(t, 3)); err != nil {
		t.Fatal(err)
	}

	res, err := h.svc.RecognizeImage(ctx, photo(t, 3), RunOptions{Date: day, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Recognized) != 1 || res.Created != 0 {
		t.Fatalf("unexpected dry run result %+v", res)
	}
	records, _ := h.svc.Report(ctx, store.AttendanceQuery{})
	if len(records) != 0 {
		t.Errorf("dry run wrote %d records", len(records))
	}
	if len(h.pub.published) != 0 {
		t.Errorf("dry run published %d events", len(h.pub.published))
	}
}

func TestRecognizeImageRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	h.cfg.Image.MaxBytes = 16

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, types.ErrInvalidInput},
		{"too large", bytes.Repeat([]byte{1}, 17), types.ErrInvalidInput},
		{"not an image", []byte("hello"), types.ErrDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.RecognizeImage(context.Background(), tt.data, RunOptions{})
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEnrollValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Enroll(ctx, types.Student{Name: "Ada"}, photo(t, 3)); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("missing fields: got %v", err)
	}
	if _, err := h.svc.Enroll(ctx, types.Student{StudentID: "S1", Name: "Ada", Email: "a@x.io"}, nil); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("missing photo: got %v", err)
	}
	if _, err := h.svc.Enroll(ctx, types.Student{StudentID: "S1", Name: "Ada", Email: "a@x.io"}, []byte("nope")); !errors.Is(err, types.ErrDecode) {
		t.Errorf("bad photo: got %v", err)
	}
}

func TestEnrollDuplicateRemovesPhoto(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st := types.Student{StudentID: "S1", Name: "Ada", Email: "a@x.io"}
	if _, err := h.svc.Enroll(ctx, st, photo(t, 3)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Enroll(ctx, st, photo(t, 4)); !errors.Is(err, types.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(h.cfg.Server.MediaDir, "profile_images"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected one stored photo, found %d", len(entries))
	}
}

func TestEnrollWithoutFaceStoresNoEmbedding(t *testing.T) {
	for _, code := range []uint8{0, 9} {
		h := newHarness(t)
		ctx := context.Background()
		res, err := h.svc.Enroll(ctx, types.Student{StudentID: "S1", Name: "Ada", Email: "a@x.io"}, photo(t, code))
		if err != nil {
			t.Fatalf("code %d: %v", code, err)
		}
		if res.FaceFound || res.Student.Embedding != nil {
			t.Errorf("code %d: expected no embedding, got %+v", code, res)
		}
		enrolled, _ := h.repo.ListEnrolled(ctx)
		if len(enrolled) != 0 {
			t.Errorf("code %d: student should not be matchable", code)
		}
	}
}

func TestReenroll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Enroll(ctx, types.Student{StudentID: "S1", Name: "Ada", Email: "a@x.io"}, photo(t, 0)); err != nil {
		t.Fatal(err)
	}
	res, err := h.svc.Reenroll(ctx, "S1", photo(t, 5))
	if err != nil {
		t.Fatal(err)
	}
	if !res.FaceFound {
		t.Fatal("expected a face on re-enrollment")
	}
	enrolled, _ := h.repo.ListEnrolled(ctx)
	if len(enrolled) != 1 {
		t.Errorf("expected one enrolled embedding, got %d", len(enrolled))
	}
	if _, err := h.svc.Reenroll(ctx, "missing", photo(t, 5)); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecognizeVideoRejectsOversizedUpload(t *testing.T) {
	h := newHarness(t)
	h.cfg.Video.MaxBytes = 8

	_, err := h.svc.RecognizeVideo(context.Background(), strings.NewReader("0123456789"), RunOptions{})
	if !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	entries, _ := os.ReadDir(h.cfg.Server.TempDir)
	if len(entries) != 0 {
		t.Errorf("spool file left behind: %v", entries)
	}
}

func TestRecognizeVideoRemovesSpoolFile(t *testing.T) {
	h := newHarness(t)
	// Whether or not a decoder is installed, the spool file must go.
	_, _ = h.svc.RecognizeVideo(context.Background(), strings.NewReader("definitely not a video"), RunOptions{})
	entries, _ := os.ReadDir(h.cfg.Server.TempDir)
	if len(entries) != 0 {
		t.Errorf("spool file left behind: %v", entries)
	}
}

func TestSweepUploads(t *testing.T) {
	h := newHarness(t)
	dir := h.cfg.Server.TempDir
	now := time.Now()

	write := func(name string, age time.Duration) {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, now.Add(-age), now.Add(-age)); err != nil {
			t.Fatal(err)
		}
	}
	write(UploadPrefix+"old", 2*time.Hour)
	write(UploadPrefix+"fresh", time.Minute)
	write("unrelated", 5*time.Hour)

	n, err := h.svc.SweepUploads(now, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d files, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(dir, UploadPrefix+"fresh")); err != nil {
		t.Error("fresh upload was removed")
	}
	if _, err := os.Stat(filepath.Join(dir, "unrelated")); err != nil {
		t.Error("unrelated file was removed")
	}
}

func TestResetDropsEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Enroll(ctx, types.Student{StudentID: "S1", Name: "Ada", Email: "a@x.io"}, photo(t, 3)); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	students, _ := h.svc.Students(ctx)
	if len(students) != 0 {
		t.Errorf("expected no students after reset, got %d", len(students))
	}
}
