// Package service is the long-lived context shared by the CLI and the HTTP
// API. It owns the embedding cache, the face engine and the recorder.
package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/embedding"
	"github.com/andresmejia3/rollcall/internal/engine"
	"github.com/andresmejia3/rollcall/internal/events"
	"github.com/andresmejia3/rollcall/internal/frames"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

// UploadPrefix marks temporary upload files so the sweeper can find orphans.
const UploadPrefix = "rollcall-upload-"

type Service struct {
	cfg      *config.Config
	repo     store.Repository
	engine   engine.Engine
	cache    *embedding.Cache
	recorder *attendance.Recorder
	events   events.Publisher
	log      logrus.FieldLogger
}

func New(cfg *config.Config, repo store.Repository, eng engine.Engine, pub events.Publisher, log logrus.FieldLogger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	s := &Service{
		cfg:      cfg,
		repo:     repo,
		engine:   eng,
		cache:    embedding.NewCache(repo, cfg.Recognition.EmbeddingDim, log),
		recorder: attendance.NewRecorder(repo, log),
		events:   pub,
		log:      log,
	}
	if err := pub.OnInvalidate(s.cache.Invalidate); err != nil {
		log.WithError(err).Warn("remote cache invalidation unavailable")
	}
	return s
}

func (s *Service) Config() *config.Config { return s.cfg }

// RunOptions tune one recognition request.
type RunOptions struct {
	// DryRun recognizes without writing attendance.
	DryRun   bool
	Date     time.Time
	Progress func(frameIndex int)
}

func (s *Service) newSession(opts RunOptions) *session.Session {
	var rec session.Recorder = s.recorder
	if opts.DryRun {
		rec = nil
	}
	return session.New(s.engine, rec, session.Options{
		Workers:   s.cfg.Recognition.Workers,
		Threshold: s.cfg.Recognition.Threshold,
		Date:      opts.Date,
		Progress:  opts.Progress,
	}, s.log)
}

// RecognizeImage runs one session over a single in-memory image.
func (s *Service) RecognizeImage(ctx context.Context, data []byte, opts RunOptions) (*session.Result, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no image provided", types.ErrInvalidInput)
	}
	if max := s.cfg.Image.MaxBytes; max > 0 && int64(len(data)) > max {
		return nil, fmt.Errorf("%w: image is %d bytes, limit is %d", types.ErrInvalidInput, len(data), max)
	}
	sess := s.newSession(opts)
	res, err := sess.Run(ctx, frames.ImageOpener(data, s.cfg.Image.MaxDimension), s.cache)
	s.announce(ctx, "image", "", res, opts)
	return res, err
}

// RecognizeVideo spools an uploaded clip to a temporary file, runs one
// session over it and removes the file on every path.
func (s *Service) RecognizeVideo(ctx context.Context, r io.Reader, opts RunOptions) (*session.Result, error) {
	path, err := s.spool(r, s.cfg.Video.MaxBytes)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)
	return s.RecognizeVideoFile(ctx, path, opts)
}

// RecognizeVideoFile runs one session over a clip already on disk.
func (s *Service) RecognizeVideoFile(ctx context.Context, path string, opts RunOptions) (*session.Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	}
	if max := s.cfg.Video.MaxBytes; max > 0 && info.Size() > max {
		return nil, fmt.Errorf("%w: video is %d bytes, limit is %d", types.ErrInvalidInput, info.Size(), max)
	}

	mediaID, err := utils.MediaID(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrOpen, err)
	}

	vopts := frames.VideoOptions{
		NthFrame: s.cfg.Video.NthFrame,
		MaxWidth: s.cfg.Video.MaxWidth,
		Budget:   s.cfg.Video.Budget,
		Decoder:  s.cfg.Video.Decoder,
	}
	sess := s.newSession(opts)
	log := s.log.WithFields(logrus.Fields{"session": sess.ID, "media_id": mediaID})
	log.WithField("bytes", info.Size()).Info("video recognition started")

	res, err := sess.Run(ctx, frames.VideoOpener(path, vopts, log), s.cache)
	s.announce(ctx, "video", mediaID, res, opts)
	return res, err
}

// spool copies r into a fresh temp file, enforcing limit.
func (s *Service) spool(r io.Reader, limit int64) (string, error) {
	if err := os.MkdirAll(s.cfg.Server.TempDir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(s.cfg.Server.TempDir, UploadPrefix+"*")
	if err != nil {
		return "", err
	}
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	closeErr := f.Close()
	switch {
	case err != nil:
		err = fmt.Errorf("store upload: %w", err)
	case closeErr != nil:
		err = fmt.Errorf("store upload: %w", closeErr)
	case n == 0:
		err = fmt.Errorf("%w: empty upload", types.ErrInvalidInput)
	case limit > 0 && n > limit:
		err = fmt.Errorf("%w: upload exceeds %d bytes", types.ErrInvalidInput, limit)
	}
	if err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (s *Service) announce(ctx context.Context, source, mediaID string, res *session.Result, opts RunOptions) {
	if res == nil || opts.DryRun {
		return
	}
	e := events.Event{
		SessionID:      res.SessionID,
		Source:         source,
		MediaID:        mediaID,
		Date:           res.Date.Format("2006-01-02"),
		Students:       res.Recognized,
		Created:        res.Created,
		BudgetExceeded: res.BudgetExceeded,
		At:             time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.WithError(err).WithField("session", res.SessionID).Warn("attendance event not published")
	}
}

// InvalidateCache drops the embedding store here and asks peers to do the same.
func (s *Service) InvalidateCache(ctx context.Context) {
	s.cache.Invalidate()
	if err := s.events.RequestInvalidate(ctx); err != nil {
		s.log.WithError(err).Warn("remote cache invalidation not sent")
	}
}

// CacheGeneration reports how many times the embedding store has been built.
func (s *Service) CacheGeneration() uint64 { return s.cache.Generation() }

// EnrollResult reports what enrollment stored.
type EnrollResult struct {
	Student   types.Student `json:"student"`
	FaceFound bool          `json:"face_found"`
}

// Enroll registers a student with a profile photo. The embedding of the first
// face in the photo is stored, or null when none is found. The embedding
// cache is not invalidated; call InvalidateCache once enrollment is done.
func (s *Service) Enroll(ctx context.Context, st types.Student, photo []byte) (*EnrollResult, error) {
	st.Name = strings.TrimSpace(st.Name)
	st.StudentID = strings.TrimSpace(st.StudentID)
	st.Email = strings.TrimSpace(st.Email)
	if st.Name == "" || st.StudentID == "" || st.Email == "" {
		return nil, fmt.Errorf("%w: name, student_id and email are required", types.ErrInvalidInput)
	}
	if len(photo) == 0 {
		return nil, fmt.Errorf("%w: profile image is required", types.ErrInvalidInput)
	}
	if max := s.cfg.Image.MaxBytes; max > 0 && int64(len(photo)) > max {
		return nil, fmt.Errorf("%w: profile image exceeds %d bytes", types.ErrInvalidInput, max)
	}

	payload, found, err := s.profileEmbedding(ctx, photo)
	if err != nil {
		return nil, err
	}

	path, err := s.saveProfileImage(photo)
	if err != nil {
		return nil, fmt.Errorf("save profile image: %w", err)
	}
	st.ProfileImage = path
	st.Embedding = payload

	if err := s.repo.CreateStudent(ctx, &st); err != nil {
		os.Remove(path)
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"student": st.StudentID, "face_found": found}).Info("student enrolled")
	return &EnrollResult{Student: st, FaceFound: found}, nil
}

// Reenroll replaces the stored embedding of an existing student.
func (s *Service) Reenroll(ctx context.Context, studentID string, photo []byte) (*EnrollResult, error) {
	st, err := s.repo.StudentByExternalID(ctx, studentID)
	if err != nil {
		return nil, err
	}
	payload, found, err := s.profileEmbedding(ctx, photo)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetEmbedding(ctx, st.ID, payload); err != nil {
		return nil, err
	}
	st.Embedding = payload
	return &EnrollResult{Student: st, FaceFound: found}, nil
}

// profileEmbedding decodes the photo and embeds its first face. Model
// failures leave the embedding empty rather than rejecting the student.
func (s *Service) profileEmbedding(ctx context.Context, photo []byte) ([]byte, bool, error) {
	img, err := frames.DecodeImage(photo, s.cfg.Image.MaxDimension)
	if err != nil {
		return nil, false, err
	}
	vec, ok, err := engine.FirstFace(ctx, s.engine, img)
	if err != nil {
		s.log.WithError(err).Warn("could not compute profile embedding, storing none")
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}
	payload, err := embedding.Encode(vec)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *Service) saveProfileImage(photo []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(photo))
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrDecode, err)
	}
	dir := filepath.Join(s.cfg.Server.MediaDir, "profile_images")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, uuid.NewString()+"."+format)
	return path, os.WriteFile(path, photo, 0o644)
}

func (s *Service) Students(ctx context.Context) ([]types.Student, error) {
	return s.repo.ListStudents(ctx)
}

func (s *Service) Report(ctx context.Context, q store.AttendanceQuery) ([]types.AttendanceRecord, error) {
	return s.repo.ListAttendance(ctx, q)
}

// Reset wipes all students and attendance and drops the cache.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.repo.Reset(ctx); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

