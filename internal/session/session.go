package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/rollcall/internal/embedding"
	"github.com/andresmejia3/rollcall/internal/engine"
	"github.com/andresmejia3/rollcall/internal/frames"
	"github.com/andresmejia3/rollcall/internal/match"
	"github.com/andresmejia3/rollcall/internal/types"
)

// State is the lifecycle position of a Session.
type State int32

const (
	Idle State = iota
	Scanning
	Finalizing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Recorder persists the recognized set for a day.
type Recorder interface {
	Record(ctx context.Context, identities []types.Identity, date time.Time) (int, error)
}

// Gallery yields the embedding store to match against. *embedding.Cache
// implements it.
type Gallery interface {
	GetOrBuild(ctx context.Context) (*embedding.Store, error)
}

// RecordError reports that recognition finished but attendance could not be
// written. The accompanying Result is still valid.
type RecordError struct {
	Err error
}

func (e *RecordError) Error() string { return "record attendance: " + e.Err.Error() }
func (e *RecordError) Unwrap() error { return e.Err }

// Options tune one session.
type Options struct {
	// Workers is the number of frames analyzed concurrently.
	Workers   int
	Threshold float64
	// Date is the attendance day. Zero means today.
	Date time.Time
	// Progress, if set, is called once per analyzed frame from a single goroutine.
	Progress func(frameIndex int)
}

// Result is what a finished session returns.
type Result struct {
	SessionID      string           `json:"session_id"`
	Recognized     []types.Identity `json:"students"`
	Created        int              `json:"created"`
	FramesScanned  int              `json:"frames"`
	FramesFailed   int              `json:"frames_failed"`
	FacesDetected  int              `json:"faces"`
	BudgetExceeded bool             `json:"budget_exceeded"`
	Date           time.Time        `json:"date"`
}

// FrameResult is the outcome of analyzing one frame. Err is set when the
// locator or embedder failed, in which case the frame contributes nothing.
type FrameResult struct {
	Index   int
	Faces   int
	Matches []types.Identity
	Err     error
}

// Session is one end-to-end recognition run over a single image or video.
// A Session is single use.
type Session struct {
	ID string

	engine   engine.Engine
	matcher  match.Matcher
	recorder Recorder
	opts     Options
	log      logrus.FieldLogger
	now      func() time.Time

	state atomic.Int32
}

// New prepares a session. A nil recorder skips the attendance write (dry run).
func New(eng engine.Engine, rec Recorder, opts Options, log logrus.FieldLogger) *Session {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	id := uuid.NewString()
	return &Session{
		ID:       id,
		engine:   eng,
		matcher:  match.New(opts.Threshold),
		recorder: rec,
		opts:     opts,
		log:      log.WithField("session", id),
		now:      time.Now,
	}
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) transition(to State) {
	from := State(s.state.Swap(int32(to)))
	s.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("session state")
}

// Run scans every frame open produces, matches each face against the
// gallery and records attendance for the distinct identities found.
//
// An error opening the source or loading the gallery fails the session with
// no attendance side effects. Per-frame failures are logged and skipped. A
// recorder failure is returned as *RecordError together with the Result.
func (s *Session) Run(ctx context.Context, open frames.Opener, gallery Gallery) (*Result, error) {
	if !s.state.CompareAndSwap(int32(Idle), int32(Scanning)) {
		return nil, fmt.Errorf("session %s already used (state %s)", s.ID, s.State())
	}
	s.log.Debug("session scanning")

	store, err := gallery.GetOrBuild(ctx)
	if err != nil {
		s.transition(Failed)
		return nil, fmt.Errorf("load embeddings: %w", err)
	}

	src, err := open(ctx)
	if err != nil {
		s.transition(Failed)
		return nil, err
	}
	defer src.Close()

	res := &Result{SessionID: s.ID, Date: s.date()}

	var t tally
	if store.Len() == 0 {
		s.log.Warn("no enrolled embeddings, nothing can match")
	} else {
		t = s.scan(ctx, src, store)
	}
	if br, ok := src.(frames.BudgetReporter); ok && br.Exceeded() {
		res.BudgetExceeded = true
		s.log.WithField("frames", t.frames).Info("time budget reached, finalizing with partial results")
	}

	res.Recognized = t.identities()
	res.FramesScanned = t.frames
	res.FramesFailed = t.failed
	res.FacesDetected = t.faces

	s.transition(Finalizing)
	defer s.transition(Done)

	if s.recorder == nil {
		return res, nil
	}
	created, err := s.recorder.Record(ctx, res.Recognized, res.Date)
	if err != nil {
		s.log.WithError(err).WithField("recognized", len(res.Recognized)).Error("attendance not recorded")
		return res, &RecordError{Err: err}
	}
	res.Created = created
	s.log.WithFields(logrus.Fields{
		"recognized": len(res.Recognized),
		"created":    created,
		"frames":     res.FramesScanned,
	}).Info("session complete")
	return res, nil
}

func (s *Session) date() time.Time {
	if s.opts.Date.IsZero() {
		return types.Day(s.now())
	}
	return types.Day(s.opts.Date)
}

// scan fans frames out to a worker pool and folds the results in a single
// aggregator goroutine, which is the only owner of the recognized set.
func (s *Session) scan(ctx context.Context, src frames.Source, store *embedding.Store) tally {
	workers := s.opts.Workers
	pool := workerpool.New(workers)
	inflight := make(chan struct{}, workers*2)
	results := make(chan FrameResult, workers*2)

	aggDone := make(chan tally, 1)
	go func() {
		aggDone <- s.aggregate(results)
	}()

	for {
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.log.WithError(err).Warn("frame source failed mid-stream, finalizing with frames read so far")
			break
		}

		inflight <- struct{}{}
		pool.Submit(func() {
			defer func() { <-inflight }()
			results <- s.analyze(ctx, frame, store)
		})
	}

	pool.StopWait()
	close(results)
	return <-aggDone
}

func (s *Session) analyze(ctx context.Context, frame frames.Frame, store *embedding.Store) FrameResult {
	res := FrameResult{Index: frame.Index}
	faces, err := engine.Analyze(ctx, s.engine, frame.Image)
	if err != nil {
		res.Err = err
		return res
	}
	res.Faces = len(faces)
	for _, f := range faces {
		id, dist, ok := s.matcher.Match(f.Embedding, store)
		if !ok {
			continue
		}
		s.log.WithFields(logrus.Fields{
			"frame":    frame.Index,
			"student":  id.StudentID,
			"distance": dist,
		}).Debug("face matched")
		res.Matches = append(res.Matches, id)
	}
	return res
}

type tally struct {
	recognized map[int64]types.Identity
	frames     int
	failed     int
	faces      int
}

func (s *Session) aggregate(results <-chan FrameResult) tally {
	t := tally{recognized: map[int64]types.Identity{}}
	for r := range results {
		t.frames++
		if s.opts.Progress != nil {
			s.opts.Progress(r.Index)
		}
		if r.Err != nil {
			t.failed++
			s.log.WithError(r.Err).WithField("frame", r.Index).Warn("skipping frame")
			continue
		}
		t.faces += r.Faces
		for _, id := range r.Matches {
			t.recognized[id.ID] = id
		}
	}
	return t
}

func (t tally) identities() []types.Identity {
	out := make([]types.Identity, 0, len(t.recognized))
	for _, id := range t.recognized {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
