package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

func init() {
	Register("worker", func(cfg config.EngineConfig, log logrus.FieldLogger) (Engine, error) {
		return NewWorkerPool(cfg, log)
	})
}

// PythonWorker is one python/worker.py process. Requests go over stdin;
// responses come back on a side-channel pipe (fd 3) so stray prints from
// model libraries cannot corrupt the stream.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

func NewPythonWorker(id int, python, script string) (*PythonWorker, error) {
	py := utils.NewSafeCommand(python, "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed request and reads one framed response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a crashed interpreter surfaces here as EOF
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

func (w *PythonWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

// Close shuts the process down and returns whatever it wrote to stderr.
func (w *PythonWorker) Close() string {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return ""
	}
	w.Cmd.Wait()
	return w.Cmd.Stderr.String()
}

// WorkerPool is the "worker" engine: a fixed number of python processes
// shared by every session. A worker that dies or times out is replaced.
type WorkerPool struct {
	log     logrus.FieldLogger
	timeout time.Duration
	spawn   func(id int) (*PythonWorker, error)

	// idle holds one entry per slot. A nil entry is a slot whose process must
	// be (re)started on checkout.
	idle   chan *PythonWorker
	size   int
	nextID atomic.Int64

	closeOnce sync.Once
}

var jpegBuffers = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// NewWorkerPool starts cfg.Workers python processes.
func NewWorkerPool(cfg config.EngineConfig, log logrus.FieldLogger) (*WorkerPool, error) {
	spawn := func(id int) (*PythonWorker, error) {
		return NewPythonWorker(id, cfg.Python, cfg.Script)
	}
	p := newPool(max(1, cfg.Workers), cfg.Timeout, spawn, log)
	for i := 0; i < p.size; i++ {
		w, err := p.start()
		if err != nil {
			for j := i; j < p.size; j++ {
				p.idle <- nil
			}
			p.Close()
			return nil, err
		}
		p.idle <- w
	}
	return p, nil
}

func newPool(size int, timeout time.Duration, spawn func(int) (*PythonWorker, error), log logrus.FieldLogger) *WorkerPool {
	return &WorkerPool{
		log:     log,
		timeout: timeout,
		spawn:   spawn,
		idle:    make(chan *PythonWorker, size),
		size:    size,
	}
}

func (p *WorkerPool) start() (*PythonWorker, error) {
	id := int(p.nextID.Add(1))
	w, err := p.spawn(id)
	if err != nil {
		return nil, err
	}
	p.log.WithField("worker", id).Debug("python worker started")
	return w, nil
}

func (p *WorkerPool) checkout(ctx context.Context) (*PythonWorker, error) {
	select {
	case w := <-p.idle:
		if w != nil {
			return w, nil
		}
		w, err := p.start()
		if err != nil {
			p.idle <- nil
			return nil, fmt.Errorf("restart python worker: %w", err)
		}
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// retire closes a broken worker and frees its slot for a fresh process.
func (p *WorkerPool) retire(w *PythonWorker, cause error) {
	w.kill()
	logs := w.Close()
	entry := p.log.WithError(cause).WithField("worker", w.ID)
	if logs != "" {
		entry = entry.WithField("stderr", logs)
	}
	entry.Warn("python worker crashed, replacing")
	p.idle <- nil
}

// call runs one request on an idle worker. The pool timeout bounds the
// exchange with the worker, not the wait for one to become idle.
func (p *WorkerPool) call(ctx context.Context, body []byte) ([]byte, error) {
	w, err := p.checkout(ctx)
	if err != nil {
		return nil, err
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		b, err := w.Communicate(body)
		done <- reply{b, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			p.retire(w, r.err)
			return nil, r.err
		}
		p.idle <- w
		return r.body, nil
	case <-ctx.Done():
		w.kill()
		<-done
		p.retire(w, ctx.Err())
		return nil, ctx.Err()
	}
}

func encodeFrame(buf *bytes.Buffer, img image.Image) ([]byte, error) {
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *WorkerPool) Locate(ctx context.Context, img *image.RGBA) ([]types.Region, error) {
	frame := jpegBuffers.Get().(*bytes.Buffer)
	req := jpegBuffers.Get().(*bytes.Buffer)
	defer func() {
		frame.Reset()
		req.Reset()
		jpegBuffers.Put(frame)
		jpegBuffers.Put(req)
	}()

	data, err := encodeFrame(frame, img)
	if err != nil {
		return nil, fmt.Errorf("%w: encode frame: %v", types.ErrDetection, err)
	}
	encodeLocate(req, data)

	resp, err := p.call(ctx, req.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDetection, err)
	}
	regions, err := decodeRegions(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDetection, err)
	}
	return regions, nil
}

func (p *WorkerPool) Embed(ctx context.Context, img *image.RGBA, regions []types.Region) ([]types.Embedding, error) {
	if len(regions) == 0 {
		return nil, nil
	}
	frame := jpegBuffers.Get().(*bytes.Buffer)
	req := jpegBuffers.Get().(*bytes.Buffer)
	defer func() {
		frame.Reset()
		req.Reset()
		jpegBuffers.Put(frame)
		jpegBuffers.Put(req)
	}()

	data, err := encodeFrame(frame, img)
	if err != nil {
		return nil, fmt.Errorf("%w: encode frame: %v", types.ErrEmbedding, err)
	}
	encodeEmbed(req, regions, data)

	resp, err := p.call(ctx, req.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrEmbedding, err)
	}
	vecs, err := decodeEmbeddings(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrEmbedding, err)
	}
	if len(vecs) != len(regions) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d regions", types.ErrEmbedding, len(vecs), len(regions))
	}
	return vecs, nil
}

// Close waits for in-flight requests and stops every process.
func (p *WorkerPool) Close() error {
	p.closeOnce.Do(func() {
		for i := 0; i < p.size; i++ {
			if w := <-p.idle; w != nil {
				w.Close()
			}
		}
	})
	return nil
}
