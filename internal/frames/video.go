package frames

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/rollcall/internal/types"
)

const megabyte = 1024 * 1024

// VideoOptions controls decimation, resizing and the processing budget.
type VideoOptions struct {
	NthFrame int
	MaxWidth int
	Budget   time.Duration
	Decoder  string // "ffmpeg" (default) or "gocv" when built with -tags gocv
	Clock    Clock
}

type decoderFunc func(ctx context.Context, path string, opts VideoOptions, log logrus.FieldLogger) (Source, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[string]decoderFunc{"ffmpeg": openFFmpeg}
)

func registerDecoder(name string, fn decoderFunc) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[name] = fn
}

// OpenVideo opens the container at path and returns a decimated, resized,
// budget-limited frame sequence.
func OpenVideo(ctx context.Context, path string, opts VideoOptions, log logrus.FieldLogger) (Source, error) {
	if opts.NthFrame < 1 {
		opts.NthFrame = 1
	}
	name := opts.Decoder
	if name == "" {
		name = "ffmpeg"
	}
	decodersMu.RLock()
	open, ok := decoders[name]
	decodersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: video decoder %q is not available in this build", types.ErrOpen, name)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrOpen, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", types.ErrOpen, path)
	}

	src, err := open(ctx, path, opts, log)
	if err != nil {
		return nil, err
	}
	if opts.Budget <= 0 {
		return src, nil
	}
	return WithBudget(src, opts.Budget, opts.Clock), nil
}

// VideoOpener defers OpenVideo until the session starts scanning.
func VideoOpener(path string, opts VideoOptions, log logrus.FieldLogger) Opener {
	return func(ctx context.Context) (Source, error) {
		return OpenVideo(ctx, path, opts, log)
	}
}

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		if atEOF {
			// Truncated trailing frame.
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFFmpegCmd creates the decoder pipe. Frames are re-encoded as MJPEG so
// they can be split on JPEG markers.
func NewFFmpegCmd(ctx context.Context, inputPath string) *exec.Cmd {
	return exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error",
		"-i", inputPath, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-")
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType     string `json:"codec_type"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// probeVideo verifies that path holds at least one decodable video stream.
// Without ffprobe installed the check is skipped and ffmpeg reports instead.
func probeVideo(ctx context.Context, path string) error {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return nil
	}
	out, err := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=codec_type", "-of", "json", path).Output()
	if err != nil {
		return fmt.Errorf("%w: ffprobe rejected container: %v", types.ErrOpen, err)
	}
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return fmt.Errorf("%w: ffprobe output: %v", types.ErrOpen, err)
	}
	if len(res.Streams) == 0 {
		return fmt.Errorf("%w: no video stream", types.ErrOpen)
	}
	return nil
}

// CountFrames uses ffprobe container metadata to estimate the frame count for
// progress reporting. It returns 0 when the count is unknown.
func CountFrames(path string) int {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return 0
	}
	out, err := exec.Command("ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=nb_frames", "-of", "json", path).Output()
	if err != nil {
		return 0
	}
	var res ffprobeOutput
	if json.Unmarshal(out, &res) != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbFrames)
	if err != nil || count < 0 {
		return 0
	}
	return count
}

type ffmpegSource struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	scanner *bufio.Scanner
	opts    VideoOptions
	log     logrus.FieldLogger
	cancel  context.CancelFunc

	// primed is set while the scanner holds a token read during open.
	primed bool
	read   int
	closed bool
}

func openFFmpeg(ctx context.Context, path string, opts VideoOptions, log logrus.FieldLogger) (Source, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found: %v", types.ErrOpen, err)
	}
	if err := probeVideo(ctx, path); err != nil {
		return nil, err
	}

	// The decoder outlives the request context only until Close.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := NewFFmpegCmd(procCtx, path)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: ffmpeg stdout pipe: %v", types.ErrOpen, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start ffmpeg: %v", types.ErrOpen, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)

	src := &ffmpegSource{
		cmd:     cmd,
		stdout:  stdout,
		stderr:  stderr,
		scanner: scanner,
		opts:    opts,
		log:     log,
		cancel:  cancel,
	}

	// A container ffmpeg cannot parse yields no frame at all. Read the first
	// one here so that case fails the open instead of looking like an
	// empty video.
	stop := context.AfterFunc(ctx, cancel)
	src.primed = scanner.Scan()
	stop()
	if src.primed {
		return src, nil
	}

	if scanErr := scanner.Err(); scanErr != nil {
		src.Close()
		return nil, fmt.Errorf("%w: read first frame: %v", types.ErrOpen, scanErr)
	}
	// stdout hit EOF, so the decoder has finished or is about to.
	src.closed = true
	waitErr := cmd.Wait()
	cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	detail := strings.TrimSpace(stderr.String())
	if detail == "" {
		detail = "no decodable frames"
	}
	if waitErr != nil {
		return nil, fmt.Errorf("%w: ffmpeg failed (%v): %s", types.ErrOpen, waitErr, detail)
	}
	return nil, fmt.Errorf("%w: %s", types.ErrOpen, detail)
}

func (s *ffmpegSource) scan() bool {
	if s.primed {
		s.primed = false
		return true
	}
	return s.scanner.Scan()
}

func (s *ffmpegSource) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if !s.scan() {
			if err := s.scanner.Err(); err != nil {
				return Frame{}, fmt.Errorf("read frames: %w", err)
			}
			return Frame{}, io.EOF
		}
		s.read++
		if s.read%s.opts.NthFrame != 0 {
			continue
		}

		img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
		if err != nil {
			s.log.WithError(err).WithField("frame", s.read).Warn("skipping undecodable video frame")
			continue
		}
		return Frame{Index: s.read, Image: Fit(img, s.opts.MaxWidth, 0)}, nil
	}
}

// Close stops the decoder and reaps the process. It is safe to call after the
// stream ended and on early exits such as a budget stop.
func (s *ffmpegSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	s.stdout.Close()
	if err := s.cmd.Wait(); err != nil && s.stderr.Len() > 0 {
		s.log.WithField("ffmpeg", s.stderr.String()).Debug("decoder exited with output")
	}
	return nil
}
