//go:build gocv

package frames

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/andresmejia3/rollcall/internal/types"
)

func init() {
	registerDecoder("gocv", openGocv)
}

// gocvSource reads frames through OpenCV's VideoCapture instead of an ffmpeg
// subprocess.
type gocvSource struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
	opts    VideoOptions
	log     logrus.FieldLogger
	read    int
}

func openGocv(ctx context.Context, path string, opts VideoOptions, log logrus.FieldLogger) (Source, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrOpen, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: opencv could not open %s", types.ErrOpen, path)
	}
	return &gocvSource{capture: capture, mat: gocv.NewMat(), opts: opts, log: log}, nil
}

func (s *gocvSource) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
			return Frame{}, io.EOF
		}
		s.read++
		if s.read%s.opts.NthFrame != 0 {
			continue
		}
		img, err := s.mat.ToImage()
		if err != nil {
			s.log.WithError(err).WithField("frame", s.read).Warn("skipping unconvertible video frame")
			continue
		}
		return Frame{Index: s.read, Image: Fit(img, s.opts.MaxWidth, 0)}, nil
	}
}

func (s *gocvSource) Close() error {
	s.mat.Close()
	return s.capture.Close()
}
