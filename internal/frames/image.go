package frames

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/rollcall/internal/types"
)

type imageSource struct {
	frame Frame
	done  bool
}

// OpenImage decodes one in-memory image. If its larger dimension exceeds
// maxDim it is downscaled preserving the aspect ratio.
func OpenImage(data []byte, maxDim int) (Source, error) {
	img, err := DecodeImage(data, maxDim)
	if err != nil {
		return nil, err
	}
	return &imageSource{frame: Frame{Index: 1, Image: img}}, nil
}

// ImageOpener defers OpenImage until the session starts scanning.
func ImageOpener(data []byte, maxDim int) Opener {
	return func(ctx context.Context) (Source, error) {
		return OpenImage(data, maxDim)
	}
}

// DecodeImage decodes and normalizes a single image buffer.
func DecodeImage(data []byte, maxDim int) (*image.RGBA, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image buffer", types.ErrDecode)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDecode, err)
	}
	return Fit(img, maxDim, maxDim), nil
}

func (s *imageSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.done {
		return Frame{}, io.EOF
	}
	s.done = true
	return s.frame, nil
}

func (s *imageSource) Close() error { return nil }
