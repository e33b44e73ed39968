package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Wire protocol between Go and python/worker.py. Every message is framed as
// [uint32 length][body], big endian.
//
// Request body:  [op] [payload]
//   opLocate: [jpeg]
//   opEmbed:  [n uint32] [n x (x0,y0,x1,y1 int32)] [jpeg]
//
// Response body: [status] [payload]
//   statusError: [msgLen uint32] [msg]
//   locate OK:   [n uint32] [n x (x0,y0,x1,y1 int32)]
//   embed OK:    [n uint32] [dim uint32] [n x dim float32]
const (
	opLocate byte = 0x01
	opEmbed  byte = 0x02

	statusOK    byte = 0
	statusError byte = 1

	maxFaces = 1 << 12
	maxDim   = 1 << 12
)

// errWorker is an error reported by the python side. The process is still
// healthy and can be reused.
type errWorker struct{ msg string }

func (e *errWorker) Error() string { return "python worker error: " + e.msg }

func encodeLocate(buf *bytes.Buffer, jpeg []byte) {
	buf.WriteByte(opLocate)
	buf.Write(jpeg)
}

func encodeEmbed(buf *bytes.Buffer, regions []types.Region, jpeg []byte) {
	buf.WriteByte(opEmbed)
	binary.Write(buf, binary.BigEndian, uint32(len(regions)))
	for _, r := range regions {
		binary.Write(buf, binary.BigEndian, [4]int32{
			int32(r.Min.X), int32(r.Min.Y), int32(r.Max.X), int32(r.Max.Y),
		})
	}
	buf.Write(jpeg)
}

// readStatus consumes the status byte and turns statusError into errWorker.
func readStatus(r *bytes.Reader) error {
	status, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("empty response: %w", err)
	}
	switch status {
	case statusOK:
		return nil
	case statusError:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return fmt.Errorf("truncated error response: %w", err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return fmt.Errorf("truncated error message: %w", err)
		}
		return &errWorker{msg: string(msg)}
	default:
		return fmt.Errorf("unknown response status %d", status)
	}
}

func decodeRegions(body []byte) ([]types.Region, error) {
	r := bytes.NewReader(body)
	if err := readStatus(r); err != nil {
		return nil, err
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}
	if n > maxFaces {
		return nil, fmt.Errorf("implausible face count %d", n)
	}
	regions := make([]types.Region, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("read box %d: %w", i, err)
		}
		regions = append(regions, image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3])))
	}
	return regions, nil
}

func decodeEmbeddings(body []byte) ([]types.Embedding, error) {
	r := bytes.NewReader(body)
	if err := readStatus(r); err != nil {
		return nil, err
	}
	var hdr [2]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read embedding header: %w", err)
	}
	n, dim := hdr[0], hdr[1]
	if n > maxFaces || dim > maxDim {
		return nil, fmt.Errorf("implausible embedding shape %dx%d", n, dim)
	}
	out := make([]types.Embedding, n)
	raw := make([]float32, dim)
	for i := range out {
		if err := binary.Read(r, binary.BigEndian, raw); err != nil {
			return nil, fmt.Errorf("read embedding %d: %w", i, err)
		}
		vec := make(types.Embedding, dim)
		for j, v := range raw {
			vec[j] = float64(v)
		}
		out[i] = vec
	}
	return out, nil
}
