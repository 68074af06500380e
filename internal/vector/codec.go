package vector

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// On-disk layout, little endian: magic "DQVI", version (uint16), dimensions (uint32),
// count (uint32), then count*dimensions float32 values row by row.
var magic = [4]byte{'D', 'Q', 'V', 'I'}

const codecVersion uint16 = 1

// Limits that bound allocations when decoding untrusted input.
const (
	maxRows       = 1 << 24
	maxDimensions = 1 << 16
	maxValues     = 1 << 28
)

// WriteTo serializes the index to w.
func (x *Index) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}
	header := struct {
		Magic      [4]byte
		Version    uint16
		Dimensions uint32
		Count      uint32
	}{magic, codecVersion, uint32(x.dimensions), uint32(len(x.vectors))}
	if err := binary.Write(cw, binary.LittleEndian, header); err != nil {
		return cw.n, fmt.Errorf("write header: %w", err)
	}
	buf := make([]byte, 4*x.dimensions)
	for i, row := range x.vectors {
		for j, v := range row {
			binary.LittleEndian.PutUint32(buf[j*4:], math.Float32bits(v))
		}
		if _, err := cw.Write(buf); err != nil {
			return cw.n, fmt.Errorf("write vector %d: %w", i, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return cw.n, fmt.Errorf("flush index: %w", err)
	}
	return cw.n, nil
}

// ReadIndex decodes an index written by WriteTo.
func ReadIndex(r io.Reader) (*Index, error) {
	br := bufio.NewReader(r)
	var header struct {
		Magic      [4]byte
		Version    uint16
		Dimensions uint32
		Count      uint32
	}
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if header.Magic != magic {
		return nil, errors.New("not a vector index file")
	}
	if header.Version != codecVersion {
		return nil, fmt.Errorf("unsupported index version %d", header.Version)
	}
	if header.Count > maxRows {
		return nil, fmt.Errorf("index claims %d vectors", header.Count)
	}
	if header.Dimensions > maxDimensions {
		return nil, fmt.Errorf("index claims %d dimensions", header.Dimensions)
	}
	if uint64(header.Count)*uint64(header.Dimensions) > maxValues {
		return nil, fmt.Errorf("index claims %d vectors of %d dimensions", header.Count, header.Dimensions)
	}
	dim := int(header.Dimensions)
	vectors := make([][]float32, header.Count)
	buf := make([]byte, 4*dim)
	for i := range vectors {
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("read vector %d: %w", i, err)
		}
		row := make([]float32, dim)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:]))
		}
		vectors[i] = row
	}
	return &Index{dimensions: dim, vectors: vectors}, nil
}

// EncodeVector packs one vector into little-endian float32 bytes.
func EncodeVector(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// DecodeVector unpacks bytes produced by EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
