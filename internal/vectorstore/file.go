package vectorstore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// File layout (v1), all integers little-endian:
//
//	0..7   magic "MEDVEC01"
//	8..15  dim (uint64)
//	16..23 count (uint64)
//	24..   count*dim float32 values, row-major
const headerSize = 24

var fileMagic = [8]byte{'M', 'E', 'D', 'V', 'E', 'C', '0', '1'}

// ErrCorruptIndex reports an index file whose header or length is inconsistent.
var ErrCorruptIndex = errors.New("corrupt vector index file")

// WriteTo serializes the index to w.
func (f *FlatIndex) WriteTo(w io.Writer) (int64, error) {
	var header [headerSize]byte
	copy(header[0:8], fileMagic[:])
	binary.LittleEndian.PutUint64(header[8:16], uint64(f.dim))
	binary.LittleEndian.PutUint64(header[16:24], uint64(f.Len()))

	bw := bufio.NewWriter(w)
	n, err := bw.Write(header[:])
	written := int64(n)
	if err != nil {
		return written, err
	}
	var buf [4]byte
	for _, v := range f.data {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		n, err := bw.Write(buf[:])
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, bw.Flush()
}

// ReadIndex deserializes an index written by WriteTo.
func ReadIndex(r io.Reader) (*FlatIndex, error) {
	return readIndex(r, -1)
}

// readIndex decodes an index. When size is non-negative it is the total
// stream length and must match the header before any values are allocated.
func readIndex(r io.Reader, size int64) (*FlatIndex, error) {
	br := bufio.NewReader(r)
	var header [headerSize]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrCorruptIndex, err)
	}
	if [8]byte(header[0:8]) != fileMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptIndex)
	}
	dim := binary.LittleEndian.Uint64(header[8:16])
	count := binary.LittleEndian.Uint64(header[16:24])
	if dim == 0 || dim > 1<<16 || count > 1<<32/dim {
		return nil, fmt.Errorf("%w: dim=%d count=%d", ErrCorruptIndex, dim, count)
	}
	total := dim * count
	if size >= 0 && uint64(size) != headerSize+4*total {
		return nil, fmt.Errorf("%w: header claims %d values but file has %d bytes", ErrCorruptIndex, total, size)
	}

	// Without a known size, grow as values arrive so a lying header cannot
	// force a large allocation.
	capacity := total
	if size < 0 {
		capacity = min(total, 1<<20)
	}
	data := make([]float32, 0, int(capacity))
	var buf [4]byte
	for i := uint64(0); i < total; i++ {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated at value %d: %v", ErrCorruptIndex, i, err)
		}
		data = append(data, math.Float32frombits(binary.LittleEndian.Uint32(buf[:])))
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrCorruptIndex)
	}
	return &FlatIndex{dim: int(dim), data: data}, nil
}

// SaveFile writes the index to path atomically via a temporary file and rename.
func (f *FlatIndex) SaveFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create index directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp index file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := f.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}

// LoadFile reads an index from path.
func LoadFile(path string) (*FlatIndex, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	return readIndex(file, info.Size())
}
