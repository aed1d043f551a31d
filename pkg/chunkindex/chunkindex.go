// Package chunkindex scans a file into a sequence of content-addressed
// chunk descriptors, skipping any sparse holes so that a mostly-empty
// disk image does not have to be transferred (or hashed) byte for
// byte.
package chunkindex

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/pixieboot/pixieboot/pkg/digest"
	"golang.org/x/sys/unix"
)

// Chunk is a single content-addressed byte range of a backing file.
// Offset is the byte position inside the backing file; Size is the
// chunk's length. The pair (Digest, Offset, Size) is the wire
// identity described by the manifest format.
type Chunk struct {
	Digest digest.Digest
	Offset int64
	Size   uint32
}

// Handle is a ref-counted, read-only handle on a backing file. Each
// Scan opens its own *os.File; handles obtained from it with Clone
// share that file, and it is closed only once the last reference is
// released.
type Handle struct {
	file *os.File
	refs *int32
}

func newHandle(f *os.File) Handle {
	refs := int32(1)
	return Handle{file: f, refs: &refs}
}

// Clone returns a new reference to the same backing file, incrementing
// its refcount.
func (h Handle) Clone() Handle {
	if h.refs != nil {
		atomic.AddInt32(h.refs, 1)
	}
	return h
}

// Close releases this reference. The backing file is closed once the
// last reference is released.
func (h Handle) Close() error {
	if h.refs == nil {
		return nil
	}
	if atomic.AddInt32(h.refs, -1) == 0 {
		return h.file.Close()
	}
	return nil
}

// ReadChunk reads the full extent of c from the backing file via pread,
// so concurrent readers of different chunks (or different offsets in
// the same chunk, in principle) never interfere with one another's
// file position.
func (h Handle) ReadChunk(c Chunk) ([]byte, error) {
	buf := make([]byte, c.Size)
	if _, err := h.file.ReadAt(buf, c.Offset); err != nil {
		return nil, fmt.Errorf("chunkindex: read chunk at offset %d: %w", c.Offset, err)
	}
	return buf, nil
}

// Index is the result of scanning one file: its chunk list and the
// handle that backs later reads of those chunks.
type Index struct {
	Path   string
	Chunks []Chunk
	Handle Handle
}

// Scan opens path read-only and walks its allocated extents, emitting
// one Chunk per chunkSize-sized (or shorter, at the tail of a data run)
// span. Holes are skipped entirely: a fully sparse file yields no
// chunks, and a file with no holes yields ceil(size/chunkSize) chunks.
//
// Every chunk's bytes are also written into global, so that a caller
// scanning many files in sequence can compute one combined digest over
// all of their bytes without a second pass.
func Scan(path string, chunkSize uint32, global *digest.Hasher) (Index, error) {
	if chunkSize == 0 {
		return Index{}, fmt.Errorf("chunkindex: chunk size must be > 0")
	}
	f, err := os.Open(path)
	if err != nil {
		return Index{}, fmt.Errorf("chunkindex: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return Index{}, fmt.Errorf("chunkindex: stat %s: %w", path, err)
	}
	size := fi.Size()

	chunks, err := scanExtents(f, size, chunkSize, global)
	if err != nil {
		f.Close()
		return Index{}, err
	}

	return Index{
		Path:   path,
		Chunks: chunks,
		Handle: newHandle(f),
	}, nil
}

// scanExtents alternates SEEK_HOLE/SEEK_DATA queries against fd to find
// the file's allocated runs, matching the scan order of the reference
// implementation: from each data run's start, cut it into chunkSize
// pieces (the last one truncated to the run's end), then jump past the
// hole that follows.
func scanExtents(f *os.File, size int64, chunkSize uint32, global *digest.Hasher) ([]Chunk, error) {
	var chunks []Chunk
	fd := int(f.Fd())
	pos := int64(0)
	for pos < size {
		holeStart, err := unix.Seek(fd, pos, unix.SEEK_HOLE)
		if err != nil {
			return nil, fmt.Errorf("chunkindex: seek hole: %w", err)
		}
		for pos < holeStart {
			end := pos + int64(chunkSize)
			if end > holeStart {
				end = holeStart
			}
			c, err := readAndHash(f, pos, uint32(end-pos), global)
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, c)
			pos = end
		}
		if holeStart >= size {
			break
		}
		dataStart, err := unix.Seek(fd, holeStart, unix.SEEK_DATA)
		if err != nil {
			if err == unix.ENXIO {
				// No more data after this hole: file ends in a hole.
				break
			}
			return nil, fmt.Errorf("chunkindex: seek data: %w", err)
		}
		pos = dataStart
	}
	// Restore the file offset; reads happen via pread (ReadAt) so this
	// is only for hygiene, not correctness.
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("chunkindex: seek reset: %w", err)
	}
	return chunks, nil
}

func readAndHash(f *os.File, offset int64, size uint32, global *digest.Hasher) (Chunk, error) {
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return Chunk{}, fmt.Errorf("chunkindex: read at %d: %w", offset, err)
	}
	if global != nil {
		global.Write(buf)
	}
	return Chunk{
		Digest: digest.Sum224(buf),
		Offset: offset,
		Size:   size,
	}, nil
}
