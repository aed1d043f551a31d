// Package serverstore is the server's content-addressed index: the
// combination of every loaded configuration's manifest bytes and
// every backing file's chunk descriptors, keyed by digest. It is
// built once at startup from one or more configurations and is
// read-only for the remainder of the process, so lookups never lock.
package serverstore

import (
	"fmt"

	"github.com/pixieboot/pixieboot/pkg/bootmanifest"
	"github.com/pixieboot/pixieboot/pkg/chunkindex"
	"github.com/pixieboot/pixieboot/pkg/digest"
)

// FileChunk pairs a chunk descriptor with the handle that backs its
// bytes.
type FileChunk struct {
	Chunk  chunkindex.Chunk
	Handle chunkindex.Handle
}

// Entry is what a lookup returns: either manifest bytes or a file
// chunk, never both.
type Entry struct {
	ManifestBytes []byte
	FileChunk     *FileChunk
}

// Store is the immutable, process-wide content-addressed index.
type Store struct {
	manifests  map[digest.Digest][]byte
	fileChunks map[digest.Digest]FileChunk
	// ConfigDigestToManifest maps a configuration digest to the
	// manifest digest that addresses its serialized manifest, for the
	// HTTP boundary described in the external interfaces.
	ConfigDigestToManifest map[digest.Digest]digest.Digest
}

// New builds an empty store; configurations are added with Add.
func New() *Store {
	return &Store{
		manifests:              make(map[digest.Digest][]byte),
		fileChunks:             make(map[digest.Digest]FileChunk),
		ConfigDigestToManifest: make(map[digest.Digest]digest.Digest),
	}
}

// Add registers one configuration's built manifest into the store.
// It is an error for any file chunk's digest to collide with an
// existing manifest digest or vice versa: a digest never appears in
// both indices.
func (s *Store) Add(built bootmanifest.Built) error {
	if _, exists := s.manifests[built.ManifestDigest]; !exists {
		if _, clash := s.fileChunks[built.ManifestDigest]; clash {
			return fmt.Errorf("serverstore: manifest digest %s collides with an existing file chunk", built.ManifestDigest)
		}
		s.manifests[built.ManifestDigest] = built.Serialized
	}
	s.ConfigDigestToManifest[built.ConfigurationDigest] = built.ManifestDigest

	for _, entry := range built.Manifest.Entries {
		handle := built.Handles[entry.Name]
		for _, c := range entry.Chunks {
			if _, clash := s.manifests[c.Digest]; clash {
				return fmt.Errorf("serverstore: file chunk digest %s collides with an existing manifest", c.Digest)
			}
			if _, exists := s.fileChunks[c.Digest]; exists {
				continue
			}
			s.fileChunks[c.Digest] = FileChunk{Chunk: c, Handle: handle.Clone()}
		}
	}
	return nil
}

// Lookup probes the manifest index first, then the file-chunk index.
// A miss in both returns ok == false.
func (s *Store) Lookup(d digest.Digest) (Entry, bool) {
	if b, ok := s.manifests[d]; ok {
		return Entry{ManifestBytes: b}, true
	}
	if fc, ok := s.fileChunks[d]; ok {
		fc := fc
		return Entry{FileChunk: &fc}, true
	}
	return Entry{}, false
}

// Bytes returns the byte range [start, start+length) of the entry's
// backing content: the stored manifest vector, or a fresh pread of
// the file chunk's extent.
func (e Entry) Bytes(start, length uint32) ([]byte, error) {
	if e.ManifestBytes != nil {
		return sliceRange(e.ManifestBytes, start, length)
	}
	if e.FileChunk != nil {
		full, err := e.FileChunk.Handle.ReadChunk(e.FileChunk.Chunk)
		if err != nil {
			return nil, fmt.Errorf("serverstore: read file chunk: %w", err)
		}
		return sliceRange(full, start, length)
	}
	return nil, fmt.Errorf("serverstore: empty entry")
}

// Size returns the entry's total byte length.
func (e Entry) Size() uint32 {
	if e.ManifestBytes != nil {
		return uint32(len(e.ManifestBytes))
	}
	if e.FileChunk != nil {
		return e.FileChunk.Chunk.Size
	}
	return 0
}

func sliceRange(b []byte, start, length uint32) ([]byte, error) {
	end := uint64(start) + uint64(length)
	if end > uint64(len(b)) {
		return nil, fmt.Errorf("serverstore: range [%d, %d) exceeds length %d", start, end, len(b))
	}
	return b[start:end], nil
}
