// Package bootmanifest builds and parses the per-configuration file
// manifest: the ordered list of named files and their chunk lists that
// together make up one bootable image.
//
// A manifest is itself content-addressed: its serialized bytes are
// SHA-224 hashed to produce the manifest digest, the address a client
// uses to fetch it over the same chunk protocol used for file data.
// The configuration digest -- SHA-224 over every file's bytes, in
// sorted name order -- is a separate, stable value that identifies the
// configuration itself regardless of which server is serving it.
package bootmanifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pixieboot/pixieboot/pkg/chunkindex"
	"github.com/pixieboot/pixieboot/pkg/digest"
)

// FileEntry is one named file's chunk list within a manifest.
type FileEntry struct {
	Name   string
	Chunks []chunkindex.Chunk
}

// Manifest is the parsed, in-memory form of a configuration's file
// list: entries in sorted-name order, exactly as they appear on the
// wire.
type Manifest struct {
	Entries []FileEntry
}

// Built is the result of assembling one configuration's manifest: the
// manifest itself, its serialized bytes, the manifest digest that
// addresses those bytes, the configuration digest computed over all
// file contents, and the open file handles backing each entry's
// chunks (needed by the server to answer later chunk reads).
type Built struct {
	Manifest            Manifest
	Serialized          []byte
	ManifestDigest      digest.Digest
	ConfigurationDigest digest.Digest
	Handles             map[string]chunkindex.Handle // name -> backing handle
}

// Build scans every named file (sorted lexicographically by name so
// the configuration digest is independent of input order), threading
// one hasher across all of them to obtain the configuration digest,
// then serializes and hashes the resulting manifest.
//
// files maps manifest name to filesystem path.
func Build(files map[string]string, chunkSize uint32) (Built, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	global := digest.NewHasher()
	entries := make([]FileEntry, 0, len(names))
	handles := make(map[string]chunkindex.Handle, len(names))
	for _, name := range names {
		path := files[name]
		idx, err := chunkindex.Scan(path, chunkSize, global)
		if err != nil {
			for _, h := range handles {
				h.Close()
			}
			return Built{}, fmt.Errorf("bootmanifest: scan %q (%s): %w", name, path, err)
		}
		entries = append(entries, FileEntry{Name: name, Chunks: idx.Chunks})
		handles[name] = idx.Handle
	}

	m := Manifest{Entries: entries}
	serialized := Serialize(m)
	manifestDigest := digest.Sum224(serialized)
	configDigest := global.Finalize()

	return Built{
		Manifest:            m,
		Serialized:          serialized,
		ManifestDigest:      manifestDigest,
		ConfigurationDigest: configDigest,
		Handles:             handles,
	}, nil
}

// Serialize renders a manifest to its wire form: the concatenation of
// each entry's (NUL-terminated name, chunk count, chunk descriptors),
// in the order the entries already appear (callers that want a
// digest independent of input order must sort before calling Build,
// which Build itself does).
func Serialize(m Manifest) []byte {
	size := 0
	for _, e := range m.Entries {
		size += len(e.Name) + 1 + 4 + len(e.Chunks)*(digest.Size+8+4)
	}
	buf := make([]byte, 0, size)
	for _, e := range m.Entries {
		buf = append(buf, e.Name...)
		buf = append(buf, 0x00)

		var countBuf [4]byte
		binary.BigEndian.PutUint32(countBuf[:], uint32(len(e.Chunks)))
		buf = append(buf, countBuf[:]...)

		for _, c := range e.Chunks {
			buf = append(buf, c.Digest[:]...)
			var offBuf [8]byte
			binary.BigEndian.PutUint64(offBuf[:], uint64(c.Offset))
			buf = append(buf, offBuf[:]...)
			var szBuf [4]byte
			binary.BigEndian.PutUint32(szBuf[:], c.Size)
			buf = append(buf, szBuf[:]...)
		}
	}
	return buf
}

// Parse is Serialize's inverse: it reads back the file/chunk-list
// structure of a manifest blob a client received as chunk 0.
func Parse(buf []byte) (Manifest, error) {
	var m Manifest
	for len(buf) > 0 {
		nameEnd := bytes.IndexByte(buf, 0x00)
		if nameEnd < 0 {
			return Manifest{}, fmt.Errorf("bootmanifest: missing NUL terminator in entry name")
		}
		name := string(buf[:nameEnd])
		buf = buf[nameEnd+1:]

		if len(buf) < 4 {
			return Manifest{}, fmt.Errorf("bootmanifest: truncated chunk count for %q", name)
		}
		count := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]

		entrySize := int(count) * (digest.Size + 8 + 4)
		if len(buf) < entrySize {
			return Manifest{}, fmt.Errorf("bootmanifest: truncated chunk list for %q: need %d bytes, have %d", name, entrySize, len(buf))
		}

		chunks := make([]chunkindex.Chunk, 0, count)
		for i := uint32(0); i < count; i++ {
			d, err := digest.FromBytes(buf[:digest.Size])
			if err != nil {
				return Manifest{}, fmt.Errorf("bootmanifest: chunk digest for %q: %w", name, err)
			}
			buf = buf[digest.Size:]
			offset := int64(binary.BigEndian.Uint64(buf[:8]))
			buf = buf[8:]
			size := binary.BigEndian.Uint32(buf[:4])
			buf = buf[4:]
			chunks = append(chunks, chunkindex.Chunk{Digest: d, Offset: offset, Size: size})
		}

		m.Entries = append(m.Entries, FileEntry{Name: name, Chunks: chunks})
	}
	return m, nil
}
