// Package wire implements the four-message UDP codec used between the
// boot server and its clients: two request/response pairs, one for
// discovering a chunk's location and one for fetching its bytes.
//
// All integers are big-endian. All digests are raw 28-byte SHA-224
// values with no length prefix. Every message begins with a 32-bit
// kind tag; the tag alone is ambiguous between a request and its
// response (both request and response kinds reuse the same tag value)
// so callers disambiguate by context — a server only ever parses
// requests, a client only ever parses responses.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pixieboot/pixieboot/pkg/digest"
)

// Kind identifies which of the four message shapes a datagram carries.
type Kind uint32

const (
	// KindChunkList is used by both ChunkListRequest (client -> server)
	// and ChunkListInfo (server -> client).
	KindChunkList Kind = 0x1
	// KindData is used by both DataRequest (client -> server) and
	// DataPacket (server -> client).
	KindData Kind = 0x2
)

// MaxPayload is the fragmentation unit: the largest number of chunk
// bytes carried by a single DataPacket.
const MaxPayload = 1400

const (
	tagSize = 4

	// ChunkListRequestSize is 4 (tag) + 28 (digest).
	ChunkListRequestSize = tagSize + digest.Size
	// ChunkListInfoSize is 4 (tag) + 4 (length) + 28 (digest).
	ChunkListInfoSize = tagSize + 4 + digest.Size
	// DataRequestSize is 4 (tag) + 4 (start) + 4 (length) + 28 (chunk).
	DataRequestSize = tagSize + 4 + 4 + digest.Size
	// DataPacketMinSize is 4 (tag) + 4 (offset) + 28 (chunk); payload may be empty.
	DataPacketMinSize = tagSize + 4 + digest.Size
)

// ChunkListRequest asks the server for the location of a digest, used
// by the client to bootstrap the manifest.
type ChunkListRequest struct {
	Digest digest.Digest
}

// ChunkListInfo is the server's answer: the byte length of the blob
// addressed by Digest (in this protocol, always a manifest).
type ChunkListInfo struct {
	Length uint32
	Digest digest.Digest
}

// DataRequest asks the server to broadcast a byte range of a chunk.
// Start and Length are offsets within the chunk, not within any
// backing file.
type DataRequest struct {
	Start  uint32
	Length uint32
	Chunk  digest.Digest
}

// DataPacket carries a fragment of chunk bytes. Offset is absolute
// within the chunk (Start + however many bytes precede this fragment).
type DataPacket struct {
	Offset  uint32
	Chunk   digest.Digest
	Payload []byte
}

// EncodeChunkListRequest serializes a ChunkListRequest.
func EncodeChunkListRequest(m ChunkListRequest) []byte {
	buf := make([]byte, ChunkListRequestSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(KindChunkList))
	copy(buf[4:], m.Digest[:])
	return buf
}

// DecodeChunkListRequest parses a ChunkListRequest. The caller must
// already know this datagram arrived on the server's request path.
func DecodeChunkListRequest(buf []byte) (ChunkListRequest, error) {
	var m ChunkListRequest
	if len(buf) < ChunkListRequestSize {
		return m, fmt.Errorf("wire: chunk list request too short: %d bytes", len(buf))
	}
	if err := checkTag(buf, KindChunkList); err != nil {
		return m, err
	}
	d, err := digest.FromBytes(buf[4:ChunkListRequestSize])
	if err != nil {
		return m, fmt.Errorf("wire: chunk list request: %w", err)
	}
	m.Digest = d
	return m, nil
}

// EncodeChunkListInfo serializes a ChunkListInfo.
func EncodeChunkListInfo(m ChunkListInfo) []byte {
	buf := make([]byte, ChunkListInfoSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(KindChunkList))
	binary.BigEndian.PutUint32(buf[4:8], m.Length)
	copy(buf[8:], m.Digest[:])
	return buf
}

// DecodeChunkListInfo parses a ChunkListInfo. The caller must already
// know this datagram arrived on the client's response path.
func DecodeChunkListInfo(buf []byte) (ChunkListInfo, error) {
	var m ChunkListInfo
	if len(buf) < ChunkListInfoSize {
		return m, fmt.Errorf("wire: chunk list info too short: %d bytes", len(buf))
	}
	if err := checkTag(buf, KindChunkList); err != nil {
		return m, err
	}
	m.Length = binary.BigEndian.Uint32(buf[4:8])
	d, err := digest.FromBytes(buf[8:ChunkListInfoSize])
	if err != nil {
		return m, fmt.Errorf("wire: chunk list info: %w", err)
	}
	m.Digest = d
	return m, nil
}

// EncodeDataRequest serializes a DataRequest.
func EncodeDataRequest(m DataRequest) []byte {
	buf := make([]byte, DataRequestSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(KindData))
	binary.BigEndian.PutUint32(buf[4:8], m.Start)
	binary.BigEndian.PutUint32(buf[8:12], m.Length)
	copy(buf[12:], m.Chunk[:])
	return buf
}

// DecodeDataRequest parses a DataRequest. The caller must already
// know this datagram arrived on the server's request path.
func DecodeDataRequest(buf []byte) (DataRequest, error) {
	var m DataRequest
	if len(buf) < DataRequestSize {
		return m, fmt.Errorf("wire: data request too short: %d bytes", len(buf))
	}
	if err := checkTag(buf, KindData); err != nil {
		return m, err
	}
	m.Start = binary.BigEndian.Uint32(buf[4:8])
	m.Length = binary.BigEndian.Uint32(buf[8:12])
	d, err := digest.FromBytes(buf[12:DataRequestSize])
	if err != nil {
		return m, fmt.Errorf("wire: data request: %w", err)
	}
	m.Chunk = d
	return m, nil
}

// EncodeDataPacket serializes a DataPacket. Payload must be at most
// MaxPayload bytes.
func EncodeDataPacket(m DataPacket) ([]byte, error) {
	if len(m.Payload) > MaxPayload {
		return nil, fmt.Errorf("wire: data packet payload %d exceeds max %d", len(m.Payload), MaxPayload)
	}
	buf := make([]byte, DataPacketMinSize+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(KindData))
	binary.BigEndian.PutUint32(buf[4:8], m.Offset)
	copy(buf[8:DataPacketMinSize], m.Chunk[:])
	copy(buf[DataPacketMinSize:], m.Payload)
	return buf, nil
}

// DecodeDataPacket parses a DataPacket. The trailing bytes beyond the
// fixed header, up to len(buf), are the payload; DecodeDataPacket
// copies them so the caller may reuse buf immediately afterward. The
// caller must already know this datagram arrived on the client's
// response path.
func DecodeDataPacket(buf []byte) (DataPacket, error) {
	var m DataPacket
	if len(buf) < DataPacketMinSize {
		return m, fmt.Errorf("wire: data packet too short: %d bytes", len(buf))
	}
	if err := checkTag(buf, KindData); err != nil {
		return m, err
	}
	m.Offset = binary.BigEndian.Uint32(buf[4:8])
	d, err := digest.FromBytes(buf[8:DataPacketMinSize])
	if err != nil {
		return m, fmt.Errorf("wire: data packet: %w", err)
	}
	m.Chunk = d
	payload := buf[DataPacketMinSize:]
	m.Payload = append([]byte(nil), payload...)
	return m, nil
}

func checkTag(buf []byte, want Kind) error {
	got := Kind(binary.BigEndian.Uint32(buf[0:4]))
	if got != want {
		return fmt.Errorf("wire: unexpected kind tag %#x, want %#x", uint32(got), uint32(want))
	}
	return nil
}
