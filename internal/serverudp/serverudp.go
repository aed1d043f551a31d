// Package serverudp is the server's request demultiplexer (C5): a
// single-threaded UDP receive loop that reads ChunkListRequest and
// DataRequest messages and routes them, doing no file I/O itself.
package serverudp

import (
	"errors"
	"log/slog"
	"net"

	"github.com/pixieboot/pixieboot/internal/broadcastsel"
	"github.com/pixieboot/pixieboot/internal/bufpool"
	"github.com/pixieboot/pixieboot/internal/chunksender"
	"github.com/pixieboot/pixieboot/internal/serverstore"
	"github.com/pixieboot/pixieboot/internal/transport"
	"github.com/pixieboot/pixieboot/pkg/wire"
)

// Port is the well-known UDP port the server listens for requests on.
const Port = 7494

const maxDatagram = 2048 // MTU + headroom, mirrors the packet-demux read buffer sizing.

// Server is the request demultiplexer. It never touches backing
// files: ChunkListRequest hits are answered directly from the
// content-addressed store's manifest bytes length, and DataRequest
// hits are only ever enqueued into the chunk sender.
type Server struct {
	store    *serverstore.Store
	sender   *chunksender.Sender
	selector *broadcastsel.Selector
	log      *slog.Logger
	conn     *net.UDPConn
	bufs     *bufpool.Pool
}

// New opens the request socket on Port and returns a Server ready for
// Run.
func New(store *serverstore.Store, sender *chunksender.Sender, selector *broadcastsel.Selector, log *slog.Logger) (*Server, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: Port})
	if err != nil {
		return nil, err
	}
	transport.ApplyUDPBeyondBestEffort(conn, 4<<20, 1<<20)
	return &Server{
		store:    store,
		sender:   sender,
		selector: selector,
		log:      log,
		conn:     conn,
		bufs:     bufpool.New(maxDatagram),
	}, nil
}

// Stop closes the receive socket, unblocking Run.
func (s *Server) Stop() error {
	return s.conn.Close()
}

// Run reads datagrams until the socket is closed. Every error other
// than a closed-socket read is logged and the loop continues: a
// malformed packet never aborts the demultiplexer.
func (s *Server) Run() {
	for {
		buf := s.bufs.Get()
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			s.bufs.Put(buf)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("serverudp: read error", "err", err)
			continue
		}
		pkt := append([]byte(nil), buf[:n]...)
		s.bufs.Put(buf)
		s.handle(pkt, addr)
	}
}

func (s *Server) handle(buf []byte, from *net.UDPAddr) {
	if len(buf) < 4 {
		s.log.Warn("serverudp: short datagram", "from", from, "len", len(buf))
		return
	}
	kind := wire.Kind(beUint32(buf))
	switch kind {
	case wire.KindChunkList:
		s.handleChunkListRequest(buf, from)
	case wire.KindData:
		s.handleDataRequest(buf, from)
	default:
		s.log.Warn("serverudp: unknown message kind", "kind", kind, "from", from)
	}
}

func (s *Server) handleChunkListRequest(buf []byte, from *net.UDPAddr) {
	req, err := wire.DecodeChunkListRequest(buf)
	if err != nil {
		s.log.Warn("serverudp: bad ChunkListRequest", "from", from, "err", err)
		return
	}
	entry, ok := s.store.Lookup(req.Digest)
	if !ok || entry.ManifestBytes == nil {
		s.log.Info("serverudp: ChunkListRequest miss", "digest", req.Digest, "from", from)
		return
	}
	info := wire.ChunkListInfo{Length: entry.Size(), Digest: req.Digest}
	reply := wire.EncodeChunkListInfo(info)
	if _, err := s.conn.WriteToUDP(reply, from); err != nil {
		s.log.Warn("serverudp: reply failed", "to", from, "err", err)
	}
}

func (s *Server) handleDataRequest(buf []byte, from *net.UDPAddr) {
	req, err := wire.DecodeDataRequest(buf)
	if err != nil {
		s.log.Warn("serverudp: bad DataRequest", "from", from, "err", err)
		return
	}
	dest, err := s.selector.Resolve(from.IP)
	if err != nil {
		s.log.Warn("serverudp: broadcast resolution failed", "from", from, "err", err)
		return
	}
	s.sender.Enqueue(req.Chunk, req.Start, req.Length, dest)
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
