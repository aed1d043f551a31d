// Package reassembler is the client-side chunk reassembly engine
// (C8): it tracks a set of "interesting" chunks, re-requests them on
// a fixed timeout, reassembles broadcast data fragments into
// complete, hash-verified byte slices, and hands them to the caller
// through a small FIFO.
package reassembler

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pixieboot/pixieboot/internal/bufpool"
	"github.com/pixieboot/pixieboot/pkg/digest"
	"github.com/pixieboot/pixieboot/pkg/wire"
)

// ListenPort is the well-known UDP port clients listen on for
// unicast ChunkListInfo replies and subnet-broadcast DataPackets.
const ListenPort = 7495

// ServerPort is the well-known UDP port the server listens for
// requests on.
const ServerPort = 7494

// ClientTimeout is the sole timer governing retransmission: an
// in-progress (or never-started) interesting chunk that has gone
// this long without a data packet is re-requested in full.
const ClientTimeout = 5 * time.Second

const pollInterval = time.Millisecond
const maxDatagram = 2048

type inProgress struct {
	buffer  []byte
	bitmap  *missingBitmap
	counter int
}

type retransEntry struct {
	digest         digest.Digest
	lastPacketTime time.Time
}

type completedChunk struct {
	Digest digest.Digest
	Bytes  []byte
}

// Reassembler is one client's chunk-fetching state machine, bound to
// a single upstream server.
type Reassembler struct {
	conn       *net.UDPConn
	serverAddr *net.UDPAddr
	log        *slog.Logger
	bufs       *bufpool.Pool
	timeout    time.Duration

	sendMu sync.Mutex

	queueMu     sync.Mutex
	interesting map[digest.Digest]uint32
	completed   []completedChunk

	retransMu sync.Mutex
	retrans   []retransEntry

	// touched only by the worker goroutine.
	progress map[digest.Digest]*inProgress

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New binds the client's socket to ListenPort and returns a
// Reassembler ready to fetch chunks from server. Call Run in its own
// goroutine before SetInteresting.
func New(server *net.UDPAddr, log *slog.Logger) (*Reassembler, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: ListenPort})
	if err != nil {
		return nil, fmt.Errorf("reassembler: listen on port %d: %w", ListenPort, err)
	}
	return &Reassembler{
		conn:        conn,
		serverAddr:  server,
		log:         log,
		bufs:        bufpool.New(maxDatagram),
		timeout:     ClientTimeout,
		interesting: make(map[digest.Digest]uint32),
		progress:    make(map[digest.Digest]*inProgress),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// SetInteresting records (digest, size) as wanted and immediately
// issues a full-range DataRequest for it.
func (r *Reassembler) SetInteresting(d digest.Digest, size uint32) {
	r.queueMu.Lock()
	r.interesting[d] = size
	r.queueMu.Unlock()

	r.touchRetrans(d)
	r.request(d, 0, size)
}

// Count returns the number of interesting chunks still outstanding.
func (r *Reassembler) Count() int {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return len(r.interesting)
}

// GetCompleteChunk pops one completed (digest, bytes) pair, if any.
func (r *Reassembler) GetCompleteChunk() (digest.Digest, []byte, bool) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	if len(r.completed) == 0 {
		return digest.Digest{}, nil, false
	}
	c := r.completed[0]
	r.completed = r.completed[1:]
	return c.Digest, c.Bytes, true
}

// Stop signals the worker to exit and closes the socket. Safe to
// call more than once.
func (r *Reassembler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.conn.Close()
	})
}

// Run drives the worker loop: interleaved retransmission scanning and
// non-blocking data reception. It returns when Stop is called.
func (r *Reassembler) Run() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		r.scanRetransmissions()

		r.conn.SetReadDeadline(time.Now().Add(pollInterval))
		buf := r.bufs.Get()
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			r.bufs.Put(buf)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			r.log.Warn("reassembler: read error", "err", err)
			continue
		}
		pkt := append([]byte(nil), buf[:n]...)
		r.bufs.Put(buf)
		r.handlePacket(pkt)
	}
}

func (r *Reassembler) request(d digest.Digest, start, length uint32) {
	buf := wire.EncodeDataRequest(wire.DataRequest{Start: start, Length: length, Chunk: d})
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if _, err := r.conn.WriteToUDP(buf, r.serverAddr); err != nil {
		r.log.Warn("reassembler: send DataRequest failed", "digest", d, "err", err)
	}
}

// RequestChunkList issues a bootstrap ChunkListRequest for d and seeds
// a retransmission-table entry for it, exactly as SetInteresting does
// for an ordinary chunk. Until a ChunkListInfo reply arrives, d has no
// entry in the interesting table; scanRetransmissions recognizes that
// state and re-sends the ChunkListRequest itself rather than a
// DataRequest, so a dropped bootstrap request or reply is retried on
// the same ClientTimeout as everything else. The server's eventual
// ChunkListInfo reply is picked up by the worker loop, which turns it
// into a SetInteresting call for d at the reported length so the
// manifest bootstrap flows through the same reassembly machinery used
// for ordinary file chunks.
func (r *Reassembler) RequestChunkList(d digest.Digest) {
	r.touchRetrans(d)
	r.sendChunkListRequest(d)
}

func (r *Reassembler) sendChunkListRequest(d digest.Digest) {
	buf := wire.EncodeChunkListRequest(wire.ChunkListRequest{Digest: d})
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if _, err := r.conn.WriteToUDP(buf, r.serverAddr); err != nil {
		r.log.Warn("reassembler: send ChunkListRequest failed", "digest", d, "err", err)
	}
}

func (r *Reassembler) handlePacket(buf []byte) {
	if len(buf) < 4 {
		return
	}
	kind := wire.Kind(uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]))
	switch kind {
	case wire.KindChunkList:
		r.handleChunkListInfo(buf)
	case wire.KindData:
		r.handleDataPacket(buf)
	}
}

func (r *Reassembler) handleChunkListInfo(buf []byte) {
	info, err := wire.DecodeChunkListInfo(buf)
	if err != nil {
		return
	}
	r.queueMu.Lock()
	_, wanted := r.interesting[info.Digest]
	r.queueMu.Unlock()
	if !wanted {
		r.SetInteresting(info.Digest, info.Length)
	}
}

func (r *Reassembler) handleDataPacket(buf []byte) {
	pkt, err := wire.DecodeDataPacket(buf)
	if err != nil {
		return
	}

	r.queueMu.Lock()
	expected, wanted := r.interesting[pkt.Chunk]
	r.queueMu.Unlock()
	if !wanted {
		return
	}

	if uint64(pkt.Offset)+uint64(len(pkt.Payload)) > uint64(expected) {
		r.log.Warn("reassembler: data packet exceeds expected size", "digest", pkt.Chunk, "offset", pkt.Offset, "len", len(pkt.Payload), "expected", expected)
		return
	}

	prog, ok := r.progress[pkt.Chunk]
	if !ok {
		prog = &inProgress{
			buffer:  make([]byte, expected),
			bitmap:  newMissingBitmap(int(expected)),
			counter: int(expected),
		}
		r.progress[pkt.Chunk] = prog
	}

	r.touchRetrans(pkt.Chunk)

	for p, b := range pkt.Payload {
		i := int(pkt.Offset) + p
		if prog.bitmap.Clear(i) {
			prog.counter--
			prog.buffer[i] = b
		} else if prog.buffer[i] != b {
			r.log.Warn("reassembler: conflicting byte on retransmission", "digest", pkt.Chunk, "index", i)
			prog.buffer[i] = b
		}
	}

	if prog.counter != 0 {
		return
	}

	got := digest.Sum224(prog.buffer)
	delete(r.progress, pkt.Chunk)
	if got != pkt.Chunk {
		r.log.Warn("reassembler: integrity check failed, will re-request on timeout", "digest", pkt.Chunk, "computed", got)
		return
	}

	r.removeRetrans(pkt.Chunk)
	r.queueMu.Lock()
	delete(r.interesting, pkt.Chunk)
	r.completed = append(r.completed, completedChunk{Digest: pkt.Chunk, Bytes: prog.buffer})
	r.queueMu.Unlock()
}

func (r *Reassembler) scanRetransmissions() {
	now := time.Now()
	for {
		r.retransMu.Lock()
		if len(r.retrans) == 0 {
			r.retransMu.Unlock()
			return
		}
		front := r.retrans[0]
		if front.lastPacketTime.Add(r.timeout).After(now) {
			r.retransMu.Unlock()
			return
		}
		r.retrans = r.retrans[1:]
		r.retransMu.Unlock()

		delete(r.progress, front.digest)

		r.queueMu.Lock()
		size, wanted := r.interesting[front.digest]
		r.queueMu.Unlock()
		if !wanted {
			// No ChunkListInfo has arrived for this digest yet: it is
			// still in the bootstrap phase, not a sized chunk. Retry
			// the ChunkListRequest on the same timer.
			r.touchRetrans(front.digest)
			r.sendChunkListRequest(front.digest)
			continue
		}

		r.touchRetrans(front.digest)
		r.request(front.digest, 0, size)
	}
}

// touchRetrans inserts (or reinserts) the retransmission entry for d
// with the current time, keeping the table sorted by
// (last_packet_time, digest).
func (r *Reassembler) touchRetrans(d digest.Digest) {
	now := time.Now()
	r.retransMu.Lock()
	defer r.retransMu.Unlock()
	r.removeRetransLocked(d)
	idx := sort.Search(len(r.retrans), func(i int) bool {
		return r.retrans[i].lastPacketTime.After(now)
	})
	r.retrans = append(r.retrans, retransEntry{})
	copy(r.retrans[idx+1:], r.retrans[idx:])
	r.retrans[idx] = retransEntry{digest: d, lastPacketTime: now}
}

func (r *Reassembler) removeRetrans(d digest.Digest) {
	r.retransMu.Lock()
	defer r.retransMu.Unlock()
	r.removeRetransLocked(d)
}

func (r *Reassembler) removeRetransLocked(d digest.Digest) {
	for i, e := range r.retrans {
		if e.digest == d {
			r.retrans = append(r.retrans[:i], r.retrans[i+1:]...)
			return
		}
	}
}
