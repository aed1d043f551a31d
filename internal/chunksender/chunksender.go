// Package chunksender is the server's chunk-broadcast worker (C6): a
// deduplicating FIFO of pending sends, drained by one worker that
// reads the requested bytes from the content-addressed store and
// broadcasts them onto the requesting client's subnet as a sequence
// of fragmented DataPackets.
package chunksender

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pixieboot/pixieboot/internal/serverstore"
	"github.com/pixieboot/pixieboot/internal/transport"
	"github.com/pixieboot/pixieboot/pkg/digest"
	"github.com/pixieboot/pixieboot/pkg/wire"
	"golang.org/x/sys/unix"
)

// ClientPort is the well-known UDP port clients listen on for
// broadcast data.
const ClientPort = 7495

// pollInterval is how long the worker sleeps between checks of an
// empty queue.
const pollInterval = time.Millisecond

// job is one pending send: a chunk range destined for a broadcast
// address.
type job struct {
	Digest digest.Digest
	Start  uint32
	Length uint32
	Dest   net.IP
}

func (j job) key() string {
	return fmt.Sprintf("%s|%d|%d|%s", j.Digest, j.Start, j.Length, j.Dest)
}

// Sender owns the send socket, the pending-job FIFO, and the
// deduplication set that backs it.
type Sender struct {
	store *serverstore.Store
	log   *slog.Logger
	conn  *net.UDPConn

	mu      sync.Mutex
	queue   []job
	pending map[string]struct{}
	stopped bool
	done    chan struct{}
}

// New opens the outbound broadcast socket and returns a Sender ready
// to have Run started on it.
func New(store *serverstore.Store, log *slog.Logger) (*Sender, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("chunksender: open send socket: %w", err)
	}
	if err := enableBroadcast(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("chunksender: enable broadcast: %w", err)
	}
	transport.ApplyUDPBeyondBestEffort(conn, 4<<20, 4<<20)

	return &Sender{
		store:   store,
		log:     log,
		conn:    conn,
		pending: make(map[string]struct{}),
		done:    make(chan struct{}),
	}, nil
}

func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// Enqueue appends (digest, start, length, dest) to the queue unless
// the exact tuple is already pending, in which case it is a no-op.
func (s *Sender) Enqueue(d digest.Digest, start, length uint32, dest net.IP) {
	j := job{Digest: d, Start: start, Length: length, Dest: dest}
	k := j.key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[k]; exists {
		return
	}
	s.pending[k] = struct{}{}
	s.queue = append(s.queue, j)
}

// Run drains the queue until Stop is called. It is meant to run in
// its own goroutine.
func (s *Sender) Run() {
	for {
		j, ok := s.dequeue()
		if !ok {
			select {
			case <-s.done:
				return
			case <-time.After(pollInterval):
				continue
			}
		}
		s.deliver(j)
	}
}

func (s *Sender) dequeue() (job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return job{}, false
	}
	j := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.pending, j.key())
	return j, true
}

// Stop signals the worker to exit and closes the send socket.
func (s *Sender) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.done)
	s.conn.Close()
}

func (s *Sender) deliver(j job) {
	entry, ok := s.store.Lookup(j.Digest)
	if !ok {
		s.log.Warn("chunk sender: digest not found", "digest", j.Digest)
		return
	}
	data, err := entry.Bytes(j.Start, j.Length)
	if err != nil {
		s.log.Warn("chunk sender: read failed", "digest", j.Digest, "err", err)
		return
	}

	dest := &net.UDPAddr{IP: j.Dest, Port: ClientPort}
	start := j.Start
	for len(data) > 0 {
		n := len(data)
		if n > wire.MaxPayload {
			n = wire.MaxPayload
		}
		buf, err := wire.EncodeDataPacket(wire.DataPacket{Offset: start, Chunk: j.Digest, Payload: data[:n]})
		if err != nil {
			s.log.Warn("chunk sender: encode failed", "digest", j.Digest, "err", err)
			return
		}
		if _, err := s.conn.WriteToUDP(buf, dest); err != nil {
			s.log.Warn("chunk sender: sendto failed", "dest", dest, "err", err)
		}
		data = data[n:]
		start += uint32(n)
	}
}
