package chunksender

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pixieboot/pixieboot/internal/logging"
	"github.com/pixieboot/pixieboot/internal/serverstore"
	"github.com/pixieboot/pixieboot/pkg/bootmanifest"
	"github.com/pixieboot/pixieboot/pkg/wire"
)

func buildStore(t *testing.T, data []byte) (*serverstore.Store, bootmanifest.Built) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	built, err := bootmanifest.Build(map[string]string{"f": path}, 4096)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() {
		for _, h := range built.Handles {
			h.Close()
		}
	})
	store := serverstore.New()
	if err := store.Add(built); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return store, built
}

func TestEnqueueDeduplicatesIdenticalTuples(t *testing.T) {
	store, built := buildStore(t, []byte("ABC"))
	s, err := New(store, logging.New("pixie-server", "error"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	d := built.Manifest.Entries[0].Chunks[0].Digest
	dest := net.ParseIP("192.168.1.255")

	s.Enqueue(d, 0, 3, dest)
	s.Enqueue(d, 0, 3, dest)

	s.mu.Lock()
	n := len(s.queue)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one queued job after duplicate enqueue, got %d", n)
	}
}

func TestEnqueueDistinctTuplesBothQueue(t *testing.T) {
	store, built := buildStore(t, []byte("ABC"))
	s, err := New(store, logging.New("pixie-server", "error"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	d := built.Manifest.Entries[0].Chunks[0].Digest
	dest := net.ParseIP("192.168.1.255")

	s.Enqueue(d, 0, 1, dest)
	s.Enqueue(d, 1, 1, dest)

	s.mu.Lock()
	n := len(s.queue)
	s.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected two distinct queued jobs, got %d", n)
	}
}

func TestDequeueIsFIFO(t *testing.T) {
	store, built := buildStore(t, []byte("ABCDE"))
	s, err := New(store, logging.New("pixie-server", "error"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	d := built.Manifest.Entries[0].Chunks[0].Digest
	dest := net.ParseIP("192.168.1.255")
	s.Enqueue(d, 0, 1, dest)
	s.Enqueue(d, 1, 1, dest)
	s.Enqueue(d, 2, 1, dest)

	first, ok := s.dequeue()
	if !ok || first.Start != 0 {
		t.Fatalf("expected first job start=0, got %+v ok=%v", first, ok)
	}
	second, ok := s.dequeue()
	if !ok || second.Start != 1 {
		t.Fatalf("expected second job start=1, got %+v ok=%v", second, ok)
	}
}

func TestDeliverSendsDataPacketToClientPort(t *testing.T) {
	data := []byte("ABC")
	store, built := buildStore(t, data)
	s, err := New(store, logging.New("pixie-server", "error"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	recv, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: ClientPort})
	if err != nil {
		t.Skipf("could not bind receiver on client port: %v", err)
	}
	defer recv.Close()
	recv.SetReadDeadline(time.Now().Add(2 * time.Second))

	d := built.Manifest.Entries[0].Chunks[0].Digest
	s.Enqueue(d, 0, uint32(len(data)), net.ParseIP("127.0.0.1"))

	j, ok := s.dequeue()
	if !ok {
		t.Fatalf("expected a queued job")
	}
	s.deliver(j)

	buf := make([]byte, 2048)
	n, _, err := recv.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	pkt, err := wire.DecodeDataPacket(buf[:n])
	if err != nil {
		t.Fatalf("DecodeDataPacket: %v", err)
	}
	if pkt.Chunk != d || pkt.Offset != 0 || string(pkt.Payload) != string(data) {
		t.Fatalf("unexpected packet: %+v", pkt)
	}
}
