package serverudp

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pixieboot/pixieboot/internal/broadcastsel"
	"github.com/pixieboot/pixieboot/internal/chunksender"
	"github.com/pixieboot/pixieboot/internal/logging"
	"github.com/pixieboot/pixieboot/internal/serverstore"
	"github.com/pixieboot/pixieboot/pkg/bootmanifest"
	"github.com/pixieboot/pixieboot/pkg/wire"
)

func setup(t *testing.T, data []byte) (*Server, bootmanifest.Built, net.Addr) {
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

	log := logging.New("pixie-server", "error")
	sender, err := chunksender.New(store, log)
	if err != nil {
		t.Fatalf("chunksender.New: %v", err)
	}
	t.Cleanup(sender.Stop)
	go sender.Run()

	selector := broadcastsel.NewForTest([]broadcastsel.Route{
		{
			IfAddr:    net.ParseIP("127.0.0.1"),
			Netmask:   net.IPMask(net.ParseIP("255.0.0.0").To4()),
			Broadcast: net.ParseIP("127.255.255.255"),
		},
	})

	srv, err := New(store, sender, selector, log)
	if err != nil {
		t.Fatalf("serverudp.New: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	go srv.Run()

	client, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: Port})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return srv, built, client.LocalAddr()
}

func TestChunkListRequestReturnsManifestInfo(t *testing.T) {
	_, built, _ := setup(t, []byte("hello"))

	client, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: Port})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()
	client.SetReadDeadline(time.Now().Add(2 * time.Second))

	req := wire.EncodeChunkListRequest(wire.ChunkListRequest{Digest: built.ManifestDigest})
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	buf := make([]byte, 128)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	info, err := wire.DecodeChunkListInfo(buf[:n])
	if err != nil {
		t.Fatalf("DecodeChunkListInfo: %v", err)
	}
	if info.Digest != built.ManifestDigest || info.Length != uint32(len(built.Serialized)) {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestChunkListRequestMissIsDropped(t *testing.T) {
	_, _, _ = setup(t, []byte("hello"))

	client, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: Port})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()
	client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))

	var bogus [28]byte
	req := wire.EncodeChunkListRequest(wire.ChunkListRequest{Digest: bogus})
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	buf := make([]byte, 128)
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected no reply for a miss")
	}
}

func TestDataRequestEnqueuesAndBroadcastsToClientPort(t *testing.T) {
	data := []byte("ABC")
	_, built, _ := setup(t, data)

	recv, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: chunksender.ClientPort})
	if err != nil {
		t.Skipf("could not bind receiver on client port: %v", err)
	}
	defer recv.Close()
	recv.SetReadDeadline(time.Now().Add(2 * time.Second))

	client, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: Port})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	d := built.Manifest.Entries[0].Chunks[0].Digest
	req := wire.EncodeDataRequest(wire.DataRequest{Start: 0, Length: uint32(len(data)), Chunk: d})
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	buf := make([]byte, 2048)
	n, _, err := recv.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	pkt, err := wire.DecodeDataPacket(buf[:n])
	if err != nil {
		t.Fatalf("DecodeDataPacket: %v", err)
	}
	if pkt.Chunk != d || string(pkt.Payload) != string(data) {
		t.Fatalf("unexpected packet: %+v", pkt)
	}
}
