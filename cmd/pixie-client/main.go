// Command pixie-client fetches one boot image's manifest and every
// file it references over the chunk protocol, writing the assembled
// files under the current directory.
package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pixieboot/pixieboot/internal/logging"
	"github.com/pixieboot/pixieboot/internal/progress"
	"github.com/pixieboot/pixieboot/internal/reassembler"
	"github.com/pixieboot/pixieboot/internal/transport"
	"github.com/pixieboot/pixieboot/pkg/bootmanifest"
	"github.com/pixieboot/pixieboot/pkg/digest"
)

const pollInterval = 20 * time.Millisecond

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: pixie-client <server_ip> <image_hex_digest>")
		os.Exit(1)
	}
	serverIP := os.Args[1]
	manifestDigest, err := digest.Parse(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid image digest: %v\n", err)
		os.Exit(1)
	}

	log := logging.New("pixie-client", envOr("PIXIE_LOG_LEVEL", "info"))

	ip := net.ParseIP(serverIP)
	if ip == nil {
		fmt.Fprintf(os.Stderr, "invalid server address: %s\n", serverIP)
		os.Exit(1)
	}
	serverAddr := &net.UDPAddr{IP: ip, Port: reassembler.ServerPort}

	r, err := reassembler.New(serverAddr, log)
	if err != nil {
		log.Error("failed to start reassembler", "err", err)
		os.Exit(1)
	}
	go r.Run()
	defer r.Stop()

	meter := progress.NewMeter()
	meter.Start(0)

	log.Info("fetching manifest", "server", serverIP, "manifest_digest", manifestDigest)
	manifestBytes := fetchManifest(r, meter, manifestDigest)

	manifest, err := bootmanifest.Parse(manifestBytes)
	if err != nil {
		log.Error("failed to parse manifest", "err", err)
		os.Exit(1)
	}

	var total int64
	for _, entry := range manifest.Entries {
		for _, c := range entry.Chunks {
			total += int64(c.Size)
		}
	}
	meter.AddTotal(total)

	for _, entry := range manifest.Entries {
		if err := fetchFile(r, meter, log, entry); err != nil {
			log.Error("failed to fetch file", "name", entry.Name, "err", err)
			os.Exit(1)
		}
	}

	stats := meter.Snapshot()
	log.Info("download complete",
		"files", len(manifest.Entries),
		"bytes", transport.FormatBytesGiB(stats.BytesDone),
	)
}

// fetchFile assembles one manifest entry's file from its chunks,
// writing it under the current directory using the entry's name.
func fetchFile(r *reassembler.Reassembler, meter *progress.Meter, log interface {
	Info(msg string, args ...any)
}, entry bootmanifest.FileEntry) error {
	if err := os.MkdirAll(filepath.Dir(entry.Name), 0o755); err != nil && filepath.Dir(entry.Name) != "." {
		return fmt.Errorf("mkdir for %s: %w", entry.Name, err)
	}
	f, err := os.Create(entry.Name)
	if err != nil {
		return fmt.Errorf("create %s: %w", entry.Name, err)
	}
	defer f.Close()

	for _, c := range entry.Chunks {
		data := fetchDataChunk(r, meter, c.Digest, c.Size)
		if _, err := f.WriteAt(data, c.Offset); err != nil {
			return fmt.Errorf("write %s at %d: %w", entry.Name, c.Offset, err)
		}
	}
	log.Info("wrote file", "name", entry.Name, "chunks", len(entry.Chunks))
	return nil
}

// fetchManifest issues the bootstrap ChunkListRequest for a manifest
// digest and blocks until the reassembler delivers the manifest bytes
// it addresses.
func fetchManifest(r *reassembler.Reassembler, meter *progress.Meter, d digest.Digest) []byte {
	r.RequestChunkList(d)
	return awaitChunk(r, meter, d)
}

// fetchDataChunk marks a chunk already known from a manifest entry as
// interesting and blocks until it is fully reassembled and verified.
func fetchDataChunk(r *reassembler.Reassembler, meter *progress.Meter, d digest.Digest, size uint32) []byte {
	r.SetInteresting(d, size)
	return awaitChunk(r, meter, d)
}

func awaitChunk(r *reassembler.Reassembler, meter *progress.Meter, d digest.Digest) []byte {
	for {
		if got, bytes, ok := r.GetCompleteChunk(); ok {
			meter.Add(len(bytes))
			if got == d {
				return bytes
			}
			// A different interesting chunk finished first; this fetch
			// loop only ever has one outstanding digest, so this
			// branch is unreachable in the current caller.
			continue
		}
		time.Sleep(pollInterval)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
