package chunkindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pixieboot/pixieboot/pkg/digest"
)

func TestScanDenseFileYieldsCeilChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dense.bin")
	data := make([]byte, 10)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	idx, err := Scan(path, 3, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer idx.Handle.Close()

	if len(idx.Chunks) != 4 { // ceil(10/3) = 4
		t.Fatalf("chunk count: got %d want 4", len(idx.Chunks))
	}
	wantSizes := []uint32{3, 3, 3, 1}
	for i, c := range idx.Chunks {
		if c.Size != wantSizes[i] {
			t.Fatalf("chunk %d size: got %d want %d", i, c.Size, wantSizes[i])
		}
		want := digest.Sum224(data[c.Offset : c.Offset+int64(c.Size)])
		if c.Digest != want {
			t.Fatalf("chunk %d digest mismatch", i)
		}
	}
}

func TestScanEmptyFileYieldsNoChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	idx, err := Scan(path, 4096, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer idx.Handle.Close()
	if len(idx.Chunks) != 0 {
		t.Fatalf("expected no chunks for empty file, got %d", len(idx.Chunks))
	}
}

func TestScanUpdatesGlobalHasher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	data := []byte("hello world")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	global := digest.NewHasher()
	idx, err := Scan(path, 4, global)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer idx.Handle.Close()

	got := global.Finalize()
	want := digest.Sum224(data)
	if got != want {
		t.Fatalf("global hasher mismatch: got %v want %v", got, want)
	}
}

func TestHandleReadChunk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.bin")
	data := []byte("0123456789")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	idx, err := Scan(path, 4, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer idx.Handle.Close()

	for _, c := range idx.Chunks {
		got, err := idx.Handle.ReadChunk(c)
		if err != nil {
			t.Fatalf("ReadChunk: %v", err)
		}
		want := data[c.Offset : c.Offset+int64(c.Size)]
		if string(got) != string(want) {
			t.Fatalf("chunk bytes mismatch at offset %d", c.Offset)
		}
	}
}

func TestHandleCloneRefcount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.bin")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	idx, err := Scan(path, 4, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	clone := idx.Handle.Clone()
	if err := idx.Handle.Close(); err != nil {
		t.Fatalf("close original: %v", err)
	}
	// clone should still be usable after the original reference is released.
	if _, err := clone.ReadChunk(idx.Chunks[0]); err != nil {
		t.Fatalf("ReadChunk on clone after original close: %v", err)
	}
	if err := clone.Close(); err != nil {
		t.Fatalf("close clone: %v", err)
	}
}

// TestScanSparseFileSkipsHoles covers spec property 5: a file with a
// hole in the middle must not emit any chunk straddling the hole
// boundary, and must cover exactly the data extents.
func TestScanSparseFileSkipsHoles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sparse.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	const chunkSize = 4096
	firstRun := make([]byte, chunkSize*2)
	for i := range firstRun {
		firstRun[i] = 0xAB
	}
	if _, err := f.WriteAt(firstRun, 0); err != nil {
		t.Fatalf("write first run: %v", err)
	}
	// Leave a hole from chunkSize*2 to chunkSize*10, then write a
	// second data run.
	secondRun := make([]byte, chunkSize)
	for i := range secondRun {
		secondRun[i] = 0xCD
	}
	holeEnd := int64(chunkSize * 10)
	if _, err := f.WriteAt(secondRun, holeEnd); err != nil {
		t.Fatalf("write second run: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	idx, err := Scan(path, chunkSize, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer idx.Handle.Close()

	if len(idx.Chunks) == 0 {
		t.Skip("filesystem does not appear to support sparse hole detection")
	}
	for _, c := range idx.Chunks {
		inFirstRun := c.Offset+int64(c.Size) <= int64(len(firstRun))
		inSecondRun := c.Offset >= holeEnd
		if !inFirstRun && !inSecondRun {
			t.Fatalf("chunk at offset %d size %d straddles the hole boundary", c.Offset, c.Size)
		}
	}
}
