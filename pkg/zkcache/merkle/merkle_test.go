package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
)

func TestChunksExact(t *testing.T) {
	data := make([]byte, 64)
	var got [][]byte
	for chunk := range Chunks(data, 16) {
		got = append(got, chunk)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(got))
	}
	for i, chunk := range got {
		if len(chunk) != 16 {
			t.Errorf("chunk %d: expected 16 bytes, got %d", i, len(chunk))
		}
	}
}

func TestChunksShortTail(t *testing.T) {
	data := []byte("abcdefghij") // 10 bytes
	var got [][]byte
	for chunk := range Chunks(data, 4) {
		got = append(got, chunk)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	if !bytes.Equal(got[2], []byte("ij")) {
		t.Errorf("last chunk must be the unpadded tail, got %q", got[2])
	}
}

func TestChunksRestartable(t *testing.T) {
	data := []byte("hello world")
	seq := Chunks(data, 4)

	count := func() int {
		n := 0
		for range seq {
			n++
		}
		return n
	}

	if first, second := count(), count(); first != second {
		t.Errorf("iterator not restartable: %d vs %d", first, second)
	}
}

func TestChunksEmpty(t *testing.T) {
	for range Chunks(nil, 4) {
		t.Fatal("empty data must yield no chunks")
	}
}

func TestChunkCount(t *testing.T) {
	cases := []struct {
		size      int64
		chunkSize int
		want      int
	}{
		{0, 1024, 0},
		{1, 1024, 1},
		{1024, 1024, 1},
		{1025, 1024, 2},
		{5, DefaultChunkSize, 1},
	}
	for _, tc := range cases {
		if got := ChunkCount(tc.size, tc.chunkSize); got != tc.want {
			t.Errorf("ChunkCount(%d, %d) = %d, want %d", tc.size, tc.chunkSize, got, tc.want)
		}
	}
}

func TestRootEmpty(t *testing.T) {
	root, err := Root(nil)
	if err != nil {
		t.Fatal(err)
	}
	if root != EmptyRoot {
		t.Errorf("empty leaf set must produce the empty-root sentinel, got %q", root)
	}
}

func TestRootSingleLeafPassthrough(t *testing.T) {
	leaf := Digest([]byte("only"))
	root, err := Root([]string{leaf})
	if err != nil {
		t.Fatal(err)
	}
	if root != leaf {
		t.Errorf("single leaf must be its own root: got %q, want %q", root, leaf)
	}
}

func TestRootPairsRawBytes(t *testing.T) {
	l0 := Digest([]byte("a"))
	l1 := Digest([]byte("b"))

	root, err := Root([]string{l0, l1})
	if err != nil {
		t.Fatal(err)
	}

	raw0, _ := hex.DecodeString(l0)
	raw1, _ := hex.DecodeString(l1)
	sum := sha256.Sum256(append(raw0, raw1...))
	want := hex.EncodeToString(sum[:])

	if root != want {
		t.Errorf("pairing must hash raw digest bytes, not hex text: got %q, want %q", root, want)
	}
}

func TestRootOddLeafPromotedUnchanged(t *testing.T) {
	l0 := Digest([]byte("a"))
	l1 := Digest([]byte("b"))
	l2 := Digest([]byte("c"))

	root, err := Root([]string{l0, l1, l2})
	if err != nil {
		t.Fatal(err)
	}

	// Level 1: [H(raw(l0)||raw(l1)), raw(l2)] -- l2 promoted, not re-hashed.
	raw0, _ := hex.DecodeString(l0)
	raw1, _ := hex.DecodeString(l1)
	raw2, _ := hex.DecodeString(l2)
	p01 := sha256.Sum256(append(raw0, raw1...))
	sum := sha256.Sum256(append(p01[:], raw2...))
	want := hex.EncodeToString(sum[:])

	if root != want {
		t.Errorf("odd trailing leaf must be promoted unchanged: got %q, want %q", root, want)
	}
}

func TestRootDeterministic(t *testing.T) {
	data := []byte("some artifact bytes that span multiple chunks when chunked small")
	first, err := FileRoot(data, 8)
	if err != nil {
		t.Fatal(err)
	}
	second, err := FileRoot(data, 8)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("root must be deterministic: %q vs %q", first, second)
	}
}

func TestRootRejectsBadHex(t *testing.T) {
	if _, err := Root([]string{"not-hex", "also-not-hex"}); err == nil {
		t.Error("expected error for non-hex leaves")
	}
}

func TestGlobalLeafCommitment(t *testing.T) {
	fileRoot := Digest([]byte("hello"))
	leaf := GlobalLeaf("a", fileRoot, 1)

	sum := sha256.Sum256([]byte(fmt.Sprintf("a:%s:%d", fileRoot, 1)))
	want := hex.EncodeToString(sum[:])

	if leaf != want {
		t.Errorf("global leaf must hash the textual commitment: got %q, want %q", leaf, want)
	}
}

func TestHelloEndToEnd(t *testing.T) {
	// One file "a" with content "hello": a single chunk, so the file root is
	// SHA256("hello") and the global root equals the single global leaf.
	data := []byte("hello")

	hashes := ChunkHashes(data, DefaultChunkSize)
	if len(hashes) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(hashes))
	}
	if hashes[0] != Digest(data) {
		t.Errorf("chunk hash mismatch: %q", hashes[0])
	}

	fileRoot, err := Root(hashes)
	if err != nil {
		t.Fatal(err)
	}
	if fileRoot != Digest(data) {
		t.Errorf("file root must equal the single chunk digest: %q", fileRoot)
	}

	leaf := GlobalLeaf("a", fileRoot, 1)
	globalRoot, err := Root([]string{leaf})
	if err != nil {
		t.Fatal(err)
	}
	if globalRoot != leaf {
		t.Errorf("global root must equal the single leaf: %q vs %q", globalRoot, leaf)
	}
}
