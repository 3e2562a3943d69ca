package canonical

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mustHasher(t *testing.T, alg Algorithm) *Hasher {
	t.Helper()
	h, err := NewHasher(alg)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestLineEndingStability(t *testing.T) {
	h := mustHasher(t, SHA256)

	lf := "line one\nline two\n"
	crlf := "line one\r\nline two\r\n"
	cr := "line one\rline two\r"

	if h.HashText(lf) != h.HashText(crlf) {
		t.Fatal("CRLF content must hash identically to LF content")
	}
	if h.HashText(lf) != h.HashText(cr) {
		t.Fatal("CR content must hash identically to LF content")
	}
}

func TestNormalizePath(t *testing.T) {
	if got := NormalizePath(`DATA\_commits\decision_abc.json`); got != "DATA/_commits/decision_abc.json" {
		t.Fatalf("unexpected normalized path: %s", got)
	}
}

func TestUnicodeNormalization(t *testing.T) {
	h := mustHasher(t, SHA256)

	// "é" precomposed vs combining sequence
	composed := "café"
	decomposed := "café"
	if h.HashText(composed) != h.HashText(decomposed) {
		t.Fatal("NFC-equivalent text must hash identically")
	}
}

func TestHashFileUnreadable(t *testing.T) {
	h := mustHasher(t, SHA256)
	_, err := h.HashFile(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "unreadable input") {
		t.Fatalf("expected UnreadableInput, got: %v", err)
	}
}

func TestHashFileMatchesHashText(t *testing.T) {
	h := mustHasher(t, SHA256)
	path := filepath.Join(t.TempDir(), "payload.txt")
	if err := os.WriteFile(path, []byte("a\r\nb\r\n"), 0600); err != nil {
		t.Fatal(err)
	}

	fromFile, err := h.HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if fromFile != h.HashText("a\nb\n") {
		t.Fatal("file hash must equal normalized text hash")
	}
}

func TestAlgorithms(t *testing.T) {
	sha2 := mustHasher(t, SHA256)
	sha3 := mustHasher(t, SHA3256)
	if sha2.HashBytes([]byte("x")) == sha3.HashBytes([]byte("x")) {
		t.Fatal("different algorithms should not collide on the same input")
	}
	if _, err := NewHasher("md5"); err == nil {
		t.Fatal("expected rejection of weak algorithm")
	}
}

func TestJCSKeyOrder(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": []any{true, nil}}
	b := map[string]any{"c": []any{true, nil}, "a": 1, "b": 2}

	ja, err := JCS(a)
	if err != nil {
		t.Fatal(err)
	}
	jb, err := JCS(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ja) != string(jb) {
		t.Fatalf("canonical forms differ: %s vs %s", ja, jb)
	}
	if string(ja) != `{"a":1,"b":2,"c":[true,null]}` {
		t.Fatalf("unexpected canonical form: %s", ja)
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCSString(map[string]any{"q": "a<b>&c"})
	if err != nil {
		t.Fatal(err)
	}
	if out != `{"q":"a<b>&c"}` {
		t.Fatalf("HTML escaping leaked into canonical form: %s", out)
	}
}

func TestHashJSONStableAcrossFieldOrder(t *testing.T) {
	h := mustHasher(t, SHA256)
	h1, err := h.HashJSON(map[string]any{"x": 1, "y": "z"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := h.HashJSON(map[string]any{"y": "z", "x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("same logical JSON must produce same digest")
	}
}

func TestChainHash(t *testing.T) {
	h := mustHasher(t, SHA256)
	got := h.ChainHash("GENESIS", "abc")
	want := h.HashBytes([]byte("GENESIS|abc"))
	if got != want {
		t.Fatal("chain hash must be H(prev|payload)")
	}
}
