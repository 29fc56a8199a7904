package audit

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestAppendAndVerifySignature(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	key := []byte("0123456789abcdef0123456789abcdef")

	w, err := Open(path, key)
	require.NoError(t, err)
	defer w.Close()

	id := uuid.NewString()
	require.NoError(t, w.Append(Event{
		ID:         id,
		RecordedAt: time.Now(),
		EventType:  SandboxCreated,
		Namespace:  "demo",
		Payload:    map[string]any{"name": "runner"},
	}))

	lines := readLines(t, path)
	require.Len(t, lines, 1)

	ok, err := Verify(lines[0], key)
	require.NoError(t, err)
	require.True(t, ok)

	tampered := append([]byte(nil), lines[0]...)
	tampered[10] ^= 0xFF
	ok, err = Verify(tampered, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAppendDedupesByID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	w, err := Open(path, nil)
	require.NoError(t, err)
	defer w.Close()

	id := uuid.NewString()
	ev := Event{ID: id, RecordedAt: time.Now(), EventType: SandboxDeleted, Namespace: "demo"}
	require.NoError(t, w.Append(ev))
	require.NoError(t, w.Append(ev))

	lines := readLines(t, path)
	require.Len(t, lines, 1)
}

func readLines(t *testing.T, path string) [][]byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out [][]byte
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		out = append(out, line)
	}
	require.NoError(t, sc.Err())
	return out
}
