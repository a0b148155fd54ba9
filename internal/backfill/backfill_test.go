package backfill

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/aperture/internal/extractor"
)

var base = time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)

func writeFile(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func turns(n int, step time.Duration) []extractor.Turn {
	out := make([]extractor.Turn, n)
	for i := range out {
		role := extractor.RoleUser
		if i%2 == 1 {
			role = extractor.RoleAssistant
		}
		out[i] = extractor.Turn{Role: role, Content: "msg", Timestamp: base.Add(time.Duration(i) * step)}
	}
	return out
}

func TestChunk_SplitsOnCount(t *testing.T) {
	chunks := Chunk(turns(45, time.Second), 20, time.Minute)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 20)
	assert.Len(t, chunks[1], 20)
	assert.Len(t, chunks[2], 5)
}

func TestChunk_SplitsOnTimeGap(t *testing.T) {
	in := []extractor.Turn{
		{Role: extractor.RoleUser, Content: "hello", Timestamp: base},
		{Role: extractor.RoleAssistant, Content: "hi", Timestamp: base.Add(time.Second)},
		{Role: extractor.RoleUser, Content: "new topic", Timestamp: base.Add(30 * time.Minute)},
	}
	chunks := Chunk(in, 0, 0)
	require.Len(t, chunks, 2)
	assert.Equal(t, "new topic", chunks[1][0].Content)
}

func TestChunk_IgnoresMissingTimestamps(t *testing.T) {
	in := []extractor.Turn{
		{Role: extractor.RoleUser, Content: "a", Timestamp: base},
		{Role: extractor.RoleAssistant, Content: "b"},
		{Role: extractor.RoleUser, Content: "c", Timestamp: base.Add(time.Hour)},
	}
	assert.Len(t, Chunk(in, 10, time.Minute), 1)
	assert.Nil(t, Chunk(nil, 10, time.Minute))
}

func TestParseFile_Turns(t *testing.T) {
	path := writeFile(t, t.TempDir(), "turns.jsonl",
		`{"user_id":"u1","role":"user","content":"I deploy with Terraform","timestamp":"2026-02-11T10:00:02Z"}`,
		`{"user_id":"u2","role":"user","content":"hi","timestamp":"2026-02-11T10:00:00Z"}`,
		`not json`,
		`{"user_id":"u1","role":"system","content":"ignored"}`,
		`{"user_id":"u1","role":"Assistant","content":"Nice","timestamp":"2026-02-11T10:00:03Z"}`,
		`{"user_id":"u1","role":"user","content":"first","timestamp":"2026-02-11T10:00:01Z"}`,
		`{"role":"user","content":"anonymous"}`,
	)

	convs, err := ParseFile(path, FormatTurns, "")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "u1", convs[0].UserID)
	require.Len(t, convs[0].Turns, 3)
	assert.Equal(t, "first", convs[0].Turns[0].Content)
	assert.Equal(t, extractor.RoleAssistant, convs[0].Turns[2].Role)
	assert.Equal(t, "u2", convs[1].UserID)
}

func TestParseFile_Session(t *testing.T) {
	path := writeFile(t, t.TempDir(), "session.jsonl",
		`{"type":"session","id":"s1"}`,
		`{"type":"message","timestamp":"2026-02-11T10:00:00Z","message":{"role":"user","content":"plain text"}}`,
		`{"type":"message","timestamp":"2026-02-11T10:00:01Z","message":{"role":"assistant","content":[{"type":"thinking","text":"hmm"},{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}}`,
		`{"type":"message","timestamp":"2026-02-11T10:00:02Z","message":{"role":"toolResult","content":"ok"}}`,
	)

	convs, err := ParseFile(path, FormatSession, "owner")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "owner", convs[0].UserID)
	require.Len(t, convs[0].Turns, 2)
	assert.Equal(t, "plain text", convs[0].Turns[0].Content)
	assert.Equal(t, "part one\npart two", convs[0].Turns[1].Content)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("Session")
	require.NoError(t, err)
	assert.Equal(t, FormatSession, f)

	_, err = ParseFormat("csv")
	assert.Error(t, err)
}

func TestState_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s, err := LoadState(path, base)
	require.NoError(t, err)
	assert.Empty(t, s.FilesProcessed)

	s.MarkProcessed("a.jsonl")
	s.MarkProcessed("a.jsonl")
	s.ChunksProcessed = 4
	require.NoError(t, s.Save(base.Add(time.Minute)))

	loaded, err := LoadState(path, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jsonl"}, loaded.FilesProcessed)
	assert.Equal(t, 4, loaded.ChunksProcessed)
	assert.True(t, loaded.StartedAt.Equal(base))
	assert.True(t, loaded.IsProcessed("a.jsonl"))
}

func TestState_CorruptFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "state.json", "{")
	_, err := LoadState(path, base)
	assert.Error(t, err)
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls []string
	fail  string
}

func (f *fakeExtractor) Extract(_ context.Context, userID string, history []extractor.Turn) (*extractor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID+":"+history[0].Content)
	if userID == f.fail {
		return nil, errors.New("provider down")
	}
	return &extractor.Result{UserID: userID, Updates: make([]extractor.Update, 1)}, nil
}

func TestRunner_ReplaysAndResumes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jsonl",
		`{"user_id":"u1","role":"user","content":"one","timestamp":"2026-02-11T10:00:00Z"}`,
		`{"user_id":"u1","role":"user","content":"two","timestamp":"2026-02-11T12:00:00Z"}`,
	)
	writeFile(t, dir, "b.jsonl",
		`{"user_id":"u2","role":"user","content":"three","timestamp":"2026-02-11T10:00:00Z"}`,
	)
	writeFile(t, dir, "notes.txt", "ignored")
	statePath := filepath.Join(dir, "state", "backfill.json")

	ext := &fakeExtractor{fail: "u2"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{Path: dir, Format: FormatTurns, StatePath: statePath}

	sum, err := NewRunner(cfg, ext, logger).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u1:one", "u1:two", "u2:three"}, ext.calls)
	assert.Equal(t, 2, sum.Files)
	assert.Equal(t, 2, sum.Users)
	assert.Equal(t, 3, sum.Chunks)
	assert.Equal(t, 2, sum.Updates)
	assert.Len(t, sum.Errors, 1)

	ext.calls = nil
	sum, err = NewRunner(cfg, ext, logger).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ext.calls)
	assert.Equal(t, 2, sum.Skipped)
}

func TestRunner_DryRunCallsNothing(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.jsonl",
		`{"user_id":"u1","role":"user","content":"old","timestamp":"2026-01-01T10:00:00Z"}`,
		`{"user_id":"u1","role":"user","content":"new","timestamp":"2026-02-11T10:00:00Z"}`,
	)
	ext := &fakeExtractor{}
	sum, err := NewRunner(Config{Path: path, Format: FormatTurns, DryRun: true, Since: base.Add(-time.Hour)}, ext, nil).
		Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ext.calls)
	assert.Equal(t, 1, sum.Chunks)
	assert.True(t, sum.DryRun)
}

func TestRunner_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jsonl", `{"user_id":"u1","role":"user","content":"one"}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ext := &fakeExtractor{}
	_, err := NewRunner(Config{Path: dir, Format: FormatTurns}, ext, nil).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ext.calls)
}
