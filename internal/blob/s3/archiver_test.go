package s3blob

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, body []byte, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = append([]byte(nil), body...)
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (m *memBlobs) lines(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Split(strings.TrimSpace(string(m.objects[path])), "\n")
}

type memAudit struct {
	entries []domain.AuditEntry
	deleted int
}

func (m *memAudit) ListRange(_ context.Context, since, before time.Time) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if !e.CreatedAt.Before(since) && e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memAudit) DeleteRange(_ context.Context, since, before time.Time) (int64, error) {
	var keep []domain.AuditEntry
	var n int64
	for _, e := range m.entries {
		if !e.CreatedAt.Before(since) && e.CreatedAt.Before(before) {
			n++
			continue
		}
		keep = append(keep, e)
	}
	m.entries = keep
	m.deleted += int(n)
	return n, nil
}

func entry(id int64, at time.Time) domain.AuditEntry {
	return domain.AuditEntry{ID: id, TradeID: "t-1", Event: "decision", Reason: "profit_target", CreatedAt: at}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestArchiveAudit_PartitionsByMonth(t *testing.T) {
	blobs := newMemBlobs()
	store := &memAudit{entries: []domain.AuditEntry{
		entry(1, time.Date(2026, 1, 30, 23, 0, 0, 0, time.UTC)),
		entry(2, time.Date(2026, 2, 1, 1, 0, 0, 0, time.UTC)),
		entry(3, time.Date(2026, 2, 3, 1, 0, 0, 0, time.UTC)),
		entry(4, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
	}}
	a := NewArchiver(blobs, store, ArchiverConfig{}, quietLogger())

	n, err := a.ArchiveAudit(context.Background(),
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Len(t, blobs.lines("archive/audit/2026-01.jsonl"), 1)
	assert.Len(t, blobs.lines("archive/audit/2026-02.jsonl"), 2)
	assert.NotContains(t, blobs.objects, "archive/audit/2026-03.jsonl")
	assert.Len(t, store.entries, 4, "rows kept unless deletion is enabled")
}

func TestArchiveAudit_MergesWithoutDuplicates(t *testing.T) {
	blobs := newMemBlobs()
	store := &memAudit{entries: []domain.AuditEntry{
		entry(1, time.Date(2026, 2, 1, 1, 0, 0, 0, time.UTC)),
		entry(2, time.Date(2026, 2, 2, 1, 0, 0, 0, time.UTC)),
	}}
	a := NewArchiver(blobs, store, ArchiverConfig{}, quietLogger())
	ctx := context.Background()
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := a.ArchiveAudit(ctx, since, time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = a.ArchiveAudit(ctx, since, time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	lines := blobs.lines("archive/audit/2026-02.jsonl")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":1`)
	assert.Contains(t, lines[1], `"id":2`)
}

func TestArchiveAudit_DeleteAfterUpload(t *testing.T) {
	blobs := newMemBlobs()
	store := &memAudit{entries: []domain.AuditEntry{
		entry(1, time.Date(2026, 2, 1, 1, 0, 0, 0, time.UTC)),
	}}
	a := NewArchiver(blobs, store, ArchiverConfig{DeleteAfterUpload: true}, quietLogger())

	_, err := a.ArchiveAudit(context.Background(),
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, store.deleted)
}

func TestArchiveAudit_UploadFailureKeepsRows(t *testing.T) {
	blobs := newMemBlobs()
	blobs.putErr = errors.New("bucket gone")
	store := &memAudit{entries: []domain.AuditEntry{
		entry(1, time.Date(2026, 2, 1, 1, 0, 0, 0, time.UTC)),
	}}
	a := NewArchiver(blobs, store, ArchiverConfig{DeleteAfterUpload: true}, quietLogger())

	_, err := a.ArchiveAudit(context.Background(),
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Zero(t, store.deleted)
	assert.Len(t, store.entries, 1)
}

func TestArchiveAudit_EmptyRange(t *testing.T) {
	a := NewArchiver(newMemBlobs(), &memAudit{}, ArchiverConfig{}, quietLogger())
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := a.ArchiveAudit(context.Background(), at, at)
	assert.Error(t, err)

	n, err := a.ArchiveAudit(context.Background(), at, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://e2.example.com", normaliseEndpoint("e2.example.com", false))
	assert.Equal(t, "http://x.example", normaliseEndpoint("http://x.example", true))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
}
