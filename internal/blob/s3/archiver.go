package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// AuditRangeStore is the slice of the audit store the archiver needs.
type AuditRangeStore interface {
	ListRange(ctx context.Context, since, before time.Time) ([]domain.AuditEntry, error)
	DeleteRange(ctx context.Context, since, before time.Time) (int64, error)
}

// ArchiverConfig controls archiver behaviour.
type ArchiverConfig struct {
	// DeleteAfterUpload removes archived rows from the audit store once every
	// monthly file for the range has been written.
	DeleteAfterUpload bool
}

// AuditArchiver implements domain.Archiver. Rows are grouped by the month of
// their created_at and merged into archive/audit/YYYY-MM.jsonl, so repeated
// runs over overlapping ranges do not duplicate rows.
type AuditArchiver struct {
	blobs  domain.ObjectStore
	store  AuditRangeStore
	cfg    ArchiverConfig
	logger *slog.Logger
}

// NewArchiver creates an AuditArchiver.
func NewArchiver(blobs domain.ObjectStore, store AuditRangeStore, cfg ArchiverConfig, logger *slog.Logger) *AuditArchiver {
	return &AuditArchiver{
		blobs:  blobs,
		store:  store,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "audit_archiver")),
	}
}

// ArchiveAudit uploads audit rows in [since, before) and returns how many
// rows were archived.
func (a *AuditArchiver) ArchiveAudit(ctx context.Context, since, before time.Time) (int64, error) {
	if !before.After(since) {
		return 0, fmt.Errorf("s3blob: archive audit: empty range %s..%s", since.Format(time.RFC3339), before.Format(time.RFC3339))
	}

	entries, err := a.store.ListRange(ctx, since, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]domain.AuditEntry)
	for _, e := range entries {
		month := e.CreatedAt.UTC().Format("2006-01")
		byMonth[month] = append(byMonth[month], e)
	}
	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)

	for _, month := range months {
		path := archivePath("audit", month)
		if err := a.writeMonth(ctx, path, byMonth[month]); err != nil {
			return 0, err
		}
		a.logger.InfoContext(ctx, "audit archived",
			slog.String("path", path),
			slog.Int("rows", len(byMonth[month])),
		)
	}

	count := int64(len(entries))
	if a.cfg.DeleteAfterUpload {
		deleted, err := a.store.DeleteRange(ctx, since, before)
		if err != nil {
			return count, fmt.Errorf("s3blob: archive audit delete: %w", err)
		}
		a.logger.InfoContext(ctx, "archived audit rows deleted", slog.Int64("rows", deleted))
	}
	return count, nil
}

// writeMonth merges rows into the object at path, keeping existing rows and
// skipping any id already present.
func (a *AuditArchiver) writeMonth(ctx context.Context, path string, rows []domain.AuditEntry) error {
	existing, err := a.load(ctx, path)
	if err != nil {
		return err
	}

	seen := make(map[int64]struct{}, len(existing))
	for _, e := range existing {
		seen[e.ID] = struct{}{}
	}
	merged := existing
	for _, e := range rows {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		merged = append(merged, e)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})

	buf, err := marshalJSONL(merged)
	if err != nil {
		return fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}
	if err := a.blobs.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive audit upload: %w", err)
	}
	return nil
}

func (a *AuditArchiver) load(ctx context.Context, path string) ([]domain.AuditEntry, error) {
	body, err := a.blobs.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive audit: %w", err)
	}

	var out []domain.AuditEntry
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e domain.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("s3blob: decode %s: %w", path, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: read %s: %w", path, err)
	}
	return out, nil
}

// archivePath builds the object key for a monthly archive file.
//
//	archive/audit/2026-01.jsonl
func archivePath(kind, month string) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, month)
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*AuditArchiver)(nil)
