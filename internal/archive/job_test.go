package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingArchiver struct {
	since, before time.Time
	calls         int
	err           error
}

func (r *recordingArchiver) ArchiveAudit(_ context.Context, since, before time.Time) (int64, error) {
	r.calls++
	r.since, r.before = since, before
	return 12, r.err
}

func TestSchedule_Next(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 30, 20, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 1, 15, 10, 31, 0, 0, time.UTC)},
		{"0 3 1 * *", time.Date(2026, 2, 1, 3, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 1, 15, 10, 45, 0, 0, time.UTC)},
		{"0 9-17 * * *", time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC)},
		{"0 0 * * 0", time.Date(2026, 1, 18, 0, 0, 0, 0, time.UTC)},
		{"5,35 10 * * *", time.Date(2026, 1, 15, 10, 35, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := ParseCron(tt.expr)
			require.NoError(t, err)
			got, err := s.Next(base)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCron_Invalid(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "60 * * * *", "a * * * *", "*/0 * * * *", "5-1 * * * *"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestSchedule_NoMatch(t *testing.T) {
	s, err := ParseCron("0 0 31 2 *")
	require.NoError(t, err)
	_, err = s.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Error(t, err)
}

func TestJob_RunUsesRetentionCutoff(t *testing.T) {
	arch := &recordingArchiver{}
	j := NewJob(arch, 30, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	n, err := j.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.Equal(t, now.Add(-30*24*time.Hour), arch.before)
	assert.True(t, arch.since.Before(arch.before))
}

func TestJob_RunError(t *testing.T) {
	arch := &recordingArchiver{err: errors.New("s3 down")}
	j := NewJob(arch, 7, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := j.Run(context.Background())
	assert.ErrorContains(t, err, "s3 down")
}

func TestJob_RunCronStopsOnCancel(t *testing.T) {
	j := NewJob(&recordingArchiver{}, 7, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, j.RunCron(ctx, "0 3 1 * *"))
	assert.Error(t, j.RunCron(context.Background(), "bogus"))
}
