package audit

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/attendance"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
)

func newTestLogger(t *testing.T, maxRecords int) *DecisionLogger {
	t.Helper()
	dl, err := NewDecisionLogger(logx.NewNopLogger(), maxRecords, filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dl.Close() })
	return dl
}

func report(subject string, success bool, at time.Time) attendance.Report {
	r := attendance.Report{
		SubjectID:       subject,
		Endpoint:        "checkin",
		RequestedMethod: pkg.MethodGPS,
		SubmittedMethod: pkg.MethodGPS,
		Accuracy:        pkg.Float(35),
		Success:         success,
		Attempts:        1,
		IdempotencyKey:  "k-" + subject,
		StartedAt:       at,
		Duration:        1500 * time.Millisecond,
	}
	if !success {
		r.Class = attendance.ClassTerminal
		r.StatusCode = 401
		r.UserMessage = attendance.MsgSessionExpired
		r.ServerMessage = "jwt expired"
	}
	return r
}

func TestDecisionLoggerRecordsReports(t *testing.T) {
	dl := newTestLogger(t, 100)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	downgraded := report("u1", true, base)
	downgraded.SubmittedMethod = pkg.MethodIP
	downgraded.Downgraded = true
	downgraded.Accuracy = pkg.Float(1000)
	dl.SubmissionFinished(ctx, downgraded)
	dl.SubmissionFinished(ctx, report("u2", false, base.Add(time.Minute)))

	records, err := dl.GetRecentDecisions(ctx, base.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, "u1", first.SubjectID)
	assert.Equal(t, pkg.MethodGPS, first.RequestedMethod)
	assert.Equal(t, pkg.MethodIP, first.SubmittedMethod)
	assert.True(t, first.Downgraded)
	assert.Equal(t, 1000.0, *first.Accuracy)
	assert.True(t, first.Timestamp.Equal(base))
	assert.Equal(t, 1500*time.Millisecond, first.ExecutionTime)

	second := records[1]
	assert.False(t, second.Success)
	assert.Equal(t, 401, second.StatusCode)
	assert.Equal(t, attendance.MsgSessionExpired, second.UserMessage)
	assert.Equal(t, "terminal", second.Class)
}

func TestDecisionLoggerTrimsToMaxRecords(t *testing.T) {
	dl := newTestLogger(t, 3)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		dl.SubmissionFinished(ctx, report("u1", true, base.Add(time.Duration(i)*time.Minute)))
	}

	records, err := dl.GetDecisionsBySubject(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.True(t, records[0].Timestamp.Equal(base.Add(2*time.Minute)))
}

func TestDecisionLoggerStats(t *testing.T) {
	dl := newTestLogger(t, 100)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	dl.SubmissionFinished(ctx, report("old", true, base.Add(-2*time.Hour)))
	dl.SubmissionFinished(ctx, report("u1", true, base))
	failed := report("u2", false, base.Add(time.Minute))
	failed.Attempts = 3
	dl.SubmissionFinished(ctx, failed)

	stats, err := dl.GetDecisionStats(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalDecisions)
	assert.Equal(t, 1, stats.SuccessfulDecisions)
	assert.Equal(t, 1, stats.FailedDecisions)
	assert.Equal(t, 2.0, stats.AverageAttempts)
	assert.Equal(t, 2, stats.Endpoints["checkin"])
	assert.Equal(t, 1, stats.UserMessages[attendance.MsgSessionExpired])
}

func TestDecisionLoggerDisabled(t *testing.T) {
	dl := newTestLogger(t, 100)
	dl.SetEnabled(false)
	dl.SubmissionFinished(context.Background(), report("u1", true, time.Now()))

	records, err := dl.GetRecentDecisions(context.Background(), time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDecisionLoggerExportCSV(t *testing.T) {
	dl := newTestLogger(t, 100)
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	dl.SubmissionFinished(context.Background(), report("u1", true, base))

	var buf bytes.Buffer
	require.NoError(t, dl.ExportCSV(context.Background(), &buf, base.Add(-time.Minute)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "timestamp,subject_id"))
	assert.Equal(t, "2026-03-02T08:00:00Z,u1,checkin,gps,gps,false,true,0,1,,1.5s", lines[1])
}
