// Package audit keeps a persistent trail of attendance submission
// decisions: which method was requested and sent, whether a downgrade
// happened, how many attempts it took and what the user was told.
package audit

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/attendance"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
)

// DecisionRecord is one finished submission
type DecisionRecord struct {
	ID              int64                `json:"id"`
	Timestamp       time.Time            `json:"timestamp"`
	SubjectID       string               `json:"subject_id"`
	Endpoint        string               `json:"endpoint"`
	RequestedMethod pkg.AttendanceMethod `json:"requested_method"`
	SubmittedMethod pkg.AttendanceMethod `json:"submitted_method"`
	Downgraded      bool                 `json:"downgraded"`
	Accuracy        *float64             `json:"accuracy,omitempty"`
	Success         bool                 `json:"success"`
	Class           string               `json:"class,omitempty"`
	StatusCode      int                  `json:"status_code,omitempty"`
	UserMessage     string               `json:"user_message,omitempty"`
	ServerMessage   string               `json:"server_message,omitempty"`
	Attempts        int                  `json:"attempts"`
	IdempotencyKey  string               `json:"idempotency_key"`
	ExecutionTime   time.Duration        `json:"execution_time"`
}

// DecisionStats aggregates decisions over a window
type DecisionStats struct {
	TotalDecisions       int            `json:"total_decisions"`
	SuccessfulDecisions  int            `json:"successful_decisions"`
	FailedDecisions      int            `json:"failed_decisions"`
	Downgrades           int            `json:"downgrades"`
	AverageAttempts      float64        `json:"average_attempts"`
	AverageExecutionTime time.Duration  `json:"average_execution_time"`
	Endpoints            map[string]int `json:"endpoints"`
	UserMessages         map[string]int `json:"user_messages"`
}

// DecisionLogger stores decisions in SQLite and implements
// attendance.Observer
type DecisionLogger struct {
	logger     *logx.Logger
	db         *sql.DB
	mu         sync.Mutex
	maxRecords int
	enabled    bool
}

// NewDecisionLogger opens or creates the audit database at dbPath
func NewDecisionLogger(logger *logx.Logger, maxRecords int, dbPath string) (*DecisionLogger, error) {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	if dbPath == "" {
		dbPath = "/var/lib/fieldclock/audit.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)

	dl := &DecisionLogger{
		logger:     logger,
		db:         db,
		maxRecords: maxRecords,
		enabled:    true,
	}
	if err := dl.initializeDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit database: %w", err)
	}

	logger.Info("audit_database_initialized", "database_path", dbPath, "max_records", maxRecords)
	return dl, nil
}

func (dl *DecisionLogger) initializeDatabase() error {
	_, err := dl.db.Exec(`
	CREATE TABLE IF NOT EXISTS submission_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_ns INTEGER NOT NULL,
		subject_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		requested_method TEXT NOT NULL,
		submitted_method TEXT NOT NULL,
		downgraded BOOLEAN NOT NULL DEFAULT FALSE,
		accuracy REAL,
		success BOOLEAN NOT NULL,
		class TEXT,
		status_code INTEGER,
		user_message TEXT,
		server_message TEXT,
		attempts INTEGER NOT NULL,
		idempotency_key TEXT,
		execution_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_submission_decisions_timestamp ON submission_decisions(timestamp_ns);
	CREATE INDEX IF NOT EXISTS idx_submission_decisions_subject ON submission_decisions(subject_id);
	`)
	return err
}

// SetEnabled toggles recording without closing the database
func (dl *DecisionLogger) SetEnabled(enabled bool) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.enabled = enabled
}

// SubmissionFinished records the report; storage errors are logged
func (dl *DecisionLogger) SubmissionFinished(ctx context.Context, report attendance.Report) {
	record := &DecisionRecord{
		Timestamp:       report.StartedAt,
		SubjectID:       report.SubjectID,
		Endpoint:        report.Endpoint,
		RequestedMethod: report.RequestedMethod,
		SubmittedMethod: report.SubmittedMethod,
		Downgraded:      report.Downgraded,
		Accuracy:        report.Accuracy,
		Success:         report.Success,
		Class:           string(report.Class),
		StatusCode:      report.StatusCode,
		UserMessage:     report.UserMessage,
		ServerMessage:   report.ServerMessage,
		Attempts:        report.Attempts,
		IdempotencyKey:  report.IdempotencyKey,
		ExecutionTime:   report.Duration,
	}
	if err := dl.LogDecision(ctx, record); err != nil {
		dl.logger.Error("Failed to record submission decision", "error", err, "subject", report.SubjectID)
	}
}

// LogDecision inserts a record and trims the table to maxRecords
func (dl *DecisionLogger) LogDecision(ctx context.Context, record *DecisionRecord) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if !dl.enabled {
		return nil
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	var accuracy interface{}
	if record.Accuracy != nil {
		accuracy = *record.Accuracy
	}

	result, err := dl.db.ExecContext(ctx, `
	INSERT INTO submission_decisions (
		timestamp_ns, subject_id, endpoint, requested_method, submitted_method,
		downgraded, accuracy, success, class, status_code,
		user_message, server_message, attempts, idempotency_key, execution_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Timestamp.UnixNano(), record.SubjectID, record.Endpoint,
		string(record.RequestedMethod), string(record.SubmittedMethod),
		record.Downgraded, accuracy, record.Success, record.Class, record.StatusCode,
		record.UserMessage, record.ServerMessage, record.Attempts, record.IdempotencyKey,
		record.ExecutionTime.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		record.ID = id
	}

	if _, err := dl.db.ExecContext(ctx, `
	DELETE FROM submission_decisions WHERE id NOT IN (
		SELECT id FROM submission_decisions ORDER BY id DESC LIMIT ?
	)`, dl.maxRecords); err != nil {
		dl.logger.Warn("Failed to trim audit table", "error", err)
	}

	dl.logger.Info("Decision recorded",
		"decision_id", record.ID,
		"subject", record.SubjectID,
		"endpoint", record.Endpoint,
		"submitted_method", record.SubmittedMethod,
		"success", record.Success,
		"attempts", record.Attempts,
	)
	return nil
}

const selectColumns = `id, timestamp_ns, subject_id, endpoint, requested_method, submitted_method,
	downgraded, accuracy, success, class, status_code, user_message, server_message,
	attempts, idempotency_key, execution_ms`

func scanRecord(rows *sql.Rows) (*DecisionRecord, error) {
	var (
		r          DecisionRecord
		ts         int64
		accuracy   sql.NullFloat64
		class      sql.NullString
		status     sql.NullInt64
		userMsg    sql.NullString
		serverMsg  sql.NullString
		key        sql.NullString
		executionM int64
		requested  string
		submitted  string
	)
	if err := rows.Scan(&r.ID, &ts, &r.SubjectID, &r.Endpoint, &requested, &submitted,
		&r.Downgraded, &accuracy, &r.Success, &class, &status, &userMsg, &serverMsg,
		&r.Attempts, &key, &executionM); err != nil {
		return nil, err
	}
	r.Timestamp = time.Unix(0, ts)
	r.RequestedMethod = pkg.AttendanceMethod(requested)
	r.SubmittedMethod = pkg.AttendanceMethod(submitted)
	if accuracy.Valid {
		r.Accuracy = pkg.Float(accuracy.Float64)
	}
	r.Class = class.String
	r.StatusCode = int(status.Int64)
	r.UserMessage = userMsg.String
	r.ServerMessage = serverMsg.String
	r.IdempotencyKey = key.String
	r.ExecutionTime = time.Duration(executionM) * time.Millisecond
	return &r, nil
}

// sinceNanos bounds times outside the int64 nanosecond range
func sinceNanos(t time.Time) int64 {
	if t.Year() < 1700 {
		return math.MinInt64
	}
	return t.UnixNano()
}

// GetRecentDecisions returns decisions after since, oldest first
func (dl *DecisionLogger) GetRecentDecisions(ctx context.Context, since time.Time, limit int) ([]*DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := dl.db.QueryContext(ctx, `SELECT * FROM (
		SELECT `+selectColumns+` FROM submission_decisions
		WHERE timestamp_ns > ? ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`, sinceNanos(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var records []*DecisionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetDecisionsBySubject returns a subject's most recent decisions, oldest first
func (dl *DecisionLogger) GetDecisionsBySubject(ctx context.Context, subjectID string, limit int) ([]*DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := dl.db.QueryContext(ctx, `SELECT * FROM (
		SELECT `+selectColumns+` FROM submission_decisions
		WHERE subject_id = ? ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var records []*DecisionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetDecisionStats aggregates decisions after since
func (dl *DecisionLogger) GetDecisionStats(ctx context.Context, since time.Time) (*DecisionStats, error) {
	records, err := dl.GetRecentDecisions(ctx, since, dl.maxRecords)
	if err != nil {
		return nil, err
	}

	stats := &DecisionStats{
		Endpoints:    make(map[string]int),
		UserMessages: make(map[string]int),
	}
	var totalAttempts int
	var totalExecution time.Duration
	for _, r := range records {
		stats.TotalDecisions++
		if r.Success {
			stats.SuccessfulDecisions++
		} else {
			stats.FailedDecisions++
			stats.UserMessages[r.UserMessage]++
		}
		if r.Downgraded {
			stats.Downgrades++
		}
		stats.Endpoints[r.Endpoint]++
		totalAttempts += r.Attempts
		totalExecution += r.ExecutionTime
	}

	if stats.TotalDecisions > 0 {
		stats.AverageAttempts = float64(totalAttempts) / float64(stats.TotalDecisions)
		stats.AverageExecutionTime = totalExecution / time.Duration(stats.TotalDecisions)
	}
	return stats, nil
}

// ExportCSV writes the decisions after since as CSV with a header row
func (dl *DecisionLogger) ExportCSV(ctx context.Context, w io.Writer, since time.Time) error {
	records, err := dl.GetRecentDecisions(ctx, since, dl.maxRecords)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write([]string{
		"timestamp", "subject_id", "endpoint", "requested_method", "submitted_method",
		"downgraded", "success", "status_code", "attempts", "user_message", "execution_time",
	}); err != nil {
		return err
	}
	for _, r := range records {
		if err := writer.Write([]string{
			r.Timestamp.UTC().Format(time.RFC3339),
			r.SubjectID,
			r.Endpoint,
			string(r.RequestedMethod),
			string(r.SubmittedMethod),
			strconv.FormatBool(r.Downgraded),
			strconv.FormatBool(r.Success),
			strconv.Itoa(r.StatusCode),
			strconv.Itoa(r.Attempts),
			r.UserMessage,
			r.ExecutionTime.String(),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// Close closes the database
func (dl *DecisionLogger) Close() error {
	return dl.db.Close()
}
