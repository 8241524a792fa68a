package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/odgrim/abathur-swarm-sub017/internal/task"
	_ "modernc.org/sqlite"
)

// AuditEntry is one row of the append-only status-transition trail.
type AuditEntry struct {
	TaskID    string
	From      task.Status
	To        task.Status
	Detail    string
	Timestamp time.Time
}

// ListFilter narrows ListTasks. Zero values mean "no constraint".
type ListFilter struct {
	Status   task.Status
	Branch   string
	ParentID string
}

// Store defines the persistence surface the queue service and orchestrator
// depend on. All multi-row mutations are atomic.
type Store interface {
	// Task lifecycle
	InsertTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	ListTasks(ctx context.Context, f ListFilter) ([]*task.Task, error)
	Transition(ctx context.Context, t *task.Task, from, to task.Status, detail string) error
	ClaimNext(ctx context.Context, now time.Time) (*task.Task, error)
	Complete(ctx context.Context, taskID, result string, at time.Time) (promoted []string, err error)
	CancelCascade(ctx context.Context, taskIDs []string, at time.Time) (cancelled []string, err error)
	SetComputedPriority(ctx context.Context, taskID string, score float64) error

	// Graph
	LoadEdges(ctx context.Context) ([]task.Edge, error)
	UnmetPrerequisites(ctx context.Context, taskID string) (int, error)

	// Observability
	GetAudit(ctx context.Context, taskID string) ([]AuditEntry, error)
	CountByStatus(ctx context.Context) (map[task.Status]int, error)

	// Orchestrator runs
	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	FinalizeRun(ctx context.Context, runID string, completed, failed int, finishedAt time.Time) error
	RecoverRunning(ctx context.Context) (int, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys,
// and a busy timeout so readers never block on writer I/O.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, "file::memory:?mode=memory&cache=shared")
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite needs foreign keys enabled via PRAGMA, not the
	// connection string.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One writer plus one reader connection.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// begin starts a write transaction. Serializable isolation maps to BEGIN
// IMMEDIATE under SQLite, which is what serializes concurrent claimers.
func (s *SQLiteStore) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}
