// Package store is the local projection of credential status. It trails the
// ledger and is never the source of truth.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/degree-anchor/anchor-api/metrics"
	"github.com/degree-anchor/anchor-api/models"
	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("fingerprint already recorded by another transaction")
)

var (
	// The delay between retries when the database is busy.
	// Values are taken from SQLite's default busy handler.
	dbTryDelayMs = []int{1, 2, 5, 10, 15, 20, 25, 25, 25, 50, 50, 100}
)

// Config contains the configuration for a Store.
type Config struct {
	DB      *sql.DB
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.MetricsRegistry
}

type Store struct {
	db    *sql.DB
	locks keyLock

	getAllStmt            *sql.Stmt
	getByFingerprintStmt  *sql.Stmt
	getByTxHashStmt       *sql.Stmt
	insertDegreeStmt      *sql.Stmt
	updateStatusStmt      *sql.Stmt
	addEventStmt          *sql.Stmt
	getEventsStmt         *sql.Stmt
	addPendingStmt        *sql.Stmt
	getPendingStmt        *sql.Stmt
	listPendingStmt       *sql.Stmt
	deletePendingStmt     *sql.Stmt
	pendingForFingerprint *sql.Stmt

	clock  clockwork.Clock
	logger *zap.Logger
	m      *metrics.MetricsRegistry
}

func New(config *Config) *Store {
	s := &Store{
		db:     config.DB,
		clock:  config.Clock,
		logger: config.Logger,
		m:      config.Metrics,
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.m == nil {
		s.m = metrics.NewMetricsRegistry("store", nil)
	}
	return s
}

func (s *Store) Init() error {
	if err := s.createTables(); err != nil {
		return err
	}
	return s.prepareStatements()
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS degrees (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			student_name TEXT NOT NULL,
			student_id TEXT NOT NULL,
			degree_hash TEXT NOT NULL UNIQUE,
			status TEXT CHECK (status IN ('Issued', 'Verified', 'Invalid')) NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			block_number INTEGER NOT NULL DEFAULT 0,
			issued_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS status_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			degree_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			observed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS status_events_degree_hash ON status_events (degree_hash);
		CREATE TABLE IF NOT EXISTS pending_issuances (
			tx_hash TEXT PRIMARY KEY,
			student_name TEXT NOT NULL,
			student_id TEXT NOT NULL,
			degree_hash TEXT NOT NULL,
			nonce INTEGER NOT NULL,
			issued_at INTEGER NOT NULL,
			submitted_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS pending_issuances_degree_hash ON pending_issuances (degree_hash);
	`)
	if err != nil {
		return err
	}

	return s.migrateTables()
}

// migrateTables brings a degrees table created before transaction tracking up
// to date. Existing rows keep their status and get zero values for the rest.
func (s *Store) migrateTables() error {
	columns := []struct {
		name string
		ddl  string
	}{
		{"tx_hash", `ALTER TABLE degrees ADD COLUMN tx_hash TEXT NOT NULL DEFAULT ''`},
		{"block_number", `ALTER TABLE degrees ADD COLUMN block_number INTEGER NOT NULL DEFAULT 0`},
		{"issued_at", `ALTER TABLE degrees ADD COLUMN issued_at INTEGER NOT NULL DEFAULT 0`},
		{"updated_at", `ALTER TABLE degrees ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0`},
	}

	for _, col := range columns {
		var c int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('degrees') WHERE name = ?;`, col.name).Scan(&c)
		if err != nil {
			return err
		}
		if c > 0 {
			continue
		}
		if _, err := s.db.Exec(col.ddl); err != nil {
			return fmt.Errorf("migrate degrees.%s: %w", col.name, err)
		}
		s.logger.Info("Migrated degrees table", zap.String("column", col.name))
	}
	return nil
}

const degreeColumns = `COALESCE(student_name, ''), COALESCE(student_id, ''), degree_hash,
	COALESCE(status, 'Issued'), tx_hash, block_number, issued_at, updated_at`

func (s *Store) prepareStatements() error {
	var err error

	if s.getAllStmt, err = s.db.Prepare(`
		SELECT ` + degreeColumns + ` FROM degrees ORDER BY id;
	`); err != nil {
		return err
	}

	if s.getByFingerprintStmt, err = s.db.Prepare(`
		SELECT ` + degreeColumns + ` FROM degrees WHERE degree_hash = ?;
	`); err != nil {
		return err
	}

	if s.getByTxHashStmt, err = s.db.Prepare(`
		SELECT ` + degreeColumns + ` FROM degrees WHERE tx_hash = ? AND tx_hash != '' LIMIT 1;
	`); err != nil {
		return err
	}

	if s.insertDegreeStmt, err = s.db.Prepare(`
		INSERT INTO degrees (student_name, student_id, degree_hash, status, tx_hash, block_number, issued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`); err != nil {
		return err
	}

	if s.updateStatusStmt, err = s.db.Prepare(`
		UPDATE degrees SET status = ?, updated_at = ? WHERE degree_hash = ?;
	`); err != nil {
		return err
	}

	if s.addEventStmt, err = s.db.Prepare(`
		INSERT INTO status_events (degree_hash, status, observed_at) VALUES (?, ?, ?);
	`); err != nil {
		return err
	}

	if s.getEventsStmt, err = s.db.Prepare(`
		SELECT degree_hash, status, observed_at FROM status_events WHERE degree_hash = ? ORDER BY id;
	`); err != nil {
		return err
	}

	if s.addPendingStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO pending_issuances (tx_hash, student_name, student_id, degree_hash, nonce, issued_at, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`); err != nil {
		return err
	}

	if s.getPendingStmt, err = s.db.Prepare(`
		SELECT tx_hash, student_name, student_id, degree_hash, nonce, issued_at, submitted_at
		FROM pending_issuances WHERE tx_hash = ?;
	`); err != nil {
		return err
	}

	if s.listPendingStmt, err = s.db.Prepare(`
		SELECT tx_hash, student_name, student_id, degree_hash, nonce, issued_at, submitted_at
		FROM pending_issuances ORDER BY submitted_at, nonce;
	`); err != nil {
		return err
	}

	if s.deletePendingStmt, err = s.db.Prepare(`
		DELETE FROM pending_issuances WHERE tx_hash = ?;
	`); err != nil {
		return err
	}

	if s.pendingForFingerprint, err = s.db.Prepare(`
		SELECT COUNT(*) FROM pending_issuances WHERE degree_hash = ?;
	`); err != nil {
		return err
	}

	return nil
}

func (s *Store) Deinit() {
	for _, stmt := range []**sql.Stmt{
		&s.getAllStmt,
		&s.getByFingerprintStmt,
		&s.getByTxHashStmt,
		&s.insertDegreeStmt,
		&s.updateStatusStmt,
		&s.addEventStmt,
		&s.getEventsStmt,
		&s.addPendingStmt,
		&s.getPendingStmt,
		&s.listPendingStmt,
		&s.deletePendingStmt,
		&s.pendingForFingerprint,
	} {
		if *stmt == nil {
			continue
		}
		(*stmt).Close()
		*stmt = nil
	}
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withRetry runs fn again while SQLite reports the database as busy or locked.
func (s *Store) withRetry(op string, fn func() error) error {
	var err error
	var try int
	for try = range dbTryDelayMs {
		if err = fn(); err == nil {
			return nil
		}

		var sqliteErr sqlite3.Error
		if !errors.As(err, &sqliteErr) {
			return err
		}
		if sqliteErr.Code != sqlite3.ErrLocked && sqliteErr.Code != sqlite3.ErrBusy {
			return err
		}

		sleepFor := dbTryDelayMs[try]
		s.logger.Warn("Database busy. Retrying",
			zap.String("op", op),
			zap.Int("try", try),
			zap.Int("retryMs", sleepFor),
			zap.Error(err),
		)
		s.m.Counter("busy_retry").Inc()
		s.clock.Sleep(time.Duration(sleepFor) * time.Millisecond)
	}

	s.logger.Warn("Database busy. Giving up.",
		zap.String("op", op),
		zap.Int("tries", try),
		zap.Error(err))
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.CredentialRecord, error) {
	var rec models.CredentialRecord
	var status string
	if err := row.Scan(
		&rec.StudentName,
		&rec.StudentID,
		&rec.Fingerprint,
		&status,
		&rec.TxHash,
		&rec.BlockNumber,
		&rec.IssuedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := models.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	rec.Status = parsed
	return &rec, nil
}

func scanPending(row scanner) (*models.PendingIssuance, error) {
	var p models.PendingIssuance
	if err := row.Scan(
		&p.TxHash,
		&p.StudentName,
		&p.StudentID,
		&p.Fingerprint,
		&p.Nonce,
		&p.IssuedAt,
		&p.SubmittedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
