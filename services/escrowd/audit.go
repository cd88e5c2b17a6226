package escrowd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"workescrow/core/events"
	"workescrow/core/types"
	"workescrow/gateway/routes"
	"workescrow/observability"
)

// AuditRecord is a single journaled escrow event.
type AuditRecord = routes.AuditEvent

// AuditJournal persists every escrow event to SQLite, or to PostgreSQL when
// opened with a postgres:// DSN. It implements events.Emitter so it can be
// attached to the engine directly, and routes.AuditReader so the gateway can
// serve the history.
type AuditJournal struct {
	db      *sql.DB
	dialect auditDialect
	logger  *slog.Logger
	nowFn   func() time.Time
}

var (
	_ events.Emitter     = (*AuditJournal)(nil)
	_ routes.AuditReader = (*AuditJournal)(nil)
)

type auditDialect struct {
	driver string
	schema []string
	insert string
	query  string
}

var (
	sqliteDialect = auditDialect{
		driver: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS escrow_events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            contract_key TEXT NOT NULL,
            type TEXT NOT NULL,
            payload TEXT NOT NULL,
            recorded_at TIMESTAMP NOT NULL
        );`,
			`CREATE INDEX IF NOT EXISTS escrow_events_contract ON escrow_events(contract_key, sequence);`,
		},
		insert: `INSERT INTO escrow_events(contract_key, type, payload, recorded_at) VALUES (?, ?, ?, ?)`,
		query:  `SELECT sequence, type, payload, recorded_at FROM escrow_events WHERE contract_key = ? ORDER BY sequence ASC LIMIT ?`,
	}
	postgresDialect = auditDialect{
		driver: "pgx",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS escrow_events (
            sequence BIGSERIAL PRIMARY KEY,
            contract_key TEXT NOT NULL,
            type TEXT NOT NULL,
            payload JSONB NOT NULL,
            recorded_at TIMESTAMPTZ NOT NULL
        );`,
			`CREATE INDEX IF NOT EXISTS escrow_events_contract ON escrow_events(contract_key, sequence);`,
		},
		insert: `INSERT INTO escrow_events(contract_key, type, payload, recorded_at) VALUES ($1, $2, $3, $4)`,
		query:  `SELECT sequence, type, payload::text, recorded_at FROM escrow_events WHERE contract_key = $1 ORDER BY sequence ASC LIMIT $2`,
	}
)

func dialectFor(dsn string) auditDialect {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return postgresDialect
	}
	return sqliteDialect
}

// OpenAuditJournal opens or creates the journal database at dsn, which is
// either a SQLite file path or a PostgreSQL URL.
func OpenAuditJournal(dsn string, logger *slog.Logger) (*AuditJournal, error) {
	dialect := dialectFor(dsn)
	db, err := sql.Open(dialect.driver, dsn)
	if err != nil {
		return nil, err
	}
	if dialect.driver == sqliteDialect.driver {
		// Writers are serialised through a single connection.
		db.SetMaxOpenConns(1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	journal := &AuditJournal{db: db, dialect: dialect, logger: logger, nowFn: time.Now}
	if err := journal.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return journal, nil
}

func (j *AuditJournal) init() error {
	for _, stmt := range j.dialect.schema {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("init audit schema: %w", err)
		}
	}
	return nil
}

// Emit implements events.Emitter. Write failures are logged and counted; they
// never fail the escrow operation that produced the event.
func (j *AuditJournal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok || carrier.Event() == nil {
		return
	}
	if err := j.Record(context.Background(), carrier.Event()); err != nil {
		observability.Events().RecordFailure(evt.EventType())
		j.logger.Error("audit journal write failed",
			slog.String("component", "audit"),
			slog.String("type", evt.EventType()),
			slog.String("error", err.Error()))
		return
	}
	observability.Events().RecordJournaled(evt.EventType())
}

// Record appends evt to the journal.
func (j *AuditJournal) Record(ctx context.Context, evt *types.Event) error {
	payload, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, j.dialect.insert,
		evt.Attributes["key"], evt.Type, string(payload), j.nowFn().UTC())
	return err
}

// ContractEvents returns the journaled events of a contract in emission
// order. keyHex is the hex encoded contract key.
func (j *AuditJournal) ContractEvents(ctx context.Context, keyHex string, limit int) ([]AuditRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := j.db.QueryContext(ctx, j.dialect.query, keyHex, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AuditRecord, 0)
	for rows.Next() {
		var (
			rec     AuditRecord
			payload string
		)
		if err := rows.Scan(&rec.Sequence, &rec.Type, &payload, &rec.RecordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("decode audit payload %d: %w", rec.Sequence, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (j *AuditJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
