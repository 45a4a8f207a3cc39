package alerting

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS alert_rules (
	id   TEXT PRIMARY KEY,
	body TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS alert_destinations (
	id   TEXT PRIMARY KEY,
	body TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS alerts (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	triggered_at TEXT NOT NULL,
	body         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_triggered_at ON alerts (triggered_at);
`

// SQLiteStore keeps alerting state in an embedded SQLite file. Records are stored as JSON
// bodies keyed by id; alert status and trigger time are also columns for filtering.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite %s: %w", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveRule(ctx context.Context, rule models.AlertRule) error {
	return s.upsert(ctx, "alert_rules", rule.ID, rule)
}

func (s *SQLiteStore) GetRule(ctx context.Context, id string) (models.AlertRule, error) {
	var rule models.AlertRule
	err := s.get(ctx, "alert_rules", id, &rule)
	if errors.Is(err, sql.ErrNoRows) {
		return rule, utils.NotFound("get_rule", "alert rule", id)
	}
	return rule, err
}

func (s *SQLiteStore) ListRules(ctx context.Context) ([]models.AlertRule, error) {
	var out []models.AlertRule
	err := s.list(ctx, `SELECT body FROM alert_rules ORDER BY id`, nil, func(body []byte) error {
		var rule models.AlertRule
		if err := json.Unmarshal(body, &rule); err != nil {
			return err
		}
		out = append(out, rule)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, id string) error {
	return s.delete(ctx, "alert_rules", "delete_rule", "alert rule", id)
}

func (s *SQLiteStore) SaveDestination(ctx context.Context, dest models.AlertDestination) error {
	return s.upsert(ctx, "alert_destinations", dest.ID, dest)
}

func (s *SQLiteStore) GetDestination(ctx context.Context, id string) (models.AlertDestination, error) {
	var dest models.AlertDestination
	err := s.get(ctx, "alert_destinations", id, &dest)
	if errors.Is(err, sql.ErrNoRows) {
		return dest, utils.NotFound("get_destination", "alert destination", id)
	}
	return dest, err
}

func (s *SQLiteStore) ListDestinations(ctx context.Context) ([]models.AlertDestination, error) {
	var out []models.AlertDestination
	err := s.list(ctx, `SELECT body FROM alert_destinations ORDER BY id`, nil, func(body []byte) error {
		var dest models.AlertDestination
		if err := json.Unmarshal(body, &dest); err != nil {
			return err
		}
		out = append(out, dest)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) DeleteDestination(ctx context.Context, id string) error {
	return s.delete(ctx, "alert_destinations", "delete_destination", "alert destination", id)
}

func (s *SQLiteStore) SaveAlert(ctx context.Context, alert models.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", alert.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO alerts (id, status, triggered_at, body) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, triggered_at = excluded.triggered_at, body = excluded.body`,
		alert.ID, string(alert.Status), utils.FormatTimestamp(alert.TriggeredAt), string(body))
	if err != nil {
		return fmt.Errorf("save alert %s: %w", alert.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (models.Alert, error) {
	var alert models.Alert
	err := s.get(ctx, "alerts", id, &alert)
	if errors.Is(err, sql.ErrNoRows) {
		return alert, utils.NotFound("get_alert", "alert", id)
	}
	return alert, err
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT body FROM alerts WHERE (? = '' OR status = ?) ORDER BY triggered_at DESC, id DESC LIMIT ?`
	var out []models.Alert
	err := s.list(ctx, query, []any{string(status), string(status), limit}, func(body []byte) error {
		var alert models.Alert
		if err := json.Unmarshal(body, &alert); err != nil {
			return err
		}
		out = append(out, alert)
		return nil
	})
	if out == nil {
		out = []models.Alert{}
	}
	return out, err
}

// table names below are package constants, never caller input.

func (s *SQLiteStore) upsert(ctx context.Context, table, id string, record any) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", table, id, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO `+table+` (id, body) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body`, id, string(body))
	if err != nil {
		return fmt.Errorf("save %s %s: %w", table, id, err)
	}
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, table, id string, out any) error {
	var body string
	if err := s.db.QueryRowContext(ctx, `SELECT body FROM `+table+` WHERE id = ?`, id).Scan(&body); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("decode %s %s: %w", table, id, err)
	}
	return nil
}

func (s *SQLiteStore) list(ctx context.Context, query string, args []any, each func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return err
		}
		if err := each([]byte(body)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) delete(ctx context.Context, table, op, kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return utils.NotFound(op, kind, id)
	}
	return nil
}
