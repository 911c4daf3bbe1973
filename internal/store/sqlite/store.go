package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"stackyard/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	target_label TEXT NOT NULL DEFAULT '',
	target_x INTEGER NOT NULL DEFAULT 0,
	target_z INTEGER NOT NULL DEFAULT 0,
	items TEXT NOT NULL,
	status TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_batch ON orders(batch_id);
CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_order ON decision_log(order_id, created_at);

CREATE TABLE IF NOT EXISTS cargo_snapshot (
	id INTEGER PRIMARY KEY,
	product_name TEXT NOT NULL,
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	z INTEGER NOT NULL,
	located INTEGER NOT NULL,
	world_x REAL NOT NULL,
	world_y REAL NOT NULL,
	world_z REAL NOT NULL,
	saved_at INTEGER NOT NULL
);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.OrderRecord) error {
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = now
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusQueued
	}
	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("encode order items: %w", err)
	}
	if order.Items == nil {
		items = []byte("[]")
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO orders(
			id, batch_id, agent_id, target_label, target_x, target_z,
			items, status, last_error, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.BatchID, order.AgentID, order.Target.Label, order.Target.Cell.X, order.Target.Cell.Z,
		string(items), string(order.Status), order.LastError,
		order.CreatedAt.Unix(), order.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

const orderColumns = `id, batch_id, agent_id, target_label, target_x, target_z,
	items, status, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.OrderRecord, error) {
	var o domain.OrderRecord
	var items, status string
	var created, updated int64
	if err := row.Scan(
		&o.ID, &o.BatchID, &o.AgentID, &o.Target.Label, &o.Target.Cell.X, &o.Target.Cell.Z,
		&items, &status, &o.LastError, &created, &updated,
	); err != nil {
		return domain.OrderRecord{}, err
	}
	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return domain.OrderRecord{}, fmt.Errorf("decode order items: %w", err)
	}
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = unixToTime(created)
	o.UpdatedAt = unixToTime(updated)
	return o, nil
}

// GetOrder wraps sql.ErrNoRows when the order does not exist.
func (s *Store) GetOrder(ctx context.Context, orderID string) (domain.OrderRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID)
	o, err := scanOrder(row)
	if err != nil {
		return domain.OrderRecord{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (s *Store) ListOrders(ctx context.Context, limit int) ([]domain.OrderRecord, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	result := make([]domain.OrderRecord, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return result, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, lastError string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE orders SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC().Unix(), orderID,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update order status %s: %w", orderID, sql.ErrNoRows)
	}
	return nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(order_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.OrderID, entry.Actor, entry.Action, entry.Reason, payload, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListOrderDecisions(ctx context.Context, orderID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, order_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE order_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		orderID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list order decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.OrderID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

// SaveCargoSnapshot replaces the stored layout with boxes. Carried boxes are
// saved unlocated at their last world position.
func (s *Store) SaveCargoSnapshot(ctx context.Context, boxes []domain.CargoBox) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save cargo: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cargo_snapshot`); err != nil {
		return fmt.Errorf("clear cargo snapshot: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cargo_snapshot(
		id, product_name, x, y, z, located, world_x, world_y, world_z, saved_at
	) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare cargo insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Unix()
	for _, box := range boxes {
		located := 0
		if box.Located && !box.IsPicked {
			located = 1
		}
		if _, err := stmt.ExecContext(ctx,
			box.ID, box.ProductName, box.Coord.X, box.Coord.Y, box.Coord.Z, located,
			box.World.X, box.World.Y, box.World.Z, now,
		); err != nil {
			return fmt.Errorf("insert cargo %d: %w", box.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cargo snapshot: %w", err)
	}
	return nil
}

// LoadCargoSnapshot returns the saved boxes ordered by id; empty when nothing
// has been saved.
func (s *Store) LoadCargoSnapshot(ctx context.Context) ([]domain.CargoBox, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, product_name, x, y, z, located, world_x, world_y, world_z
		FROM cargo_snapshot ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("load cargo snapshot: %w", err)
	}
	defer rows.Close()

	result := make([]domain.CargoBox, 0)
	for rows.Next() {
		var box domain.CargoBox
		var located int
		if err := rows.Scan(
			&box.ID, &box.ProductName, &box.Coord.X, &box.Coord.Y, &box.Coord.Z, &located,
			&box.World.X, &box.World.Y, &box.World.Z,
		); err != nil {
			return nil, fmt.Errorf("scan cargo: %w", err)
		}
		box.Located = located == 1
		result = append(result, box)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cargo: %w", err)
	}
	return result, nil
}

func (s *Store) ClearCargoSnapshot(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cargo_snapshot`); err != nil {
		return fmt.Errorf("clear cargo snapshot: %w", err)
	}
	return nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
