package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStaleStatus is returned when a conditional status write matched no row.
	ErrStaleStatus = errors.New("status already terminal")
)

// ----------------------------------------
// Bots
// ----------------------------------------

// CreateBot inserts a new bot row.
func (d *Database) CreateBot(ctx context.Context, b Bot) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO bots (
			id, user_id, name, strategy, symbol, mode, state, venue, params,
			max_position_size, per_trade_risk, stop_loss, take_profit,
			max_daily_loss, max_trades_per_minute
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.UserID, b.Name, b.Strategy, b.Symbol, b.Mode, b.State, b.Venue, b.Params,
		b.MaxPositionSize, b.PerTradeRisk, b.StopLoss, b.TakeProfit,
		b.MaxDailyLoss, b.MaxTradesPerMinute,
	)
	return err
}

// GetBot returns a bot by id (soft-deleted bots excluded).
func (d *Database) GetBot(ctx context.Context, id string) (*Bot, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, name, strategy, symbol, mode, state, venue, COALESCE(params, ''),
		       max_position_size, per_trade_risk, stop_loss, take_profit,
		       max_daily_loss, max_trades_per_minute, created_at, updated_at
		FROM bots
		WHERE id = ? AND deleted_at IS NULL
	`, id)

	var b Bot
	err := row.Scan(
		&b.ID, &b.UserID, &b.Name, &b.Strategy, &b.Symbol, &b.Mode, &b.State, &b.Venue, &b.Params,
		&b.MaxPositionSize, &b.PerTradeRisk, &b.StopLoss, &b.TakeProfit,
		&b.MaxDailyLoss, &b.MaxTradesPerMinute, &b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bot: %w", err)
	}
	return &b, nil
}

// ListBots returns all non-deleted bots.
func (d *Database) ListBots(ctx context.Context) ([]Bot, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, name, strategy, symbol, mode, state, venue, COALESCE(params, ''),
		       max_position_size, per_trade_risk, stop_loss, take_profit,
		       max_daily_loss, max_trades_per_minute, created_at, updated_at
		FROM bots
		WHERE deleted_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var bots []Bot
	for rows.Next() {
		var b Bot
		if err := rows.Scan(
			&b.ID, &b.UserID, &b.Name, &b.Strategy, &b.Symbol, &b.Mode, &b.State, &b.Venue, &b.Params,
			&b.MaxPositionSize, &b.PerTradeRisk, &b.StopLoss, &b.TakeProfit,
			&b.MaxDailyLoss, &b.MaxTradesPerMinute, &b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// UpdateBotState sets the lifecycle state of a bot.
func (d *Database) UpdateBotState(ctx context.Context, id, state string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE bots SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, state, id)
	return err
}

// SoftDeleteBot marks a bot deleted without destroying its history.
func (d *Database) SoftDeleteBot(ctx context.Context, id string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE bots SET deleted_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted_at IS NULL
	`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Intents, orders, trades, positions
// ----------------------------------------

// CreateTradeIntent records a submitted intent.
func (d *Database) CreateTradeIntent(ctx context.Context, t TradeIntent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trade_intents (id, bot_id, symbol, side, type, qty, limit_price, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, t.ID, t.BotID, t.Symbol, t.Side, t.Type, t.Qty, t.LimitPrice, t.IdempotencyKey, t.CreatedAt)
	return err
}

// GetTradeIntentByKey returns the intent submitted under an idempotency key.
func (d *Database) GetTradeIntentByKey(ctx context.Context, key string) (*TradeIntent, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, bot_id, symbol, side, type, qty, limit_price, idempotency_key, created_at
		FROM trade_intents WHERE idempotency_key = ?
	`, key)

	var t TradeIntent
	err := row.Scan(&t.ID, &t.BotID, &t.Symbol, &t.Side, &t.Type, &t.Qty, &t.LimitPrice, &t.IdempotencyKey, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade intent by key: %w", err)
	}
	return &t, nil
}

// RecordExecution inserts an order and its fill in one transaction, so a
// failure between the two writes cannot leave an order without its trade.
func (d *Database) RecordExecution(ctx context.Context, o Order, t Trade) error {
	return d.Tx(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, bot_id, exchange_order_id, symbol, side, price, qty, filled_qty, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
		`, o.ID, o.BotID, o.ExchangeOrderID, o.Symbol, o.Side, o.Price, o.Qty, o.FilledQty, o.Status, o.CreatedAt); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trades (id, order_id, bot_id, symbol, side, price, qty, fee, pnl, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
		`, t.ID, t.OrderID, t.BotID, t.Symbol, t.Side, t.Price, t.Qty, t.Fee, t.PnL, t.CreatedAt); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		return nil
	})
}

// UpsertPosition stores the latest position for a bot/symbol pair.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (bot_id, symbol, qty, avg_price, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(bot_id, symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			updated_at = CURRENT_TIMESTAMP
	`, p.BotID, p.Symbol, p.Qty, p.AvgPrice)
	return err
}

// ListPositions returns all stored positions.
func (d *Database) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT bot_id, symbol, qty, avg_price, updated_at FROM positions
	`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.BotID, &p.Symbol, &p.Qty, &p.AvgPrice, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Idempotency keys
// ----------------------------------------

// InsertIdempotencyKey atomically inserts an IN_PROGRESS record if the key is
// absent. Returns true when this call created the record.
func (d *Database) InsertIdempotencyKey(ctx context.Context, k IdempotencyKey) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, bot_id, status, result, reason, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, k.Key, k.BotID, k.Status, k.Result, k.Reason, k.CreatedAt, k.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("insert idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetIdempotencyKey returns the record for a key.
func (d *Database) GetIdempotencyKey(ctx context.Context, key string) (*IdempotencyKey, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT key, bot_id, status, result, reason, created_at, expires_at
		FROM idempotency_keys WHERE key = ?
	`, key)

	var k IdempotencyKey
	err := row.Scan(&k.Key, &k.BotID, &k.Status, &k.Result, &k.Reason, &k.CreatedAt, &k.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return &k, nil
}

// FinishIdempotencyKey transitions IN_PROGRESS to a terminal status. The write
// is conditional on the current status so two racing finishers cannot both
// win; the loser gets ErrStaleStatus and must read back the stored value.
func (d *Database) FinishIdempotencyKey(ctx context.Context, key, status, result, reason string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = ?, result = ?, reason = ?
		WHERE key = ? AND status = 'IN_PROGRESS'
	`, status, result, reason, key)
	if err != nil {
		return fmt.Errorf("finish idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleStatus
	}
	return nil
}

// DeleteExpiredIdempotencyKeys removes records past their expiry.
func (d *Database) DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE expires_at <= ?
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return res.RowsAffected()
}

// ListStaleInProgressKeys returns IN_PROGRESS records created before the cutoff.
// These represent attempts interrupted mid-flight (e.g. by a crash).
func (d *Database) ListStaleInProgressKeys(ctx context.Context, cutoff time.Time) ([]IdempotencyKey, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT key, bot_id, status, result, reason, created_at, expires_at
		FROM idempotency_keys
		WHERE status = 'IN_PROGRESS' AND created_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale keys: %w", err)
	}
	defer rows.Close()

	var out []IdempotencyKey
	for rows.Next() {
		var k IdempotencyKey
		if err := rows.Scan(&k.Key, &k.BotID, &k.Status, &k.Result, &k.Reason, &k.CreatedAt, &k.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan stale key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Risk limits & breaker states
// ----------------------------------------

// UpsertRiskLimit stores limits for a scope ("*" global or a bot id).
func (d *Database) UpsertRiskLimit(ctx context.Context, l RiskLimit) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_limits (scope, max_position_size, max_daily_loss, max_trades_per_minute, max_slippage, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(scope) DO UPDATE SET
			max_position_size = excluded.max_position_size,
			max_daily_loss = excluded.max_daily_loss,
			max_trades_per_minute = excluded.max_trades_per_minute,
			max_slippage = excluded.max_slippage,
			updated_at = CURRENT_TIMESTAMP
	`, l.Scope, l.MaxPositionSize, l.MaxDailyLoss, l.MaxTradesPerMinute, l.MaxSlippage)
	return err
}

// ListRiskLimits returns all stored limit rows.
func (d *Database) ListRiskLimits(ctx context.Context) ([]RiskLimit, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT scope, max_position_size, max_daily_loss, max_trades_per_minute, max_slippage, updated_at
		FROM risk_limits
	`)
	if err != nil {
		return nil, fmt.Errorf("list risk limits: %w", err)
	}
	defer rows.Close()

	var out []RiskLimit
	for rows.Next() {
		var l RiskLimit
		if err := rows.Scan(&l.Scope, &l.MaxPositionSize, &l.MaxDailyLoss, &l.MaxTradesPerMinute, &l.MaxSlippage, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan risk limit: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpsertBreakerState persists the breaker row for a scope.
func (d *Database) UpsertBreakerState(ctx context.Context, b BreakerState) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO breaker_states (scope, state, open_until, cooldown_seconds, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(scope) DO UPDATE SET
			state = excluded.state,
			open_until = excluded.open_until,
			cooldown_seconds = excluded.cooldown_seconds,
			updated_at = CURRENT_TIMESTAMP
	`, b.Scope, b.State, b.OpenUntil, b.CooldownSeconds)
	return err
}

// ListBreakerStates returns all persisted breaker rows.
func (d *Database) ListBreakerStates(ctx context.Context) ([]BreakerState, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT scope, state, open_until, cooldown_seconds, updated_at FROM breaker_states
	`)
	if err != nil {
		return nil, fmt.Errorf("list breaker states: %w", err)
	}
	defer rows.Close()

	var out []BreakerState
	for rows.Next() {
		var b BreakerState
		if err := rows.Scan(&b.Scope, &b.State, &b.OpenUntil, &b.CooldownSeconds, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan breaker state: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Audit events
// ----------------------------------------

// AppendAuditEvent inserts one chain link and returns its sequence number.
func (d *Database) AppendAuditEvent(ctx context.Context, e AuditEvent) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, entity_id, payload, payload_hash, prev_hash)
		VALUES (?, ?, ?, ?, ?)
	`, e.EventType, e.EntityID, e.Payload, e.PayloadHash, e.PrevHash)
	if err != nil {
		return 0, fmt.Errorf("append audit event: %w", err)
	}
	return res.LastInsertId()
}

// LastAuditEvent returns the most recent chain link, or ErrNotFound on an
// empty trail.
func (d *Database) LastAuditEvent(ctx context.Context) (*AuditEvent, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT seq, event_type, entity_id, payload, payload_hash, prev_hash, created_at
		FROM audit_events ORDER BY seq DESC LIMIT 1
	`)

	var e AuditEvent
	err := row.Scan(&e.Seq, &e.EventType, &e.EntityID, &e.Payload, &e.PayloadHash, &e.PrevHash, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last audit event: %w", err)
	}
	return &e, nil
}

// ListAuditEvents returns the chain in sequence order.
func (d *Database) ListAuditEvents(ctx context.Context) ([]AuditEvent, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT seq, event_type, entity_id, payload, payload_hash, prev_hash, created_at
		FROM audit_events ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.Seq, &e.EventType, &e.EntityID, &e.Payload, &e.PayloadHash, &e.PrevHash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Reconciliation cases
// ----------------------------------------

// CreateReconciliationCase parks an ambiguous order for async resolution.
func (d *Database) CreateReconciliationCase(ctx context.Context, c ReconciliationCase) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO reconciliation_cases (id, idempotency_key, bot_id, symbol, client_order_id, detail, status)
		VALUES (?, ?, ?, ?, ?, ?, 'OPEN')
	`, c.ID, c.IdempotencyKey, c.BotID, c.Symbol, c.ClientOrderID, c.Detail)
	return err
}

// ListOpenReconciliationCases returns unresolved cases.
func (d *Database) ListOpenReconciliationCases(ctx context.Context) ([]ReconciliationCase, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, idempotency_key, bot_id, symbol, client_order_id, detail, status, resolution, created_at
		FROM reconciliation_cases WHERE status = 'OPEN' ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list open reconciliation cases: %w", err)
	}
	defer rows.Close()

	var out []ReconciliationCase
	for rows.Next() {
		var c ReconciliationCase
		if err := rows.Scan(&c.ID, &c.IdempotencyKey, &c.BotID, &c.Symbol, &c.ClientOrderID, &c.Detail, &c.Status, &c.Resolution, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation case: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveReconciliationCase marks a case resolved with its outcome.
func (d *Database) ResolveReconciliationCase(ctx context.Context, id, resolution string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE reconciliation_cases
		SET status = 'RESOLVED', resolution = ?, resolved_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'OPEN'
	`, resolution, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
