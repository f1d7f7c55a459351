package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"perp-grid-engine/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Import the pure-go sqlite driver
)

// Store is the sqlite trade history: round trips, balance snapshots and one row per run.
// Money columns are TEXT so decimals survive without float rounding.
type Store struct {
	db *sql.DB
}

// SessionStats aggregates the closed trades of one session.
type SessionStats struct {
	Trades        int
	WinningTrades int
	RealizedPnl   decimal.Decimal
	BestTrade     decimal.Decimal
	WorstTrade    decimal.Decimal
}

// WinRate in percent, zero when no trade closed.
func (s SessionStats) WinRate() decimal.Decimal {
	if s.Trades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.WinningTrades)).Div(decimal.NewFromInt(int64(s.Trades))).Mul(decimal.NewFromInt(100))
}

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Store{db: db}, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			dry_run BOOLEAN NOT NULL,
			start_balance TEXT NOT NULL,
			end_balance TEXT,
			realized_pnl TEXT,
			started_at INTEGER NOT NULL,
			ended_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS trades (
			trade_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			level_index INTEGER NOT NULL,
			side TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			exit_price TEXT NOT NULL,
			quantity TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			reason TEXT NOT NULL,
			entry_order_id TEXT,
			exit_order_id TEXT,
			opened_at INTEGER,
			closed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_session ON trades(session_id, closed_at);`,
		`CREATE TABLE IF NOT EXISTS balance_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			balance TEXT NOT NULL,
			equity TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			drawdown_state TEXT NOT NULL,
			drawdown_pct TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func unixMilli(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// StartSession inserts a session row and returns its id.
func (s *Store) StartSession(symbol string, side models.Side, dryRun bool, balance decimal.Decimal, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO sessions (session_id, symbol, side, dry_run, start_balance, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`, id, symbol, string(side), dryRun, balance.String(), at.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}
	return id, nil
}

// EndSession stamps the closing balance and pnl.
func (s *Store) EndSession(sessionID string, balance, realized decimal.Decimal, at time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET end_balance = ?, realized_pnl = ?, ended_at = ? WHERE session_id = ?`,
		balance.String(), realized.String(), at.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// InsertTrade records one closed round trip.
func (s *Store) InsertTrade(t models.TradeRecord) error {
	if t.TradeID == "" {
		t.TradeID = uuid.NewString()
	}
	_, err := s.db.Exec(`INSERT INTO trades (trade_id, session_id, symbol, level_index, side, entry_price, exit_price,
			quantity, realized_pnl, reason, entry_order_id, exit_order_id, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.SessionID, t.Symbol, t.LevelIndex, string(t.Side), t.EntryPrice.String(), t.ExitPrice.String(),
		t.Quantity.String(), t.RealizedPnl.String(), t.Reason, t.EntryOrderID, t.ExitOrderID,
		unixMilli(t.OpenedAt), t.ClosedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", t.TradeID, err)
	}
	return nil
}

// InsertBalanceSnapshot records the account at one risk tick.
func (s *Store) InsertBalanceSnapshot(b models.BalanceSnapshot) error {
	_, err := s.db.Exec(`INSERT INTO balance_snapshots (session_id, balance, equity, realized_pnl, drawdown_state,
			drawdown_pct, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.SessionID, b.Balance.String(), b.Equity.String(), b.RealizedPnl.String(), string(b.DrawdownState),
		b.DrawdownPct.String(), b.Time.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert balance snapshot: %w", err)
	}
	return nil
}

// RecentTrades returns up to limit trades of the session, newest first.
func (s *Store) RecentTrades(sessionID string, limit int) ([]models.TradeRecord, error) {
	rows, err := s.db.Query(`SELECT trade_id, session_id, symbol, level_index, side, entry_price, exit_price, quantity,
			realized_pnl, reason, entry_order_id, exit_order_id, opened_at, closed_at
		FROM trades WHERE session_id = ? ORDER BY closed_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		var t models.TradeRecord
		var side, entry, exit, qty, pnl string
		var entryID, exitID sql.NullString
		var openedAt sql.NullInt64
		var closedAt int64
		if err := rows.Scan(&t.TradeID, &t.SessionID, &t.Symbol, &t.LevelIndex, &side, &entry, &exit, &qty,
			&pnl, &t.Reason, &entryID, &exitID, &openedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.Side = models.Side(side)
		if t.EntryPrice, err = decimal.NewFromString(entry); err != nil {
			return nil, fmt.Errorf("trade %s entry price: %w", t.TradeID, err)
		}
		if t.ExitPrice, err = decimal.NewFromString(exit); err != nil {
			return nil, fmt.Errorf("trade %s exit price: %w", t.TradeID, err)
		}
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("trade %s quantity: %w", t.TradeID, err)
		}
		if t.RealizedPnl, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("trade %s pnl: %w", t.TradeID, err)
		}
		t.EntryOrderID, t.ExitOrderID = entryID.String, exitID.String
		if openedAt.Valid {
			t.OpenedAt = time.UnixMilli(openedAt.Int64)
		}
		t.ClosedAt = time.UnixMilli(closedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Stats aggregates the session's trades. Sums run in decimal, not in SQL, to keep precision.
func (s *Store) Stats(sessionID string) (SessionStats, error) {
	rows, err := s.db.Query(`SELECT realized_pnl FROM trades WHERE session_id = ?`, sessionID)
	if err != nil {
		return SessionStats{}, fmt.Errorf("failed to query trade pnl: %w", err)
	}
	defer rows.Close()

	var st SessionStats
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return SessionStats{}, err
		}
		pnl, err := decimal.NewFromString(raw)
		if err != nil {
			return SessionStats{}, fmt.Errorf("bad pnl %q: %w", raw, err)
		}
		if st.Trades == 0 || pnl.GreaterThan(st.BestTrade) {
			st.BestTrade = pnl
		}
		if st.Trades == 0 || pnl.LessThan(st.WorstTrade) {
			st.WorstTrade = pnl
		}
		st.Trades++
		if pnl.IsPositive() {
			st.WinningTrades++
		}
		st.RealizedPnl = st.RealizedPnl.Add(pnl)
	}
	return st, rows.Err()
}

// LastSnapshotTime returns the newest snapshot time of the session, zero if none.
func (s *Store) LastSnapshotTime(sessionID string) (time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(created_at) FROM balance_snapshots WHERE session_id = ?`, sessionID).Scan(&ms)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, err
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms.Int64), nil
}

// Close gracefully closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
