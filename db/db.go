package db

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

// Database wraps the SQL database connection
type Database struct {
	db *sql.DB
}

const schema = `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		chat_id INTEGER NOT NULL,
		wallet TEXT,
		state TEXT,
		created_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_users_chat_id ON users(chat_id);
	CREATE TABLE IF NOT EXISTS deals (
		deal_id INTEGER PRIMARY KEY AUTOINCREMENT,
		seller_id INTEGER NOT NULL,
		buyer_id INTEGER NOT NULL DEFAULT 0,
		buyer_username TEXT NOT NULL DEFAULT '',
		crypto_amount TEXT NOT NULL DEFAULT '0',
		fiat_amount TEXT NOT NULL DEFAULT '',
		rate TEXT NOT NULL DEFAULT '0',
		fiat_total TEXT NOT NULL DEFAULT '0',
		platform_fee TEXT NOT NULL DEFAULT '0',
		amounts_locked BOOLEAN NOT NULL DEFAULT 0,
		payment_details TEXT NOT NULL DEFAULT '',
		deposit_address TEXT NOT NULL DEFAULT '',
		buyer_wallet TEXT NOT NULL DEFAULT '',
		deposited BOOLEAN NOT NULL DEFAULT 0,
		fiat_confirmed BOOLEAN NOT NULL DEFAULT 0,
		closed BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_deals_seller ON deals(seller_id);
	CREATE INDEX IF NOT EXISTS idx_deals_buyer ON deals(buyer_id);
`

const dealColumns = `deal_id, seller_id, buyer_id, buyer_username, crypto_amount, fiat_amount, rate,
	fiat_total, platform_fee, amounts_locked, payment_details, deposit_address, buyer_wallet,
	deposited, fiat_confirmed, closed, created_at, updated_at`

// NewDatabase initializes the database connection and schema
func NewDatabase(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY under concurrent handlers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to reach database")
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "failed to create schema")
	}

	return &Database{db: db}, nil
}

// UpsertUser registers a user or refreshes the chat id of an existing one.
// A chat keeps a single row: when its username changes the row is renamed,
// keeping the wallet and state, and any other row of that chat is dropped.
func (d *Database) UpsertUser(ctx context.Context, username string, chatID int64) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin user upsert")
	}
	defer tx.Rollback()

	steps := []struct {
		query string
		args  []interface{}
	}{
		{
			`UPDATE users SET username = ?
			 WHERE rowid = (SELECT rowid FROM users WHERE chat_id = ? AND username <> ? LIMIT 1)
			 AND NOT EXISTS (SELECT 1 FROM users WHERE username = ?)`,
			[]interface{}{username, chatID, username, username},
		},
		{
			`INSERT INTO users (username, chat_id, created_at) VALUES (?, ?, ?)
			 ON CONFLICT(username) DO UPDATE SET chat_id = excluded.chat_id`,
			[]interface{}{username, chatID, time.Now()},
		},
		{
			"DELETE FROM users WHERE chat_id = ? AND username <> ?",
			[]interface{}{chatID, username},
		},
	}
	for _, s := range steps {
		if _, err := tx.ExecContext(ctx, s.query, s.args...); err != nil {
			return errors.Wrap(err, "failed to upsert user")
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit user upsert")
}

// GetUser finds a user by username
func (d *Database) GetUser(ctx context.Context, username string) (*models.User, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT username, chat_id, wallet, created_at FROM users WHERE username = ?", username)
	return scanUser(row)
}

// GetUserByChatID finds a user by chat id
func (d *Database) GetUserByChatID(ctx context.Context, chatID int64) (*models.User, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT username, chat_id, wallet, created_at FROM users WHERE chat_id = ?", chatID)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*models.User, error) {
	var (
		u         models.User
		wallet    sql.NullString
		createdAt sql.NullTime
	)
	if err := row.Scan(&u.Username, &u.ChatID, &wallet, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to fetch user")
	}
	u.WalletAddress = wallet.String
	u.CreatedAt = createdAt.Time
	return &u, nil
}

// SetUserWallet stores the wallet address of a user
func (d *Database) SetUserWallet(ctx context.Context, chatID int64, address string) error {
	return d.execOne(ctx, "failed to set user wallet",
		"UPDATE users SET wallet = ? WHERE chat_id = ?", address, chatID)
}

// GetUserState returns the conversation of a user, nil when idle or unknown
func (d *Database) GetUserState(ctx context.Context, chatID int64) (models.Conversation, error) {
	var state sql.NullString
	err := d.db.QueryRowContext(ctx, "SELECT state FROM users WHERE chat_id = ?", chatID).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to fetch user state")
	}
	c, err := models.DecodeConversation(state.String)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode user state")
	}
	return c, nil
}

// SetUserState stores the conversation of a user; nil clears it
func (d *Database) SetUserState(ctx context.Context, chatID int64, c models.Conversation) error {
	raw, err := models.EncodeConversation(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode user state")
	}
	var state sql.NullString
	if raw != "" {
		state = sql.NullString{String: raw, Valid: true}
	}
	return d.execOne(ctx, "failed to set user state",
		"UPDATE users SET state = ? WHERE chat_id = ?", state, chatID)
}

// CreateDeal creates a minimal deal for the seller and returns its id
func (d *Database) CreateDeal(ctx context.Context, sellerID int64) (int64, error) {
	now := time.Now()
	res, err := d.db.ExecContext(ctx,
		"INSERT INTO deals (seller_id, created_at, updated_at) VALUES (?, ?, ?)",
		sellerID, now, now,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create deal")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read deal id")
	}
	return id, nil
}

// GetDeal retrieves a deal by id
func (d *Database) GetDeal(ctx context.Context, id int64) (*models.Deal, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+dealColumns+" FROM deals WHERE deal_id = ?", id)
	deal, err := scanDeal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to fetch deal")
	}
	return deal, nil
}

// GetDealsForUser retrieves every deal where the user is seller or buyer
func (d *Database) GetDealsForUser(ctx context.Context, chatID int64) ([]*models.Deal, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+dealColumns+" FROM deals WHERE seller_id = ? OR buyer_id = ? ORDER BY deal_id",
		chatID, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch deals")
	}
	defer rows.Close()

	var deals []*models.Deal
	for rows.Next() {
		deal, err := scanDeal(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan deal")
		}
		deals = append(deals, deal)
	}
	return deals, errors.Wrap(rows.Err(), "failed to iterate deals")
}

// UpdateDeal writes every mutable field of the deal
func (d *Database) UpdateDeal(ctx context.Context, deal *models.Deal) error {
	deal.UpdatedAt = time.Now()
	return d.execOne(ctx, "failed to update deal",
		`UPDATE deals SET buyer_id = ?, buyer_username = ?, crypto_amount = ?, fiat_amount = ?, rate = ?,
			fiat_total = ?, platform_fee = ?, amounts_locked = ?, payment_details = ?, deposit_address = ?,
			buyer_wallet = ?, deposited = ?, fiat_confirmed = ?, updated_at = ?
		 WHERE deal_id = ? AND closed = 0`,
		deal.BuyerID, deal.BuyerUsername, deal.CryptoAmount.String(), deal.FiatAmount, deal.Rate.String(),
		deal.FiatTotal.String(), deal.PlatformFee.String(), deal.AmountsLocked, deal.PaymentDetails,
		deal.DepositAddress, deal.BuyerPayoutAddress, deal.Deposited, deal.FiatConfirmed, deal.UpdatedAt,
		deal.ID,
	)
}

// CloseDeal marks a deposited deal as closed; the row is kept for audit
func (d *Database) CloseDeal(ctx context.Context, id int64) error {
	return d.execOne(ctx, "failed to close deal",
		"UPDATE deals SET closed = 1, updated_at = ? WHERE deal_id = ? AND deposited = 1",
		time.Now(), id)
}

// DeleteDeal removes an open, un-deposited deal
func (d *Database) DeleteDeal(ctx context.Context, id int64) error {
	return d.execOne(ctx, "failed to delete deal",
		"DELETE FROM deals WHERE deal_id = ? AND deposited = 0 AND closed = 0", id)
}

// execOne runs a statement that must touch exactly one row
func (d *Database) execOne(ctx context.Context, msg, query string, args ...interface{}) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, msg)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, msg)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeal(s scanner) (*models.Deal, error) {
	var (
		deal                     models.Deal
		crypto, rate, total, fee string
		createdAt, updatedAt     sql.NullTime
	)
	err := s.Scan(&deal.ID, &deal.SellerID, &deal.BuyerID, &deal.BuyerUsername, &crypto, &deal.FiatAmount,
		&rate, &total, &fee, &deal.AmountsLocked, &deal.PaymentDetails, &deal.DepositAddress,
		&deal.BuyerPayoutAddress, &deal.Deposited, &deal.FiatConfirmed, &deal.Closed, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	deal.CryptoAmount = parseDecimal(crypto)
	deal.Rate = parseDecimal(rate)
	deal.FiatTotal = parseDecimal(total)
	deal.PlatformFee = parseDecimal(fee)
	deal.CreatedAt = createdAt.Time
	deal.UpdatedAt = updatedAt.Time
	return &deal, nil
}

func parseDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}
