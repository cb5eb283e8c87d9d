package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"stockfolio/internal/ledger"
	"stockfolio/internal/models"
	"stockfolio/internal/money"
)

// Repo is the Postgres store. Holding mutations lock the holding row, default
// swaps take a per-user advisory lock; both wait at most lockTimeout.
type Repo struct {
	db          *sqlx.DB
	log         *logrus.Logger
	lockTimeout time.Duration
}

func New(db *sqlx.DB, log *logrus.Logger, lockTimeout time.Duration) *Repo {
	return &Repo{db: db, log: log, lockTimeout: lockTimeout}
}

func (r *Repo) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		return classify("set lock_timeout", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// classify maps driver errors onto the ledger's error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s: %s", models.ErrConflict, op, pqErr.Message)
		case "22003":
			return fmt.Errorf("%w: %s: %s", models.ErrValidation, op, pqErr.Message)
		}
	}
	return fmt.Errorf("%w: %s: %v", models.ErrStorage, op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// CreateHolding checks ownership before the symbol is registered, so a foreign
// portfolio id leaves stocks untouched.
func (r *Repo) CreateHolding(ctx context.Context, userID string, h models.Holding) (models.Holding, bool, error) {
	var out holdingRow
	var created bool
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		var one int
		if err := tx.GetContext(ctx, &one, `SELECT 1 FROM portfolios WHERE id = $1 AND user_id = $2 FOR SHARE`,
			h.PortfolioID, userID); err != nil {
			return classify("check portfolio", err)
		}
		if err := ensureStock(ctx, tx, h.SecurityID, h.SecurityID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO holdings (id, portfolio_id, security_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)
			ON CONFLICT (portfolio_id, security_id) DO NOTHING`, h.ID, h.PortfolioID, h.SecurityID, h.CreatedAt)
		if err != nil {
			return classify("create holding", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify("create holding", err)
		}
		created = n == 1
		return classify("get holding", tx.GetContext(ctx, &out, `SELECT `+holdingColumns+` FROM holdings h
			WHERE h.portfolio_id = $1 AND h.security_id = $2`, h.PortfolioID, h.SecurityID))
	})
	if err != nil {
		return models.Holding{}, false, err
	}
	return out.model(), created, nil
}

func (r *Repo) GetHolding(ctx context.Context, userID, holdingID string) (models.Holding, error) {
	var row holdingRow
	err := r.db.GetContext(ctx, &row, `SELECT `+holdingColumns+` FROM holdings h
		JOIN portfolios p ON p.id = h.portfolio_id
		WHERE h.id = $1 AND p.user_id = $2`, holdingID, userID)
	if err != nil {
		return models.Holding{}, classify("get holding", err)
	}
	return row.model(), nil
}

func (r *Repo) ListHoldings(ctx context.Context, userID, portfolioID string) ([]models.Holding, error) {
	if _, err := r.GetPortfolio(ctx, userID, portfolioID); err != nil {
		return nil, err
	}
	rows := []holdingRow{}
	err := r.db.SelectContext(ctx, &rows, `SELECT `+holdingColumns+` FROM holdings h
		JOIN portfolios p ON p.id = h.portfolio_id
		WHERE h.portfolio_id = $1 AND p.user_id = $2
		ORDER BY h.security_id`, portfolioID, userID)
	if err != nil {
		return nil, classify("list holdings", err)
	}
	out := make([]models.Holding, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	return out, nil
}

// ListTransactions reads the history in one REPEATABLE READ snapshot so the
// ownership check and the rows agree.
func (r *Repo) ListTransactions(ctx context.Context, userID, holdingID string) ([]models.TransactionRecord, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, classify("begin", err)
	}
	defer tx.Rollback()

	var one int
	if err := tx.GetContext(ctx, &one, `SELECT 1 FROM holdings h JOIN portfolios p ON p.id = h.portfolio_id
		WHERE h.id = $1 AND p.user_id = $2`, holdingID, userID); err != nil {
		return nil, classify("check holding", err)
	}
	records, err := selectHistory(ctx, tx, holdingID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("commit", err)
	}
	return records, nil
}

func (r *Repo) MutateHolding(ctx context.Context, userID, holdingID string, fn ledger.MutateFunc) (models.Holding, error) {
	var out models.Holding
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		var row holdingRow
		if err := tx.GetContext(ctx, &row, `SELECT `+holdingColumns+` FROM holdings h
			JOIN portfolios p ON p.id = h.portfolio_id
			WHERE h.id = $1 AND p.user_id = $2
			FOR UPDATE OF h`, holdingID, userID); err != nil {
			return classify("lock holding", err)
		}
		history, err := selectHistory(ctx, tx, holdingID)
		if err != nil {
			return err
		}

		change, err := fn(row.model(), history)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		switch {
		case change.Insert != nil:
			t := change.Insert
			if _, err := tx.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
				VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10, $11)`,
				t.ID, holdingID, t.Type, t.Shares, t.PricePerShare, t.Fees, t.TotalAmount,
				t.TransactionDate, t.CreatedAt, t.Seq, t.Notes); err != nil {
				return classify("insert transaction", err)
			}
		case change.Update != nil:
			t := change.Update
			if _, err := tx.ExecContext(ctx, `UPDATE transactions
				SET shares = $1::numeric, price_per_share = $2::numeric, fees = $3::numeric,
				    total_amount = $4::numeric, transaction_date = $5, notes = $6
				WHERE id = $7 AND holding_id = $8`,
				t.Shares, t.PricePerShare, t.Fees, t.TotalAmount, t.TransactionDate, t.Notes, t.ID, holdingID); err != nil {
				return classify("update transaction", err)
			}
		case change.DeleteID != "":
			if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1 AND holding_id = $2`, change.DeleteID, holdingID); err != nil {
				return classify("delete transaction", err)
			}
		}

		pos := change.Position
		var updated holdingRow
		if err := tx.GetContext(ctx, &updated, `UPDATE holdings h
			SET total_shares = $1::numeric, average_cost = $2::numeric, realized_gain_loss = $3::numeric,
			    version = h.version + 1, updated_at = now()
			WHERE h.id = $4
			RETURNING `+holdingColumns,
			pos.TotalShares.StringFixed(money.StoreScale), pos.AverageCost.StringFixed(money.StoreScale),
			pos.RealizedGainLoss.StringFixed(money.StoreScale), holdingID); err != nil {
			return classify("update position", err)
		}
		out = updated.model()
		return nil
	})
	if err != nil {
		return models.Holding{}, err
	}
	return out, nil
}

// HoldingRefs lists every holding with its owner, for maintenance jobs.
func (r *Repo) HoldingRefs(ctx context.Context) ([]models.HoldingRef, error) {
	refs := []models.HoldingRef{}
	err := r.db.SelectContext(ctx, &refs, `SELECT p.user_id, h.id AS holding_id FROM holdings h
		JOIN portfolios p ON p.id = h.portfolio_id ORDER BY h.id`)
	if err != nil {
		return nil, classify("list holding refs", err)
	}
	return refs, nil
}

func selectHistory(ctx context.Context, q sqlx.QueryerContext, holdingID string) ([]models.TransactionRecord, error) {
	records := []models.TransactionRecord{}
	err := sqlx.SelectContext(ctx, q, &records, `SELECT `+transactionColumns+` FROM transactions
		WHERE holding_id = $1
		ORDER BY transaction_date, created_at, seq`, holdingID)
	if err != nil {
		return nil, classify("select history", err)
	}
	for i := range records {
		records[i].TransactionDate = records[i].TransactionDate.UTC()
		records[i].CreatedAt = records[i].CreatedAt.UTC()
	}
	return records, nil
}

// lockUser serializes default swaps of one user until the transaction ends.
func lockUser(ctx context.Context, tx *sqlx.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return classify("lock user", err)
	}
	return nil
}

func (r *Repo) InsertPortfolio(ctx context.Context, p models.Portfolio) (models.Portfolio, error) {
	var out models.Portfolio
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		if p.IsDefault {
			if err := lockUser(ctx, tx, p.UserID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE portfolios SET is_default = false, updated_at = now()
				WHERE user_id = $1 AND is_default`, p.UserID); err != nil {
				return classify("clear default", err)
			}
		}
		err := tx.GetContext(ctx, &out, `INSERT INTO portfolios (`+portfolioColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+portfolioColumns,
			p.ID, p.UserID, p.Name, p.Currency, p.IsDefault, p.CreatedAt, p.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: default portfolio changed concurrently", models.ErrConflict)
		}
		return classify("insert portfolio", err)
	})
	if err != nil {
		return models.Portfolio{}, err
	}
	return utcPortfolio(out), nil
}

func (r *Repo) SwapDefault(ctx context.Context, userID, portfolioID string) (models.Portfolio, error) {
	var out models.Portfolio
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}
		var cur models.Portfolio
		if err := tx.GetContext(ctx, &cur, `SELECT `+portfolioColumns+` FROM portfolios
			WHERE id = $1 AND user_id = $2`, portfolioID, userID); err != nil {
			return classify("get portfolio", err)
		}
		if cur.IsDefault {
			out = cur
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE portfolios SET is_default = false, updated_at = now()
			WHERE user_id = $1 AND is_default AND id <> $2`, userID, portfolioID); err != nil {
			return classify("clear default", err)
		}
		err := tx.GetContext(ctx, &out, `UPDATE portfolios SET is_default = true, updated_at = now()
			WHERE id = $1 AND user_id = $2 RETURNING `+portfolioColumns, portfolioID, userID)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: default portfolio changed concurrently", models.ErrConflict)
		}
		return classify("set default", err)
	})
	if err != nil {
		return models.Portfolio{}, err
	}
	return utcPortfolio(out), nil
}

func (r *Repo) GetPortfolio(ctx context.Context, userID, portfolioID string) (models.Portfolio, error) {
	var p models.Portfolio
	if err := r.db.GetContext(ctx, &p, `SELECT `+portfolioColumns+` FROM portfolios
		WHERE id = $1 AND user_id = $2`, portfolioID, userID); err != nil {
		return models.Portfolio{}, classify("get portfolio", err)
	}
	return utcPortfolio(p), nil
}

func (r *Repo) ListPortfolios(ctx context.Context, userID string) ([]models.Portfolio, error) {
	res := []models.Portfolio{}
	if err := r.db.SelectContext(ctx, &res, `SELECT `+portfolioColumns+` FROM portfolios
		WHERE user_id = $1 ORDER BY created_at, id`, userID); err != nil {
		return nil, classify("list portfolios", err)
	}
	for i := range res {
		res[i] = utcPortfolio(res[i])
	}
	return res, nil
}

func (r *Repo) DefaultPortfolio(ctx context.Context, userID string) (models.Portfolio, error) {
	var p models.Portfolio
	if err := r.db.GetContext(ctx, &p, `SELECT `+portfolioColumns+` FROM portfolios
		WHERE user_id = $1 AND is_default`, userID); err != nil {
		return models.Portfolio{}, classify("get default portfolio", err)
	}
	return utcPortfolio(p), nil
}

// DeletePortfolio cascades to holdings and transactions. Deleting the default
// leaves the user without one.
func (r *Repo) DeletePortfolio(ctx context.Context, userID, portfolioID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM portfolios WHERE id = $1 AND user_id = $2`, portfolioID, userID)
	if err != nil {
		return classify("delete portfolio", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("delete portfolio", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func utcPortfolio(p models.Portfolio) models.Portfolio {
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p
}

func (r *Repo) GetLatestPrice(ctx context.Context, symbol string) (money.Money, time.Time, error) {
	var price money.Money
	var ts time.Time
	if err := r.db.QueryRowContext(ctx, `SELECT price, timestamp FROM price_history WHERE symbol = $1 ORDER BY timestamp DESC LIMIT 1`, symbol).Scan(&price, &ts); err != nil {
		return money.Zero, time.Time{}, classify("get latest price", err)
	}
	return price, ts.UTC(), nil
}

func (r *Repo) UpsertPrice(ctx context.Context, symbol string, price money.Money, ts time.Time) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := ensureStock(ctx, tx, symbol, symbol); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO price_history (symbol, price, timestamp) VALUES ($1, $2::numeric, $3)`,
			symbol, price.StringFixed(money.AmountScale), ts)
		return classify("insert price", err)
	})
}

func (r *Repo) GetAllSymbols(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT symbol FROM stocks ORDER BY symbol`)
	if err != nil {
		return nil, classify("list symbols", err)
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			r.log.Warnf("scan symbol failed: %v", err)
			continue
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list symbols", err)
	}
	return res, nil
}

func ensureStock(ctx context.Context, q sqlx.ExecerContext, symbol, name string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO stocks (symbol, name) VALUES ($1, $2) ON CONFLICT (symbol) DO NOTHING`, symbol, name)
	return classify("ensure stock", err)
}
