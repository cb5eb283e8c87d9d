package database

import (
	"time"

	"stockfolio/internal/models"
	"stockfolio/internal/money"
)

type holdingRow struct {
	ID               string      `db:"id"`
	PortfolioID      string      `db:"portfolio_id"`
	SecurityID       string      `db:"security_id"`
	TotalShares      money.Money `db:"total_shares"`
	AverageCost      money.Money `db:"average_cost"`
	RealizedGainLoss money.Money `db:"realized_gain_loss"`
	Version          int64       `db:"version"`
	CreatedAt        time.Time   `db:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at"`
}

func (r holdingRow) model() models.Holding {
	return models.Holding{
		ID:          r.ID,
		PortfolioID: r.PortfolioID,
		SecurityID:  r.SecurityID,
		Position: models.Position{
			TotalShares:      r.TotalShares,
			AverageCost:      r.AverageCost,
			RealizedGainLoss: r.RealizedGainLoss,
		},
		Version:   r.Version,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

const holdingColumns = `h.id, h.portfolio_id, h.security_id, h.total_shares, h.average_cost, h.realized_gain_loss, h.version, h.created_at, h.updated_at`

const transactionColumns = `id, holding_id, type, shares, price_per_share, fees, total_amount, transaction_date, created_at, seq, notes`

const portfolioColumns = `id, user_id, name, currency, is_default, created_at, updated_at`
