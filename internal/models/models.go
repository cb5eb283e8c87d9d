package models

import (
	"time"

	"stockfolio/internal/money"
)

type TransactionType string

const (
	Buy  TransactionType = "BUY"
	Sell TransactionType = "SELL"
)

func (t TransactionType) Valid() bool { return t == Buy || t == Sell }

// TransactionRecord is one buy or sell. TotalAmount is Shares*PricePerShare as
// of creation or the last amend.
type TransactionRecord struct {
	ID              string          `db:"id" json:"id"`
	HoldingID       string          `db:"holding_id" json:"holding_id"`
	Type            TransactionType `db:"type" json:"type"`
	Shares          money.Money     `db:"shares" json:"shares"`
	PricePerShare   money.Money     `db:"price_per_share" json:"price_per_share"`
	Fees            money.Money     `db:"fees" json:"fees"`
	TotalAmount     money.Money     `db:"total_amount" json:"total_amount"`
	TransactionDate time.Time       `db:"transaction_date" json:"transaction_date"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	Seq             int64           `db:"seq" json:"seq"`
	Notes           *string         `db:"notes" json:"notes,omitempty"`
}

type Position struct {
	TotalShares      money.Money `db:"total_shares" json:"total_shares"`
	AverageCost      money.Money `db:"average_cost" json:"average_cost"`
	RealizedGainLoss money.Money `db:"realized_gain_loss" json:"realized_gain_loss"`
}

func (p Position) Equal(o Position) bool {
	return p.TotalShares.Equal(o.TotalShares) &&
		p.AverageCost.Equal(o.AverageCost) &&
		p.RealizedGainLoss.Equal(o.RealizedGainLoss)
}

type Holding struct {
	ID          string    `db:"id" json:"id"`
	PortfolioID string    `db:"portfolio_id" json:"portfolio_id"`
	SecurityID  string    `db:"security_id" json:"security_id"`
	Position    Position  `json:"position"`
	Version     int64     `db:"version" json:"version"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// HoldingRef addresses a holding together with its owner.
type HoldingRef struct {
	UserID    string `db:"user_id"`
	HoldingID string `db:"holding_id"`
}

// HoldingChange is the outcome of one ledger mutation. Exactly one of Insert,
// Update or DeleteID is set, except for a pure recompute where none is.
// Position is the full replay of the history with the change applied.
type HoldingChange struct {
	Insert   *TransactionRecord
	Update   *TransactionRecord
	DeleteID string
	Position Position
}

type Portfolio struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Name      string    `db:"name" json:"name"`
	Currency  string    `db:"currency" json:"currency"`
	IsDefault bool      `db:"is_default" json:"is_default"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Valuation fields are nil when they are undefined, e.g. for an empty position
// or when no current price is available.
type Valuation struct {
	CurrentPrice              *money.Money `json:"current_price"`
	CurrentValue              *money.Money `json:"current_value"`
	TotalCost                 *money.Money `json:"total_cost"`
	UnrealizedGainLoss        *money.Money `json:"unrealized_gain_loss"`
	UnrealizedGainLossPercent *money.Money `json:"unrealized_gain_loss_percent"`
}

func (v Valuation) Absent() bool {
	return v.CurrentValue == nil && v.TotalCost == nil && v.UnrealizedGainLoss == nil && v.UnrealizedGainLossPercent == nil
}
