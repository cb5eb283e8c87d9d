package valuation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"stockfolio/internal/models"
	"stockfolio/internal/money"
)

// Valuate prices a position. An empty position has no valuation at all, and
// the gain percentage is absent unless the cost basis is positive.
func Valuate(pos models.Position, price money.Money) models.Valuation {
	if pos.TotalShares.IsZero() {
		return models.Valuation{}
	}
	value := pos.TotalShares.Mul(price).Round(money.StoreScale)
	cost := pos.TotalShares.Mul(pos.AverageCost).Round(money.StoreScale)
	gain := value.Sub(cost)
	v := models.Valuation{
		CurrentPrice:       &price,
		CurrentValue:       &value,
		TotalCost:          &cost,
		UnrealizedGainLoss: &gain,
	}
	if cost.IsPositive() {
		pct := gain.Div(cost)
		v.UnrealizedGainLossPercent = &pct
	}
	return v
}

// Quoter supplies current prices.
type Quoter interface {
	GetPrice(ctx context.Context, symbol string) (money.Money, time.Time, error)
}

type Service struct {
	prices Quoter
	log    *logrus.Logger
}

func NewService(prices Quoter, log *logrus.Logger) *Service {
	return &Service{prices: prices, log: log}
}

// ValuateHolding prices h with a fresh quote. Without a usable quote every
// field is absent; that is never an error.
func (s *Service) ValuateHolding(ctx context.Context, h models.Holding) models.Valuation {
	if h.Position.TotalShares.IsZero() {
		return models.Valuation{}
	}
	price, _, err := s.prices.GetPrice(ctx, h.SecurityID)
	if err != nil {
		s.log.WithField("security_id", h.SecurityID).Warnf("no usable price: %v", err)
		return models.Valuation{}
	}
	return Valuate(h.Position, price)
}
