package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"stockfolio/internal/money"
)

var ErrPriceUnavailable = errors.New("price unavailable")

type PriceProvider interface {
	GetPrice(ctx context.Context, symbol string) (money.Money, time.Time, error)
	Start(ctx context.Context, interval time.Duration)
}

// PriceStore is the slice of the repository the price service reads and
// writes.
type PriceStore interface {
	GetLatestPrice(ctx context.Context, symbol string) (money.Money, time.Time, error)
	UpsertPrice(ctx context.Context, symbol string, price money.Money, ts time.Time) error
	GetAllSymbols(ctx context.Context) ([]string, error)
}

// CleanPriceService serves the latest recorded quote while it is younger than
// maxAge. With simulate set, Start walks every known symbol's price randomly
// for demo environments.
type CleanPriceService struct {
	repo     PriceStore
	log      *logrus.Logger
	maxAge   time.Duration
	simulate bool
	now      func() time.Time
}

func NewCleanPriceService(r PriceStore, log *logrus.Logger, maxAge time.Duration, simulate bool) *CleanPriceService {
	return &CleanPriceService{repo: r, log: log, maxAge: maxAge, simulate: simulate, now: time.Now}
}

func (p *CleanPriceService) GetPrice(ctx context.Context, symbol string) (money.Money, time.Time, error) {
	price, ts, err := p.repo.GetLatestPrice(ctx, symbol)
	if err != nil {
		return money.Zero, time.Time{}, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}
	if age := p.now().Sub(ts); age > p.maxAge {
		return money.Zero, time.Time{}, fmt.Errorf("%w: %s quote is %s old", ErrPriceUnavailable, symbol, age.Round(time.Second))
	}
	return price, ts, nil
}

func (p *CleanPriceService) Start(ctx context.Context, interval time.Duration) {
	if !p.simulate {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		p.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				p.log.Info("price updater stopping")
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
}

func (p *CleanPriceService) tick(ctx context.Context) {
	symbols, err := p.repo.GetAllSymbols(ctx)
	if err != nil {
		p.log.Warnf("failed to fetch symbols: %v", err)
		return
	}
	now := p.now().UTC()
	for _, s := range symbols {
		last, _, err := p.repo.GetLatestPrice(ctx, s)
		next := walk(last, err == nil)
		if err := p.repo.UpsertPrice(ctx, s, next, now); err != nil {
			p.log.Warnf("store simulated price for %s: %v", s, err)
		}
	}
}

// walk moves a price by up to 2% either way, or seeds one between 50 and 5000.
func walk(last money.Money, ok bool) money.Money {
	if !ok || !last.IsPositive() {
		return money.New(decimal.NewFromFloat(50 + rand.Float64()*(5000-50))).Round(money.AmountScale)
	}
	drift := decimal.NewFromFloat(1 + (rand.Float64()*0.04 - 0.02))
	return money.New(last.Decimal().Mul(drift)).Round(money.AmountScale)
}
