// Package portfolio owns portfolio lifecycle and the rule that a user has at
// most one default portfolio at any observable instant.
package portfolio

import (
	"context"
	"strings"
	"time"

	gomoney "github.com/Rhymond/go-money"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stockfolio/internal/models"
	"stockfolio/internal/retry"
)

// Store persists portfolios. InsertPortfolio with IsDefault set and
// SwapDefault must clear the previous default and set the new one in one
// atomic unit, serialized per user. Lookups are scoped by userID.
type Store interface {
	InsertPortfolio(ctx context.Context, p models.Portfolio) (models.Portfolio, error)
	SwapDefault(ctx context.Context, userID, portfolioID string) (models.Portfolio, error)
	GetPortfolio(ctx context.Context, userID, portfolioID string) (models.Portfolio, error)
	ListPortfolios(ctx context.Context, userID string) ([]models.Portfolio, error)
	DefaultPortfolio(ctx context.Context, userID string) (models.Portfolio, error)
	DeletePortfolio(ctx context.Context, userID, portfolioID string) error
}

type Input struct {
	Name      string
	Currency  string
	IsDefault bool
}

type Coordinator struct {
	store   Store
	log     *logrus.Logger
	now     func() time.Time
	retries int
}

func NewCoordinator(store Store, log *logrus.Logger, retries int) *Coordinator {
	return &Coordinator{store: store, log: log, now: time.Now, retries: retries}
}

func (c *Coordinator) CreatePortfolio(ctx context.Context, userID string, in Input) (models.Portfolio, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > 100 {
		return models.Portfolio{}, models.Invalid("name", "must be 1 to 100 characters")
	}
	cur := gomoney.GetCurrency(strings.ToUpper(strings.TrimSpace(in.Currency)))
	if cur == nil {
		return models.Portfolio{}, models.Invalid("currency", "unknown ISO 4217 code")
	}
	now := c.now().UTC().Truncate(time.Microsecond)
	p := models.Portfolio{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Currency:  cur.Code,
		IsDefault: in.IsDefault,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var out models.Portfolio
	err := retry.OnConflict(ctx, c.retries, c.entry(userID), func() error {
		created, err := c.store.InsertPortfolio(ctx, p)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return models.Portfolio{}, err
	}
	c.entry(userID).WithField("portfolio_id", out.ID).Infof("created portfolio (default=%t)", out.IsDefault)
	return out, nil
}

// SetDefault makes portfolioID the user's only default.
func (c *Coordinator) SetDefault(ctx context.Context, userID, portfolioID string) (models.Portfolio, error) {
	var out models.Portfolio
	err := retry.OnConflict(ctx, c.retries, c.entry(userID), func() error {
		p, err := c.store.SwapDefault(ctx, userID, portfolioID)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return models.Portfolio{}, err
	}
	c.entry(userID).WithField("portfolio_id", portfolioID).Info("default portfolio set")
	return out, nil
}

func (c *Coordinator) Get(ctx context.Context, userID, portfolioID string) (models.Portfolio, error) {
	return c.store.GetPortfolio(ctx, userID, portfolioID)
}

func (c *Coordinator) List(ctx context.Context, userID string) ([]models.Portfolio, error) {
	return c.store.ListPortfolios(ctx, userID)
}

// Default returns models.ErrNotFound when the user has no default.
func (c *Coordinator) Default(ctx context.Context, userID string) (models.Portfolio, error) {
	return c.store.DefaultPortfolio(ctx, userID)
}

// Delete removes the portfolio with its holdings. No other portfolio is
// promoted when the default is deleted.
func (c *Coordinator) Delete(ctx context.Context, userID, portfolioID string) error {
	if err := c.store.DeletePortfolio(ctx, userID, portfolioID); err != nil {
		return err
	}
	c.entry(userID).WithField("portfolio_id", portfolioID).Info("deleted portfolio")
	return nil
}

func (c *Coordinator) entry(userID string) *logrus.Entry {
	return c.log.WithField("user_id", userID)
}
