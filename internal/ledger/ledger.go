// Package ledger maintains holdings from their buy/sell history. The history is
// the source of truth; a holding's Position is a cache rewritten by a full
// replay inside the same atomic unit as every change to that history.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stockfolio/internal/models"
	"stockfolio/internal/money"
	"stockfolio/internal/retry"
)

// MutateFunc computes the change to a holding from its current state and its
// ordered history. It runs while the holding is locked and must not block.
type MutateFunc func(h models.Holding, history []models.TransactionRecord) (models.HoldingChange, error)

// HoldingStore is the persistence the ledger needs. Every lookup is scoped by
// userID so foreign holdings are reported as models.ErrNotFound.
type HoldingStore interface {
	CreateHolding(ctx context.Context, userID string, h models.Holding) (models.Holding, bool, error)
	GetHolding(ctx context.Context, userID, holdingID string) (models.Holding, error)
	ListHoldings(ctx context.Context, userID, portfolioID string) ([]models.Holding, error)
	ListTransactions(ctx context.Context, userID, holdingID string) ([]models.TransactionRecord, error)
	// MutateHolding serializes with other mutations of the same holding and
	// persists the returned change and position atomically.
	MutateHolding(ctx context.Context, userID, holdingID string, fn MutateFunc) (models.Holding, error)
}

type TransactionInput struct {
	Type            models.TransactionType
	Shares          money.Money
	PricePerShare   money.Money
	Fees            money.Money
	TransactionDate time.Time
	Notes           *string
}

// Amendment lists the fields to change; nil means unchanged. HoldingID and Type
// are accepted only when they repeat the current value.
type Amendment struct {
	HoldingID       *string
	Type            *models.TransactionType
	Shares          *money.Money
	PricePerShare   *money.Money
	Fees            *money.Money
	TransactionDate *time.Time
	Notes           *string
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func WithMaxRetries(n int) Option { return func(l *Ledger) { l.retries = n } }

type Ledger struct {
	store   HoldingStore
	log     *logrus.Logger
	now     func() time.Time
	retries int
}

func New(store HoldingStore, log *logrus.Logger, opts ...Option) *Ledger {
	l := &Ledger{store: store, log: log, now: time.Now, retries: retry.DefaultAttempts}
	for _, o := range opts {
		o(l)
	}
	return l
}

// maxFutureSkew tolerates trades entered "today" from time zones ahead of UTC.
const maxFutureSkew = 24 * time.Hour

// maxInputDigits bounds the integer part of shares, prices and fees so that
// totals and replayed positions stay within money.StoreDigits.
const maxInputDigits = 12

func (l *Ledger) OpenHolding(ctx context.Context, userID, portfolioID, securityID string) (models.Holding, bool, error) {
	sym := strings.ToUpper(strings.TrimSpace(securityID))
	if sym == "" || len(sym) > 32 {
		return models.Holding{}, false, models.Invalid("security_id", "must be 1 to 32 characters")
	}
	now := l.timestamp()
	h := models.Holding{
		ID:          uuid.NewString(),
		PortfolioID: portfolioID,
		SecurityID:  sym,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return l.store.CreateHolding(ctx, userID, h)
}

func (l *Ledger) Holding(ctx context.Context, userID, holdingID string) (models.Holding, error) {
	return l.store.GetHolding(ctx, userID, holdingID)
}

func (l *Ledger) ListHoldings(ctx context.Context, userID, portfolioID string) ([]models.Holding, error) {
	return l.store.ListHoldings(ctx, userID, portfolioID)
}

// CurrentPosition returns the cached position, which always reflects the
// committed history.
func (l *Ledger) CurrentPosition(ctx context.Context, userID, holdingID string) (models.Position, error) {
	h, err := l.store.GetHolding(ctx, userID, holdingID)
	if err != nil {
		return models.Position{}, err
	}
	return h.Position, nil
}

// History returns the ordered history with the running position after each
// transaction.
func (l *Ledger) History(ctx context.Context, userID, holdingID string) ([]Step, error) {
	records, err := l.store.ListTransactions(ctx, userID, holdingID)
	if err != nil {
		return nil, err
	}
	SortHistory(records)
	return ReplaySteps(records)
}

func (l *Ledger) AppendTransaction(ctx context.Context, userID, holdingID string, in TransactionInput) (models.TransactionRecord, models.Holding, error) {
	if err := l.validate(in.Type, in.Shares, in.PricePerShare, in.Fees, in.TransactionDate); err != nil {
		return models.TransactionRecord{}, models.Holding{}, err
	}
	rec := models.TransactionRecord{
		ID:              uuid.NewString(),
		HoldingID:       holdingID,
		Type:            in.Type,
		Shares:          in.Shares,
		PricePerShare:   in.PricePerShare,
		Fees:            in.Fees,
		TotalAmount:     in.Shares.Mul(in.PricePerShare),
		TransactionDate: in.TransactionDate.UTC().Truncate(time.Microsecond),
		CreatedAt:       l.timestamp(),
		Notes:           in.Notes,
	}

	h, err := l.mutate(ctx, userID, holdingID, func(_ models.Holding, history []models.TransactionRecord) (models.HoldingChange, error) {
		rec.Seq = nextSeq(history)
		next := append(clone(history), rec)
		pos, err := replaySorted(next)
		if err != nil {
			return models.HoldingChange{}, err
		}
		inserted := rec
		return models.HoldingChange{Insert: &inserted, Position: pos}, nil
	})
	if err != nil {
		return models.TransactionRecord{}, models.Holding{}, err
	}
	l.entry(userID, holdingID).WithField("transaction_id", rec.ID).Debugf("appended %s of %s", rec.Type, rec.Shares)
	return rec, h, nil
}

func (l *Ledger) AmendTransaction(ctx context.Context, userID, holdingID, txID string, a Amendment) (models.TransactionRecord, models.Holding, error) {
	if a.HoldingID != nil && *a.HoldingID != holdingID {
		return models.TransactionRecord{}, models.Holding{}, models.Invalid("holding_id", "cannot be changed")
	}
	if err := l.validateAmendment(a); err != nil {
		return models.TransactionRecord{}, models.Holding{}, err
	}

	var amended models.TransactionRecord
	h, err := l.mutate(ctx, userID, holdingID, func(_ models.Holding, history []models.TransactionRecord) (models.HoldingChange, error) {
		idx := indexOf(history, txID)
		if idx < 0 {
			return models.HoldingChange{}, models.ErrNotFound
		}
		rec := history[idx]
		if a.Type != nil && *a.Type != rec.Type {
			return models.HoldingChange{}, models.Invalid("type", "cannot be changed")
		}
		if a.Shares != nil {
			rec.Shares = *a.Shares
		}
		if a.PricePerShare != nil {
			rec.PricePerShare = *a.PricePerShare
		}
		if a.Fees != nil {
			rec.Fees = *a.Fees
		}
		if a.TransactionDate != nil {
			rec.TransactionDate = a.TransactionDate.UTC().Truncate(time.Microsecond)
		}
		if a.Notes != nil {
			rec.Notes = a.Notes
		}
		rec.TotalAmount = rec.Shares.Mul(rec.PricePerShare)

		next := clone(history)
		next[idx] = rec
		pos, err := replaySorted(next)
		if err != nil {
			return models.HoldingChange{}, err
		}
		amended = rec
		return models.HoldingChange{Update: &rec, Position: pos}, nil
	})
	if err != nil {
		return models.TransactionRecord{}, models.Holding{}, err
	}
	l.entry(userID, holdingID).WithField("transaction_id", txID).Debug("amended transaction")
	return amended, h, nil
}

func (l *Ledger) RemoveTransaction(ctx context.Context, userID, holdingID, txID string) (models.Holding, error) {
	h, err := l.mutate(ctx, userID, holdingID, func(_ models.Holding, history []models.TransactionRecord) (models.HoldingChange, error) {
		idx := indexOf(history, txID)
		if idx < 0 {
			return models.HoldingChange{}, models.ErrNotFound
		}
		next := make([]models.TransactionRecord, 0, len(history)-1)
		next = append(next, history[:idx]...)
		next = append(next, history[idx+1:]...)
		pos, err := replaySorted(next)
		if err != nil {
			return models.HoldingChange{}, err
		}
		return models.HoldingChange{DeleteID: txID, Position: pos}, nil
	})
	if err != nil {
		return models.Holding{}, err
	}
	l.entry(userID, holdingID).WithField("transaction_id", txID).Debug("removed transaction")
	return h, nil
}

// Recompute replays the stored history and rewrites the cached position.
func (l *Ledger) Recompute(ctx context.Context, userID, holdingID string) (models.Holding, error) {
	var before models.Position
	h, err := l.mutate(ctx, userID, holdingID, func(cur models.Holding, history []models.TransactionRecord) (models.HoldingChange, error) {
		before = cur.Position
		pos, err := replaySorted(clone(history))
		if err != nil {
			return models.HoldingChange{}, err
		}
		return models.HoldingChange{Position: pos}, nil
	})
	if err != nil {
		l.entry(userID, holdingID).Errorf("recompute failed: %v", err)
		return models.Holding{}, err
	}
	if !before.Equal(h.Position) {
		l.entry(userID, holdingID).Warnf("cached position drifted: shares %s -> %s, avg %s -> %s",
			before.TotalShares, h.Position.TotalShares, before.AverageCost, h.Position.AverageCost)
	}
	return h, nil
}

func (l *Ledger) mutate(ctx context.Context, userID, holdingID string, fn MutateFunc) (models.Holding, error) {
	var out models.Holding
	err := retry.OnConflict(ctx, l.retries, l.entry(userID, holdingID), func() error {
		h, err := l.store.MutateHolding(ctx, userID, holdingID, fn)
		if err != nil {
			return err
		}
		out = h
		return nil
	})
	return out, err
}

func (l *Ledger) validate(typ models.TransactionType, shares, price, fees money.Money, date time.Time) error {
	if !typ.Valid() {
		return models.Invalid("type", "must be BUY or SELL")
	}
	if err := validShares(shares); err != nil {
		return err
	}
	if err := validAmount("price_per_share", price); err != nil {
		return err
	}
	if err := validAmount("fees", fees); err != nil {
		return err
	}
	return l.validDate(date)
}

func (l *Ledger) validateAmendment(a Amendment) error {
	if a.Type != nil && !a.Type.Valid() {
		return models.Invalid("type", "must be BUY or SELL")
	}
	if a.Shares != nil {
		if err := validShares(*a.Shares); err != nil {
			return err
		}
	}
	if a.PricePerShare != nil {
		if err := validAmount("price_per_share", *a.PricePerShare); err != nil {
			return err
		}
	}
	if a.Fees != nil {
		if err := validAmount("fees", *a.Fees); err != nil {
			return err
		}
	}
	if a.TransactionDate != nil {
		return l.validDate(*a.TransactionDate)
	}
	return nil
}

func validShares(v money.Money) error {
	if !v.IsPositive() {
		return models.Invalid("shares", "must be greater than zero")
	}
	if !v.FitsScale(money.ShareScale) {
		return models.Invalid("shares", "at most 6 decimal places")
	}
	if !v.FitsDigits(maxInputDigits) {
		return models.Invalid("shares", "at most 12 integer digits")
	}
	return nil
}

func validAmount(field string, v money.Money) error {
	if v.IsNegative() {
		return models.Invalid(field, "must not be negative")
	}
	if !v.FitsScale(money.AmountScale) {
		return models.Invalid(field, "at most 4 decimal places")
	}
	if !v.FitsDigits(maxInputDigits) {
		return models.Invalid(field, "at most 12 integer digits")
	}
	return nil
}

func (l *Ledger) validDate(d time.Time) error {
	if d.IsZero() {
		return models.Invalid("transaction_date", "is required")
	}
	if d.After(l.now().Add(maxFutureSkew)) {
		return models.Invalid("transaction_date", "is in the future")
	}
	return nil
}

func (l *Ledger) timestamp() time.Time {
	return l.now().UTC().Truncate(time.Microsecond)
}

func (l *Ledger) entry(userID, holdingID string) *logrus.Entry {
	return l.log.WithFields(logrus.Fields{"user_id": userID, "holding_id": holdingID})
}

func replaySorted(records []models.TransactionRecord) (models.Position, error) {
	SortHistory(records)
	pos, err := Replay(records)
	if err != nil {
		return models.Position{}, err
	}
	// many bounded trades can still add up past what storage holds
	for _, v := range []money.Money{pos.TotalShares, pos.AverageCost, pos.RealizedGainLoss} {
		if !v.FitsDigits(money.StoreDigits) {
			return models.Position{}, models.Invalid("shares", "position exceeds the storable range")
		}
	}
	return pos, nil
}

func clone(records []models.TransactionRecord) []models.TransactionRecord {
	out := make([]models.TransactionRecord, len(records), len(records)+1)
	copy(out, records)
	return out
}

func indexOf(records []models.TransactionRecord, id string) int {
	for i := range records {
		if records[i].ID == id {
			return i
		}
	}
	return -1
}

func nextSeq(records []models.TransactionRecord) int64 {
	var last int64
	for _, r := range records {
		if r.Seq > last {
			last = r.Seq
		}
	}
	return last + 1
}
