package ledger

import (
	"fmt"
	"sort"

	"stockfolio/internal/models"
	"stockfolio/internal/money"
)

// SortHistory orders records chronologically: transaction date, then creation
// time, then insertion sequence.
func SortHistory(records []models.TransactionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.TransactionDate.Equal(b.TransactionDate) {
			return a.TransactionDate.Before(b.TransactionDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}

// Replay folds an ordered history into a Position using the weighted-average
// cost method. Buy fees are capitalized into the cost basis, sell fees reduce
// the realized gain.
func Replay(records []models.TransactionRecord) (models.Position, error) {
	var pos models.Position
	for _, r := range records {
		next, err := apply(pos, r)
		if err != nil {
			return models.Position{}, err
		}
		pos = next
	}
	return pos, nil
}

// Step is the position right after one record was applied.
type Step struct {
	Transaction models.TransactionRecord `json:"transaction"`
	Position    models.Position          `json:"position"`
}

// ReplaySteps is Replay keeping every intermediate position.
func ReplaySteps(records []models.TransactionRecord) ([]Step, error) {
	steps := make([]Step, 0, len(records))
	var pos models.Position
	for _, r := range records {
		next, err := apply(pos, r)
		if err != nil {
			return nil, err
		}
		pos = next
		steps = append(steps, Step{Transaction: r, Position: pos})
	}
	return steps, nil
}

func apply(pos models.Position, r models.TransactionRecord) (models.Position, error) {
	switch r.Type {
	case models.Buy:
		total := pos.TotalShares.Add(r.Shares)
		if total.IsZero() {
			pos.AverageCost = r.PricePerShare
		} else {
			basis := pos.TotalShares.Mul(pos.AverageCost).
				Add(r.Shares.Mul(r.PricePerShare)).
				Add(r.Fees)
			pos.AverageCost = basis.Div(total)
		}
		pos.TotalShares = total
	case models.Sell:
		if r.Shares.GreaterThan(pos.TotalShares) {
			return models.Position{}, &models.InsufficientSharesError{
				TransactionID: r.ID,
				Available:     pos.TotalShares,
				Requested:     r.Shares,
			}
		}
		gain := r.Shares.Mul(r.PricePerShare.Sub(pos.AverageCost)).Sub(r.Fees)
		pos.RealizedGainLoss = pos.RealizedGainLoss.Add(gain).Round(money.StoreScale)
		pos.TotalShares = pos.TotalShares.Sub(r.Shares)
		if pos.TotalShares.IsZero() {
			pos.AverageCost = money.Zero
		}
	default:
		return models.Position{}, fmt.Errorf("%w: unknown transaction type %q", models.ErrValidation, r.Type)
	}
	return pos, nil
}
