package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockfolio/internal/models"
	"stockfolio/internal/money"
)

var day0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func rec(id string, typ models.TransactionType, shares, price, fees string, day int, seq int64) models.TransactionRecord {
	return models.TransactionRecord{
		ID:              id,
		Type:            typ,
		Shares:          money.MustParse(shares),
		PricePerShare:   money.MustParse(price),
		Fees:            money.MustParse(fees),
		TransactionDate: day0.AddDate(0, 0, day),
		CreatedAt:       day0.AddDate(0, 1, 0).Add(time.Duration(seq) * time.Second),
		Seq:             seq,
	}
}

func TestReplayWeightedAverage(t *testing.T) {
	history := []models.TransactionRecord{
		rec("b1", models.Buy, "10", "100", "5", 0, 1),
		rec("s1", models.Sell, "4", "150", "2", 1, 2),
	}

	pos, err := Replay(history[:1])
	require.NoError(t, err)
	assert.True(t, pos.TotalShares.Equal(money.FromInt(10)))
	assert.Equal(t, "100.5", pos.AverageCost.String())
	assert.True(t, pos.RealizedGainLoss.IsZero())

	pos, err = Replay(history)
	require.NoError(t, err)
	assert.Equal(t, "6", pos.TotalShares.String())
	assert.Equal(t, "100.5", pos.AverageCost.String())
	assert.Equal(t, "196", pos.RealizedGainLoss.String())

	// selling the rest resets the basis
	history = append(history, rec("s2", models.Sell, "6", "90", "0", 2, 3))
	pos, err = Replay(history)
	require.NoError(t, err)
	assert.True(t, pos.TotalShares.IsZero())
	assert.True(t, pos.AverageCost.IsZero())
	assert.Equal(t, "133", pos.RealizedGainLoss.String()) // 196 + 6*(90-100.5)
}

func TestReplayBuyAfterLiquidation(t *testing.T) {
	pos, err := Replay([]models.TransactionRecord{
		rec("b1", models.Buy, "2", "10", "0", 0, 1),
		rec("s1", models.Sell, "2", "12", "0", 1, 2),
		rec("b2", models.Buy, "3", "20", "3", 2, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, "3", pos.TotalShares.String())
	assert.Equal(t, "21", pos.AverageCost.String())
	assert.Equal(t, "4", pos.RealizedGainLoss.String())
}

func TestReplayRejectsOversell(t *testing.T) {
	_, err := Replay([]models.TransactionRecord{
		rec("b1", models.Buy, "1", "10", "0", 0, 1),
		rec("s1", models.Sell, "1.5", "10", "0", 1, 2),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInsufficientShares))

	var serr *models.InsufficientSharesError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "s1", serr.TransactionID)
	assert.Equal(t, "1", serr.Available.String())
	assert.Equal(t, "1.5", serr.Requested.String())
}

func TestReplayUnknownType(t *testing.T) {
	r := rec("x", models.TransactionType("GIFT"), "1", "1", "0", 0, 1)
	_, err := Replay([]models.TransactionRecord{r})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestSortHistoryOrder(t *testing.T) {
	a := rec("a", models.Buy, "1", "1", "0", 1, 1)
	b := rec("b", models.Buy, "1", "1", "0", 0, 2)
	c := rec("c", models.Buy, "1", "1", "0", 1, 3)
	c.CreatedAt = a.CreatedAt // same date and creation time, seq breaks the tie
	d := rec("d", models.Buy, "1", "1", "0", 1, 0)
	d.CreatedAt = a.CreatedAt.Add(-time.Second)

	records := []models.TransactionRecord{c, a, d, b}
	SortHistory(records)

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, ids)
}

func TestReplayIsDeterministic(t *testing.T) {
	history := []models.TransactionRecord{
		rec("b1", models.Buy, "3.333333", "17.1234", "0.99", 0, 1),
		rec("b2", models.Buy, "1.000001", "19.5", "0", 1, 2),
		rec("s1", models.Sell, "2.5", "21", "1.25", 2, 3),
		rec("b3", models.Buy, "7", "16.01", "2", 3, 4),
	}
	first, err := Replay(history)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		shuffled := []models.TransactionRecord{history[3], history[1], history[0], history[2]}
		SortHistory(shuffled)
		again, err := Replay(shuffled)
		require.NoError(t, err)
		assert.True(t, first.Equal(again))
	}
}

func TestReplayStepsRunningPosition(t *testing.T) {
	steps, err := ReplaySteps([]models.TransactionRecord{
		rec("b1", models.Buy, "10", "100", "5", 0, 1),
		rec("s1", models.Sell, "4", "150", "2", 1, 2),
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "b1", steps[0].Transaction.ID)
	assert.Equal(t, "10", steps[0].Position.TotalShares.String())
	assert.Equal(t, "6", steps[1].Position.TotalShares.String())
	assert.Equal(t, "196", steps[1].Position.RealizedGainLoss.String())
}
