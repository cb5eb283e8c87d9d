package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockfolio/internal/ledger"
	"stockfolio/internal/models"
	"stockfolio/internal/money"
)

func setupDB(t *testing.T) *sqlx.DB {
	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL is not set; skipping integration tests")
	}
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	files := []string{"../../migrations/0001_init.up.sql"}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read migration %s: %v", f, err)
		}
		if _, err := db.Exec(string(b)); err != nil {
			t.Logf("exec migration %s: %v", f, err)
		}
	}
	return db
}

func newRepo(t *testing.T) (*Repo, string) {
	db := setupDB(t)
	logger := logrus.New()
	r := New(db, logger, 2*time.Second)
	userID := "it-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = db.Exec(`DELETE FROM portfolios WHERE user_id = $1`, userID)
	})
	return r, userID
}

func TestRepoCreateHolding_Idempotent(t *testing.T) {
	r, userID := newRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	p, err := r.InsertPortfolio(ctx, models.Portfolio{ID: uuid.NewString(), UserID: userID, Name: "Main", Currency: "USD", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	h1, created, err := r.CreateHolding(ctx, userID, models.Holding{ID: uuid.NewString(), PortfolioID: p.ID, SecurityID: "RELIANCE", CreatedAt: now})
	require.NoError(t, err)
	assert.True(t, created)

	h2, created, err := r.CreateHolding(ctx, userID, models.Holding{ID: uuid.NewString(), PortfolioID: p.ID, SecurityID: "RELIANCE", CreatedAt: now})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, h1.ID, h2.ID)

	// a foreign caller must not register new symbols either
	sym := "IT" + uuid.NewString()[:8]
	_, _, err = r.CreateHolding(ctx, "someone-else", models.Holding{ID: uuid.NewString(), PortfolioID: p.ID, SecurityID: sym, CreatedAt: now})
	assert.ErrorIs(t, err, models.ErrNotFound)
	var n int
	require.NoError(t, r.db.GetContext(ctx, &n, `SELECT count(*) FROM stocks WHERE symbol = $1`, sym))
	assert.Zero(t, n)
}

func TestRepoLedgerRoundTrip(t *testing.T) {
	r, userID := newRepo(t)
	ctx := context.Background()
	logger := logrus.New()
	l := ledger.New(r, logger)
	now := time.Now().UTC().Truncate(time.Microsecond)

	p, err := r.InsertPortfolio(ctx, models.Portfolio{ID: uuid.NewString(), UserID: userID, Name: "Main", Currency: "INR", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	h, _, err := l.OpenHolding(ctx, userID, p.ID, "INFY")
	require.NoError(t, err)

	buy, _, err := l.AppendTransaction(ctx, userID, h.ID, ledger.TransactionInput{
		Type: models.Buy, Shares: money.MustParse("10"), PricePerShare: money.MustParse("100"),
		Fees: money.MustParse("5"), TransactionDate: now.Add(-48 * time.Hour),
	})
	require.NoError(t, err)
	_, held, err := l.AppendTransaction(ctx, userID, h.ID, ledger.TransactionInput{
		Type: models.Sell, Shares: money.MustParse("4"), PricePerShare: money.MustParse("150"),
		Fees: money.MustParse("2"), TransactionDate: now.Add(-24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "6", held.Position.TotalShares.String())
	assert.Equal(t, "100.5", held.Position.AverageCost.String())
	assert.Equal(t, "196", held.Position.RealizedGainLoss.String())

	// history read back from the database replays to the cached position
	records, err := r.ListTransactions(ctx, userID, h.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, buy.ID, records[0].ID)
	assert.True(t, records[0].TransactionDate.Equal(buy.TransactionDate))
	replayed, err := ledger.Replay(records)
	require.NoError(t, err)
	assert.True(t, replayed.Equal(held.Position))

	_, err = l.RemoveTransaction(ctx, userID, h.ID, buy.ID)
	assert.ErrorIs(t, err, models.ErrInsufficientShares)

	_, err = r.ListTransactions(ctx, "someone-else", h.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRepoConcurrentSells(t *testing.T) {
	r, userID := newRepo(t)
	ctx := context.Background()
	l := ledger.New(r, logrus.New())
	now := time.Now().UTC().Truncate(time.Microsecond)

	p, err := r.InsertPortfolio(ctx, models.Portfolio{ID: uuid.NewString(), UserID: userID, Name: "Main", Currency: "USD", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	h, _, err := l.OpenHolding(ctx, userID, p.ID, "TCS")
	require.NoError(t, err)
	_, _, err = l.AppendTransaction(ctx, userID, h.ID, ledger.TransactionInput{
		Type: models.Buy, Shares: money.FromInt(3), PricePerShare: money.FromInt(10), TransactionDate: now.Add(-time.Hour),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.AppendTransaction(ctx, userID, h.ID, ledger.TransactionInput{
				Type: models.Sell, Shares: money.FromInt(1), PricePerShare: money.FromInt(11), TransactionDate: now,
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	pos, err := l.CurrentPosition(ctx, userID, h.ID)
	require.NoError(t, err)
	assert.True(t, pos.TotalShares.IsZero())
}

func TestRepoSingleDefault(t *testing.T) {
	r, userID := newRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	var ids []string
	for i := 0; i < 4; i++ {
		p, err := r.InsertPortfolio(ctx, models.Portfolio{ID: uuid.NewString(), UserID: userID, Name: "P", Currency: "USD", IsDefault: i == 0, CreatedAt: now, UpdatedAt: now})
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}

	var wg sync.WaitGroup
	for round := 0; round < 5; round++ {
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := r.SwapDefault(ctx, userID, id)
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	ps, err := r.ListPortfolios(ctx, userID)
	require.NoError(t, err)
	n := 0
	for _, p := range ps {
		if p.IsDefault {
			n++
		}
	}
	assert.Equal(t, 1, n)

	def, err := r.DefaultPortfolio(ctx, userID)
	require.NoError(t, err)
	require.NoError(t, r.DeletePortfolio(ctx, userID, def.ID))
	_, err = r.DefaultPortfolio(ctx, userID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRepoLatestPrice(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	sym := "IT" + uuid.NewString()[:8]
	t0 := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, r.UpsertPrice(ctx, sym, money.MustParse("10.25"), t0.Add(-time.Minute)))
	require.NoError(t, r.UpsertPrice(ctx, sym, money.MustParse("11.5"), t0))

	price, ts, err := r.GetLatestPrice(ctx, sym)
	require.NoError(t, err)
	assert.Equal(t, "11.5", price.String())
	assert.True(t, ts.Equal(t0))

	syms, err := r.GetAllSymbols(ctx)
	require.NoError(t, err)
	assert.Contains(t, syms, sym)

	_, _, err = r.GetLatestPrice(ctx, "IT"+uuid.NewString()[:8])
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{sql.ErrNoRows, models.ErrNotFound},
		{&pq.Error{Code: "22003", Message: "numeric field overflow"}, models.ErrValidation},
		{&pq.Error{Code: "40001", Message: "could not serialize access"}, models.ErrConflict},
		{&pq.Error{Code: "55P03", Message: "lock timeout"}, models.ErrConflict},
		{fmt.Errorf("wrapped: %w", &pq.Error{Code: "40P01"}), models.ErrConflict},
		{&pq.Error{Code: "23503", Message: "foreign key violation"}, models.ErrStorage},
	}
	for _, c := range cases {
		assert.ErrorIs(t, classify("op", c.err), c.want, c.err.Error())
	}
	assert.NoError(t, classify("op", nil))
	assert.ErrorIs(t, classify("op", context.Canceled), context.Canceled)
}
