package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"stockfolio/internal/ledger"
	"stockfolio/internal/models"
	"stockfolio/internal/money"
)

type pricePoint struct {
	price money.Money
	ts    time.Time
}

// MemoryStore keeps portfolios, holdings and transactions in process. Writers
// of one holding (or one user's default flag) are serialized by keyed locks;
// every change becomes visible in a single critical section of mu.
type MemoryStore struct {
	mu           sync.RWMutex
	portfolios   map[string]models.Portfolio
	holdings     map[string]models.Holding
	transactions map[string][]models.TransactionRecord // holdingID -> records
	prices       map[string]pricePoint                 // symbol -> latest quote
	locks        *keyedLocks
	now          func() time.Time
}

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		portfolios:   make(map[string]models.Portfolio),
		holdings:     make(map[string]models.Holding),
		transactions: make(map[string][]models.TransactionRecord),
		prices:       make(map[string]pricePoint),
		locks:        newKeyedLocks(lockTimeout),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateHolding(ctx context.Context, userID string, h models.Holding) (models.Holding, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ownedPortfolio(userID, h.PortfolioID); !ok {
		return models.Holding{}, false, models.ErrNotFound
	}
	for _, existing := range m.holdings {
		if existing.PortfolioID == h.PortfolioID && existing.SecurityID == h.SecurityID {
			return existing, false, nil
		}
	}
	m.holdings[h.ID] = h
	return h, true, nil
}

func (m *MemoryStore) GetHolding(ctx context.Context, userID, holdingID string) (models.Holding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.ownedHolding(userID, holdingID)
	if !ok {
		return models.Holding{}, models.ErrNotFound
	}
	return h, nil
}

func (m *MemoryStore) ListHoldings(ctx context.Context, userID, portfolioID string) ([]models.Holding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.ownedPortfolio(userID, portfolioID); !ok {
		return nil, models.ErrNotFound
	}
	out := []models.Holding{}
	for _, h := range m.holdings {
		if h.PortfolioID == portfolioID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SecurityID < out[j].SecurityID })
	return out, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID, holdingID string) ([]models.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.ownedHolding(userID, holdingID); !ok {
		return nil, models.ErrNotFound
	}
	out := append([]models.TransactionRecord{}, m.transactions[holdingID]...)
	ledger.SortHistory(out)
	return out, nil
}

func (m *MemoryStore) MutateHolding(ctx context.Context, userID, holdingID string, fn ledger.MutateFunc) (models.Holding, error) {
	unlock, err := m.locks.lock(ctx, "holding:"+holdingID)
	if err != nil {
		return models.Holding{}, err
	}
	defer unlock()

	m.mu.RLock()
	h, ok := m.ownedHolding(userID, holdingID)
	history := append([]models.TransactionRecord{}, m.transactions[holdingID]...)
	m.mu.RUnlock()
	if !ok {
		return models.Holding{}, models.ErrNotFound
	}
	ledger.SortHistory(history)

	change, err := fn(h, history)
	if err != nil {
		return models.Holding{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Holding{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// the portfolio may have been deleted while fn ran
	h, ok = m.ownedHolding(userID, holdingID)
	if !ok {
		return models.Holding{}, models.ErrNotFound
	}
	records := m.transactions[holdingID]
	switch {
	case change.Insert != nil:
		records = append(records, *change.Insert)
	case change.Update != nil:
		for i := range records {
			if records[i].ID == change.Update.ID {
				records[i] = *change.Update
			}
		}
	case change.DeleteID != "":
		kept := records[:0:0]
		for _, r := range records {
			if r.ID != change.DeleteID {
				kept = append(kept, r)
			}
		}
		records = kept
	}
	m.transactions[holdingID] = records
	h.Position = change.Position
	h.Version++
	h.UpdatedAt = m.now()
	m.holdings[holdingID] = h
	return h, nil
}

// HoldingRefs lists every holding with its owner.
func (m *MemoryStore) HoldingRefs(ctx context.Context) ([]models.HoldingRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.HoldingRef, 0, len(m.holdings))
	for _, h := range m.holdings {
		out = append(out, models.HoldingRef{UserID: m.portfolios[h.PortfolioID].UserID, HoldingID: h.ID})
	}
	return out, nil
}

func (m *MemoryStore) InsertPortfolio(ctx context.Context, p models.Portfolio) (models.Portfolio, error) {
	if p.IsDefault {
		unlock, err := m.locks.lock(ctx, "user:"+p.UserID)
		if err != nil {
			return models.Portfolio{}, err
		}
		defer unlock()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.IsDefault {
		m.clearDefault(p.UserID, p.ID)
	}
	m.portfolios[p.ID] = p
	return p, nil
}

func (m *MemoryStore) SwapDefault(ctx context.Context, userID, portfolioID string) (models.Portfolio, error) {
	unlock, err := m.locks.lock(ctx, "user:"+userID)
	if err != nil {
		return models.Portfolio{}, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ownedPortfolio(userID, portfolioID)
	if !ok {
		return models.Portfolio{}, models.ErrNotFound
	}
	m.clearDefault(userID, portfolioID)
	if !p.IsDefault {
		p.IsDefault = true
		p.UpdatedAt = m.now()
		m.portfolios[p.ID] = p
	}
	return p, nil
}

func (m *MemoryStore) GetPortfolio(ctx context.Context, userID, portfolioID string) (models.Portfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.ownedPortfolio(userID, portfolioID)
	if !ok {
		return models.Portfolio{}, models.ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) ListPortfolios(ctx context.Context, userID string) ([]models.Portfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Portfolio{}
	for _, p := range m.portfolios {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) DefaultPortfolio(ctx context.Context, userID string) (models.Portfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.portfolios {
		if p.UserID == userID && p.IsDefault {
			return p, nil
		}
	}
	return models.Portfolio{}, models.ErrNotFound
}

func (m *MemoryStore) DeletePortfolio(ctx context.Context, userID, portfolioID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ownedPortfolio(userID, portfolioID); !ok {
		return models.ErrNotFound
	}
	for id, h := range m.holdings {
		if h.PortfolioID == portfolioID {
			delete(m.transactions, id)
			delete(m.holdings, id)
		}
	}
	delete(m.portfolios, portfolioID)
	return nil
}

// clearDefault unsets every default of userID except keep. Callers hold mu.
func (m *MemoryStore) clearDefault(userID, keep string) {
	for id, p := range m.portfolios {
		if p.UserID == userID && p.IsDefault && id != keep {
			p.IsDefault = false
			p.UpdatedAt = m.now()
			m.portfolios[id] = p
		}
	}
}

func (m *MemoryStore) ownedPortfolio(userID, portfolioID string) (models.Portfolio, bool) {
	p, ok := m.portfolios[portfolioID]
	if !ok || p.UserID != userID {
		return models.Portfolio{}, false
	}
	return p, true
}

func (m *MemoryStore) ownedHolding(userID, holdingID string) (models.Holding, bool) {
	h, ok := m.holdings[holdingID]
	if !ok {
		return models.Holding{}, false
	}
	if _, ok := m.ownedPortfolio(userID, h.PortfolioID); !ok {
		return models.Holding{}, false
	}
	return h, true
}

func (m *MemoryStore) GetLatestPrice(ctx context.Context, symbol string) (money.Money, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[symbol]
	if !ok {
		return money.Zero, time.Time{}, models.ErrNotFound
	}
	return p.price, p.ts, nil
}

func (m *MemoryStore) UpsertPrice(ctx context.Context, symbol string, price money.Money, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.prices[symbol]; ok && cur.ts.After(ts) {
		return nil
	}
	m.prices[symbol] = pricePoint{price: price, ts: ts}
	return nil
}

// GetAllSymbols returns every symbol that is held or has a quote.
func (m *MemoryStore) GetAllSymbols(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	for s := range m.prices {
		seen[s] = true
	}
	for _, h := range m.holdings {
		seen[h.SecurityID] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
