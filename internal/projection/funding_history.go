package projection

import (
	"math/big"
	"sync"
)

// FundingHistoryEntry is one committed funding checkpoint of a pool.
type FundingHistoryEntry struct {
	PoolID          string
	Sequence        int64
	FundingRateX128 *big.Int
	MarkPriceX128   *big.Int
	Timestamp       int64
}

// FundingHistoryProjection keeps a bounded in-memory window of recent
// funding checkpoints for fast queries; the full history lives in
// projections.funding_history. Safe for one writer and many readers.
type FundingHistoryProjection struct {
	mu      sync.RWMutex
	entries []FundingHistoryEntry
	maxSize int
}

func NewFundingHistoryProjection(maxSize int) *FundingHistoryProjection {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &FundingHistoryProjection{
		entries: make([]FundingHistoryEntry, 0, maxSize),
		maxSize: maxSize,
	}
}

// AddEntry records a funding checkpoint, evicting the oldest entries past
// the window size.
func (p *FundingHistoryProjection) AddEntry(entry FundingHistoryEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries = append(p.entries, entry)
	if len(p.entries) > p.maxSize {
		p.entries = p.entries[len(p.entries)-p.maxSize:]
	}
}

// QueryByPool returns the newest entries of one pool, newest first.
func (p *FundingHistoryProjection) QueryByPool(poolID string, limit int) []FundingHistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]FundingHistoryEntry, 0, limit)
	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if p.entries[i].PoolID == poolID {
			result = append(result, p.entries[i])
		}
	}
	return result
}

// Latest returns the most recent entry of one pool.
func (p *FundingHistoryProjection) Latest(poolID string) (FundingHistoryEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for i := len(p.entries) - 1; i >= 0; i-- {
		if p.entries[i].PoolID == poolID {
			return p.entries[i], true
		}
	}
	return FundingHistoryEntry{}, false
}
