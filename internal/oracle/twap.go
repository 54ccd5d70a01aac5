package oracle

import (
	"fmt"
	"math/big"
	"sort"

	fpmath "PerpClearing/internal/math"
)

// Round is one price observation from a round-based feed.
type Round struct {
	Price     *big.Int
	UpdatedAt int64
}

// RoundHistory computes time-weighted average prices over a chainlink-style
// round feed. Each round's price is weighted by how long it was the latest
// answer within the query window.
type RoundHistory struct {
	id     string
	twap   int64 // TWAP duration in seconds
	rounds []Round
}

func NewRoundHistory(id string, twapDuration int64) *RoundHistory {
	return &RoundHistory{id: id, twap: twapDuration}
}

// AddRound appends an observation. Rounds must arrive in time order.
func (h *RoundHistory) AddRound(price *big.Int, updatedAt int64) error {
	if n := len(h.rounds); n > 0 && h.rounds[n-1].UpdatedAt > updatedAt {
		return fmt.Errorf("round for %s out of order: %d after %d", h.id, updatedAt, h.rounds[n-1].UpdatedAt)
	}
	h.rounds = append(h.rounds, Round{Price: new(big.Int).Set(price), UpdatedAt: updatedAt})
	return nil
}

// TwapPrice returns the time-weighted average over [now-duration, now].
// Each round contributes floor(price·weight/duration); summing the floored
// shares biases the result down by at most one unit per round, which keeps
// the estimate conservative and deterministic.
func (h *RoundHistory) TwapPrice(now, duration int64) (*big.Int, error) {
	if len(h.rounds) == 0 {
		return nil, fmt.Errorf("no rounds for %s", h.id)
	}
	if duration <= 0 {
		return new(big.Int).Set(h.rounds[len(h.rounds)-1].Price), nil
	}
	windowStart := now - duration

	// First round at or before the window start.
	idx := sort.Search(len(h.rounds), func(i int) bool {
		return h.rounds[i].UpdatedAt > windowStart
	})
	if idx > 0 {
		idx--
	}

	sum := new(big.Int)
	total := int64(0)
	for i := idx; i < len(h.rounds); i++ {
		start := h.rounds[i].UpdatedAt
		if start < windowStart {
			start = windowStart
		}
		end := now
		if i+1 < len(h.rounds) && h.rounds[i+1].UpdatedAt < end {
			end = h.rounds[i+1].UpdatedAt
		}
		if end <= start {
			continue
		}
		weight := end - start
		share := new(big.Int).Mul(h.rounds[i].Price, big.NewInt(weight))
		share.Div(share, big.NewInt(duration)) // floor per round
		sum.Add(sum, share)
		total += weight
	}
	if total == 0 {
		return new(big.Int).Set(h.rounds[len(h.rounds)-1].Price), nil
	}
	if total < duration {
		// Window extends past recorded history: rescale so the covered
		// span carries full weight.
		sum.Mul(sum, big.NewInt(duration))
		sum.Div(sum, big.NewInt(total))
	}
	return sum, nil
}

// MarkPriceX128 satisfies Oracle using the configured TWAP duration,
// scaled to Q128.
func (h *RoundHistory) MarkPriceX128(id string, now int64) (*big.Int, error) {
	twap, err := h.TwapPrice(now, h.twap)
	if err != nil {
		return nil, err
	}
	return twap.Mul(twap, fpmath.Q128), nil
}

// Board multiplexes round feeds by oracle id so one Oracle value can price
// every pool and collateral asset.
type Board struct {
	feeds map[string]*RoundHistory
}

func NewBoard() *Board {
	return &Board{feeds: make(map[string]*RoundHistory)}
}

// Register creates (or returns) the feed for an oracle id.
func (b *Board) Register(id string, twapDuration int64) *RoundHistory {
	if h, ok := b.feeds[id]; ok {
		return h
	}
	h := NewRoundHistory(id, twapDuration)
	b.feeds[id] = h
	return h
}

// Feed returns the registered feed, if any.
func (b *Board) Feed(id string) (*RoundHistory, bool) {
	h, ok := b.feeds[id]
	return h, ok
}

func (b *Board) MarkPriceX128(id string, now int64) (*big.Int, error) {
	h, ok := b.feeds[id]
	if !ok {
		return nil, fmt.Errorf("no feed for %q", id)
	}
	return h.MarkPriceX128(id, now)
}
