package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"PerpClearing/internal/clearing"
	"PerpClearing/internal/event"
	"PerpClearing/internal/funding"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/position"
)

// DeterministicCore is the single-threaded event processor. It owns the
// clearing ledger and the oracle board; every mutation flows through
// ProcessEvent in arrival order.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	protocol          *clearing.Protocol
	ledger            *clearing.Ledger
	board             *oracle.Board
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// Outcome describes the applied effect of one event, for projections and
// outcome publishing. Amount fields are nil when not applicable.
type Outcome struct {
	Type             event.EventType
	AccountID        uint64
	KeeperID         uint64
	Pool             string
	OracleID         string
	VTokenIn         *big.Int
	VQuoteIn         *big.Int
	AmountClosed     *big.Int
	NotionalClosed   *big.Int
	KeeperFee        *big.Int
	InsuranceFundFee *big.Int
	Funding          *FundingCheckpoint // set on trades that commit a funding checkpoint
	Balances         []AccountBalance   // post-commit balances of the affected accounts
	Timestamp        time.Time
}

// AccountBalance is an affected account's committed state after the event.
// Token fields are scoped to the outcome's pool and nil without one.
type AccountBalance struct {
	AccountID         uint64
	QuoteBalance      *big.Int
	TokenBalance      *big.Int
	NetTraderPosition *big.Int
}

// FundingCheckpoint is the pool's committed funding state after a trade,
// carried on the outcome so projections can record funding history.
type FundingCheckpoint struct {
	FundingRateX128 *big.Int
	SumAX128        *big.Int
	SumBX128        *big.Int
	SumFpX128       *big.Int
	MarkPriceX128   *big.Int
}

type CoreOutput struct {
	Envelope *event.EventEnvelope
	Outcome  *Outcome
}

// DefaultIdempotencyLRUCapacity bounds tier 1; tier 2 covers the long tail.
const DefaultIdempotencyLRUCapacity = 1_000_000

func NewDeterministicCore(
	startSequence int64,
	protocol *clearing.Protocol,
	board *oracle.Board,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	lruCapacity int,
) *DeterministicCore {
	if lruCapacity <= 0 {
		lruCapacity = DefaultIdempotencyLRUCapacity
	}
	idempotencyChecker := NewIdempotencyChecker(lruCapacity, dbChecker)

	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		protocol:          protocol,
		ledger:            clearing.NewLedger(protocol),
		board:             board,
		idempotency:       idempotencyChecker,
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// Ledger exposes the account ledger for read-only query use.
func (c *DeterministicCore) Ledger() *clearing.Ledger {
	return c.ledger
}

// Sequence returns the next sequence the core will assign.
func (c *DeterministicCore) Sequence() int64 {
	return c.sequence
}

// StateHash returns the chain hash of the last applied event.
func (c *DeterministicCore) StateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// SequenceState copies the per-partition expected sequences for snapshots.
func (c *DeterministicCore) SequenceState() map[string]int64 {
	return c.sequenceValidator.ExportState()
}

// SeedRecovery primes the hash chain, sequence validator, and idempotency
// LRU from a snapshot. Call before the first ProcessEvent.
func (c *DeterministicCore) SeedRecovery(prevHash [32]byte, sequenceState map[string]int64, idempotencyKeys []string) {
	c.hasher.SetPrevHash(prevHash)
	for partition, seq := range sequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, seq)
	}
	c.idempotency.Warm(idempotencyKeys)
}

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation. Oracle rounds tolerate gaps; everything
	// else must arrive densely ordered per partition.
	if round, ok := evt.(*event.OracleRound); ok {
		if err := c.sequenceValidator.ValidateOracleSequence(round.OracleID, round.Sequence); err != nil {
			return err
		}
	} else {
		partition := c.getPartition(evt)
		if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Dispatch to the clearing ledger
	outcome, err := c.dispatchEvent(evt)
	if err != nil {
		c.recordRejection(eventType, err)
		return fmt.Errorf("dispatch %s: %w", eventType, err)
	}

	affected := c.affectedAccounts(outcome)
	outcome.Balances = c.committedBalances(affected, outcome.Pool)

	// Step 4: State digest and hash chain
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(affected)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		PoolID:         evt.PoolID(),
		Timestamp:      c.getEventTimestamp(evt),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	c.sequence++

	output := CoreOutput{Envelope: envelope, Outcome: outcome}

	// Step 5: Emit outputs. Persistence uses a BLOCKING send so no event
	// is lost; projections use a NON-BLOCKING send and rebuild from the
	// event log when they fall behind.
	c.persistChan <- output
	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues(eventType).Inc()
		}
	}

	// Step 6: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return nil
}

func (c *DeterministicCore) recordRejection(eventType string, err error) {
	if c.metrics == nil {
		return
	}
	var margin *clearing.NotEnoughMarginError
	if errors.As(err, &margin) {
		c.metrics.MarginCheckFailures.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, "margin").Inc()
		return
	}
	c.metrics.CoreEventsRejected.WithLabelValues(eventType, "error").Inc()
}

// getPartition determines partition key for sequence validation
func (c *DeterministicCore) getPartition(evt event.Event) string {
	if poolID := evt.PoolID(); poolID != nil {
		return fmt.Sprintf("pool:%s", *poolID)
	}
	return "global"
}

// getEventTimestamp extracts the versioned timestamp from the event.
// The core never calls time.Now() for state purposes: all timestamps are
// versioned inputs so replay reproduces identical state.
func (c *DeterministicCore) getEventTimestamp(evt event.Event) time.Time {
	ts := event.TimestampOf(evt)
	if ts.IsZero() {
		panic(fmt.Sprintf("FATAL: getEventTimestamp called with unhandled event type %T", evt))
	}
	return ts
}

// dispatchEvent applies one event to the ledger and reports the outcome.
func (c *DeterministicCore) dispatchEvent(evt event.Event) (*Outcome, error) {
	switch e := evt.(type) {
	case *event.AccountCreate:
		id := c.ledger.CreateAccount(e.Owner)
		return &Outcome{Type: e.EventType(), AccountID: id, Timestamp: e.Timestamp}, nil

	case *event.MarginAdd:
		if err := c.ledger.AddMargin(e.AccountID, e.CollateralID, e.Amount); err != nil {
			return nil, err
		}
		return &Outcome{Type: e.EventType(), AccountID: e.AccountID, Timestamp: e.Timestamp}, nil

	case *event.MarginRemove:
		if err := c.ledger.RemoveMargin(e.AccountID, e.CollateralID, e.Amount, e.Timestamp.Unix()); err != nil {
			return nil, err
		}
		return &Outcome{Type: e.EventType(), AccountID: e.AccountID, Timestamp: e.Timestamp}, nil

	case *event.ProfitUpdate:
		if err := c.ledger.UpdateProfit(e.AccountID, e.Delta, e.Timestamp.Unix()); err != nil {
			return nil, err
		}
		return &Outcome{Type: e.EventType(), AccountID: e.AccountID, Timestamp: e.Timestamp}, nil

	case *event.TokenSwap:
		res, err := c.ledger.SwapToken(e.AccountID, e.Pool, e.Amount, e.IsNotional, e.Timestamp.Unix())
		if err != nil {
			return nil, err
		}
		var checkpoint *FundingCheckpoint
		if g, ok := c.protocol.Funding.Get(e.Pool); ok {
			checkpoint = &FundingCheckpoint{
				FundingRateX128: new(big.Int).Set(g.FundingRateX128),
				SumAX128:        new(big.Int).Set(g.SumAX128),
				SumBX128:        new(big.Int).Set(g.SumBX128),
				SumFpX128:       new(big.Int).Set(g.SumFpX128),
				MarkPriceX128:   new(big.Int),
			}
			if mark, err := c.protocol.MarkPriceX128(e.Pool, e.Timestamp.Unix()); err == nil {
				checkpoint.MarkPriceX128.Set(mark)
			}
			if c.metrics != nil {
				c.metrics.FundingTradesRegistered.WithLabelValues(e.Pool).Inc()
				c.metrics.FundingRatePerDay.WithLabelValues(e.Pool).Set(fundingRatePerDay(g.FundingRateX128))
			}
		}
		return &Outcome{
			Type:      e.EventType(),
			AccountID: e.AccountID,
			Pool:      e.Pool,
			VTokenIn:  res.VTokenIn,
			VQuoteIn:  res.VQuoteIn,
			Funding:   checkpoint,
			Timestamp: e.Timestamp,
		}, nil

	case *event.RangeOrderUpdate:
		lot, err := position.ParseLimitOrderType(e.LimitOrderType)
		if err != nil {
			return nil, err
		}
		err = c.ledger.UpdateRangeOrder(e.AccountID, e.Pool, e.TickLower, e.TickUpper,
			e.LiquidityDelta, lot, e.CloseTokenPosition, e.Timestamp.Unix())
		if err != nil {
			return nil, err
		}
		return &Outcome{Type: e.EventType(), AccountID: e.AccountID, Pool: e.Pool, Timestamp: e.Timestamp}, nil

	case *event.LimitOrderRemove:
		err := c.ledger.RemoveLimitOrder(e.AccountID, e.Pool, e.TickLower, e.TickUpper,
			e.KeeperID, e.KeeperFee, e.Timestamp.Unix())
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Type:      e.EventType(),
			AccountID: e.AccountID,
			KeeperID:  e.KeeperID,
			Pool:      e.Pool,
			KeeperFee: e.KeeperFee,
			Timestamp: e.Timestamp,
		}, nil

	case *event.RangeLiquidation:
		res, err := c.ledger.LiquidateLiquidityPositions(e.AccountID, e.KeeperID, e.Timestamp.Unix())
		if err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.RangeLiquidations.Inc()
			observeLiquidationFees(c.metrics, res.KeeperFee, res.InsuranceFundFee)
			c.metrics.InsuranceFundBalance.Set(bigFloat(c.protocol.Insurance))
		}
		return &Outcome{
			Type:             e.EventType(),
			AccountID:        e.AccountID,
			KeeperID:         e.KeeperID,
			NotionalClosed:   res.NotionalClosed,
			KeeperFee:        res.KeeperFee,
			InsuranceFundFee: res.InsuranceFundFee,
			Timestamp:        e.Timestamp,
		}, nil

	case *event.TokenLiquidation:
		res, err := c.ledger.LiquidateTokenPosition(e.KeeperID, e.AccountID, e.Pool, e.Timestamp.Unix())
		if err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.TokenLiquidations.WithLabelValues(e.Pool).Inc()
			observeLiquidationFees(c.metrics, res.KeeperFee, res.InsuranceFundFee)
			c.metrics.InsuranceFundBalance.Set(bigFloat(c.protocol.Insurance))
		}
		return &Outcome{
			Type:             e.EventType(),
			AccountID:        e.AccountID,
			KeeperID:         e.KeeperID,
			Pool:             e.Pool,
			AmountClosed:     res.AmountClosed,
			KeeperFee:        res.KeeperFee,
			InsuranceFundFee: res.InsuranceFundFee,
			Timestamp:        e.Timestamp,
		}, nil

	case *event.OracleRound:
		feed, ok := c.board.Feed(e.OracleID)
		if !ok {
			return nil, fmt.Errorf("unknown oracle %q", e.OracleID)
		}
		if err := feed.AddRound(e.Price, e.UpdatedAt); err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.OracleRounds.WithLabelValues(e.OracleID).Inc()
		}
		return &Outcome{Type: e.EventType(), OracleID: e.OracleID, Timestamp: e.Timestamp}, nil

	default:
		return nil, fmt.Errorf("unhandled event type %T", evt)
	}
}

// affectedAccounts lists the accounts whose state feeds this event's digest.
func (c *DeterministicCore) affectedAccounts(outcome *Outcome) []uint64 {
	ids := make(map[uint64]bool)
	if outcome != nil {
		if outcome.AccountID != 0 {
			ids[outcome.AccountID] = true
		}
		if outcome.KeeperID != 0 {
			ids[outcome.KeeperID] = true
		}
	}
	out := make([]uint64, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// committedBalances reads the post-commit balances of the affected
// accounts so downstream projections can apply absolute values instead of
// deltas (idempotent under replay).
func (c *DeterministicCore) committedBalances(accountIDs []uint64, poolID string) []AccountBalance {
	out := make([]AccountBalance, 0, len(accountIDs))
	for _, id := range accountIDs {
		a, err := c.ledger.Account(id)
		if err != nil {
			continue
		}
		b := AccountBalance{
			AccountID:    id,
			QuoteBalance: new(big.Int).Set(a.VQuoteBalance),
		}
		if poolID != "" {
			if tp, ok := a.TokenPositions[poolID]; ok {
				b.TokenBalance = new(big.Int).Set(tp.Balance)
				b.NetTraderPosition = new(big.Int).Set(tp.NetTraderPosition)
			}
		}
		out = append(out, b)
	}
	return out
}

// computeStateDigest creates canonical bytes of the affected account state
// plus the insurance fund, for the hash chain.
func (c *DeterministicCore) computeStateDigest(accountIDs []uint64) []byte {
	digest := make([]byte, 0, 256)

	for _, id := range accountIDs {
		a, err := c.ledger.Account(id)
		if err != nil {
			continue
		}
		digest = appendUint64LE(digest, id)
		digest = appendBig(digest, a.VQuoteBalance)

		collaterals := make([]string, 0, len(a.Deposits))
		for cid := range a.Deposits {
			collaterals = append(collaterals, cid)
		}
		sort.Strings(collaterals)
		for _, cid := range collaterals {
			digest = appendString(digest, cid)
			digest = appendBig(digest, a.Deposits[cid])
		}

		pools := make([]string, 0, len(a.TokenPositions))
		for pid := range a.TokenPositions {
			pools = append(pools, pid)
		}
		sort.Strings(pools)
		for _, pid := range pools {
			tp := a.TokenPositions[pid]
			digest = appendString(digest, pid)
			digest = appendBig(digest, tp.Balance)
			digest = appendBig(digest, tp.NetTraderPosition)
			digest = appendBig(digest, tp.SumALastX128)
		}

		lpPools := make([]string, 0, len(a.LiquidityPositions))
		for pid := range a.LiquidityPositions {
			lpPools = append(lpPools, pid)
		}
		sort.Strings(lpPools)
		for _, pid := range lpPools {
			digest = appendString(digest, pid)
			for _, lp := range a.LiquidityPositions[pid] {
				digest = appendInt64LE(digest, int64(lp.TickLower))
				digest = appendInt64LE(digest, int64(lp.TickUpper))
				digest = append(digest, byte(lp.LimitOrderType))
				digest = appendBig(digest, lp.Liquidity)
				digest = appendBig(digest, lp.SumALastX128)
				digest = appendBig(digest, lp.SumBInsideLastX128)
				digest = appendBig(digest, lp.SumFpInsideLastX128)
				digest = appendBig(digest, lp.SumFeeInsideLastX128)
			}
		}
	}

	digest = appendBig(digest, c.protocol.Insurance)
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return appendUint64LE(buf, uint64(v))
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, []byte(s)...)
}

// appendBig encodes sign, length, then magnitude bytes.
func appendBig(buf []byte, v *big.Int) []byte {
	if v == nil {
		v = new(big.Int)
	}
	buf = append(buf, byte(v.Sign()+1))
	b := v.Bytes()
	buf = append(buf, byte(len(b)>>8), byte(len(b)))
	return append(buf, b...)
}

// q128Float approximates 2^128 for gauge conversions.
var q128Float = func() float64 {
	f, _ := new(big.Float).SetInt(fpmath.Q128).Float64()
	return f
}()

func bigFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// fundingRatePerDay scales the stored per-second Q128 rate to the daily
// fraction the gauge reports.
func fundingRatePerDay(rateX128 *big.Int) float64 {
	return bigFloat(rateX128) / q128Float * funding.FundingPeriodSeconds
}

func observeLiquidationFees(m *observability.Metrics, keeperFee, insuranceFee *big.Int) {
	if keeperFee.Sign() > 0 {
		m.LiquidationFees.WithLabelValues("keeper").Add(bigFloat(keeperFee))
	}
	// Shortfall absorption makes the fund's share negative; counters only
	// track the paid direction.
	if insuranceFee.Sign() > 0 {
		m.LiquidationFees.WithLabelValues("insurance_fund").Add(bigFloat(insuranceFee))
	}
}
