package clearing

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"

	"PerpClearing/internal/position"
)

// Account is one trader's ledger entry: collateral deposits, the primary
// quote balance trades settle into, and per-pool positions. Accounts are
// never destroyed, only drained to zero.
type Account struct {
	ID            uint64
	Owner         uuid.UUID
	Deposits      map[string]*big.Int
	VQuoteBalance *big.Int

	TokenPositions     map[string]*position.TokenPosition
	LiquidityPositions map[string][]*position.LiquidityPosition
}

func newAccount(id uint64, owner uuid.UUID) *Account {
	return &Account{
		ID:                 id,
		Owner:              owner,
		Deposits:           make(map[string]*big.Int),
		VQuoteBalance:      new(big.Int),
		TokenPositions:     make(map[string]*position.TokenPosition),
		LiquidityPositions: make(map[string][]*position.LiquidityPosition),
	}
}

// clone deep-copies the account so an operation can be applied, margin
// checked, and either committed or discarded whole.
func (a *Account) clone() *Account {
	c := newAccount(a.ID, a.Owner)
	c.VQuoteBalance.Set(a.VQuoteBalance)
	for k, v := range a.Deposits {
		c.Deposits[k] = new(big.Int).Set(v)
	}
	for k, tp := range a.TokenPositions {
		cp := position.NewTokenPosition()
		cp.Balance.Set(tp.Balance)
		cp.NetTraderPosition.Set(tp.NetTraderPosition)
		cp.SumALastX128.Set(tp.SumALastX128)
		c.TokenPositions[k] = cp
	}
	for k, list := range a.LiquidityPositions {
		copied := make([]*position.LiquidityPosition, 0, len(list))
		for _, lp := range list {
			var np position.LiquidityPosition
			_ = np.Initialize(lp.TickLower, lp.TickUpper, lp.LimitOrderType)
			np.Liquidity.Set(lp.Liquidity)
			np.SumALastX128.Set(lp.SumALastX128)
			np.SumBInsideLastX128.Set(lp.SumBInsideLastX128)
			np.SumFpInsideLastX128.Set(lp.SumFpInsideLastX128)
			np.SumFeeInsideLastX128.Set(lp.SumFeeInsideLastX128)
			copied = append(copied, &np)
		}
		c.LiquidityPositions[k] = copied
	}
	return c
}

// tokenPosition returns the pool's token position, creating it lazily.
func (a *Account) tokenPosition(poolID string) *position.TokenPosition {
	tp, ok := a.TokenPositions[poolID]
	if !ok {
		tp = position.NewTokenPosition()
		a.TokenPositions[poolID] = tp
	}
	return tp
}

// findRange locates the liquidity position with the exact
// (tickLower, tickUpper, limitOrderType) signature.
func (a *Account) findRange(poolID string, tickLower, tickUpper int32, lot position.LimitOrderType) (*position.LiquidityPosition, int) {
	for i, lp := range a.LiquidityPositions[poolID] {
		if lp.TickLower == tickLower && lp.TickUpper == tickUpper && lp.LimitOrderType == lot {
			return lp, i
		}
	}
	return nil, -1
}

// removeRange drops position i from the pool's list.
func (a *Account) removeRange(poolID string, i int) {
	list := a.LiquidityPositions[poolID]
	a.LiquidityPositions[poolID] = append(list[:i], list[i+1:]...)
	if len(a.LiquidityPositions[poolID]) == 0 {
		delete(a.LiquidityPositions, poolID)
	}
}

// poolActive reports whether the pool carries margin-relevant exposure.
func (a *Account) poolActive(poolID string) bool {
	if len(a.LiquidityPositions[poolID]) > 0 {
		return true
	}
	tp, ok := a.TokenPositions[poolID]
	return ok && !tp.IsFlat()
}

// activePools returns the active pool ids in deterministic order.
func (a *Account) activePools() []string {
	seen := make(map[string]bool)
	for id := range a.TokenPositions {
		if a.poolActive(id) {
			seen[id] = true
		}
	}
	for id := range a.LiquidityPositions {
		if a.poolActive(id) {
			seen[id] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Ledger is the top-level account store and operation surface. The host
// invokes one operation at a time; each mutating operation is applied to a
// clone, margin-checked, and committed all-or-nothing.
type Ledger struct {
	protocol *Protocol
	accounts map[uint64]*Account
	nextID   uint64
}

func NewLedger(p *Protocol) *Ledger {
	return &Ledger{
		protocol: p,
		accounts: make(map[uint64]*Account),
		nextID:   1,
	}
}

// CreateAccount allocates a monotonically increasing account id.
func (l *Ledger) CreateAccount(owner uuid.UUID) uint64 {
	id := l.nextID
	l.nextID++
	l.accounts[id] = newAccount(id, owner)
	return id
}

// AccountIDs returns every account id in ascending order.
func (l *Ledger) AccountIDs() []uint64 {
	ids := make([]uint64, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RestoreAccount reinstates a snapshotted account and advances the id
// allocator past it. Recovery only; never call on a live ledger.
func (l *Ledger) RestoreAccount(a *Account) {
	l.accounts[a.ID] = a
	if a.ID >= l.nextID {
		l.nextID = a.ID + 1
	}
}

// Account returns the live account state. Callers must treat it read-only.
func (l *Ledger) Account(id uint64) (*Account, error) {
	a, ok := l.accounts[id]
	if !ok {
		return nil, &AccountNotFoundError{AccountID: id}
	}
	return a, nil
}

// AddMargin credits a collateral deposit. Credits never need a margin check.
func (l *Ledger) AddMargin(id uint64, collateralID string, amount *big.Int) error {
	a, err := l.Account(id)
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("add margin: amount must be positive, got %s", amount)
	}
	if _, ok := l.protocol.Assets[collateralID]; !ok {
		return fmt.Errorf("add margin: unknown collateral %q", collateralID)
	}
	bal, ok := a.Deposits[collateralID]
	if !ok {
		bal = new(big.Int)
		a.Deposits[collateralID] = bal
	}
	bal.Add(bal, amount)
	return nil
}

// RemoveMargin debits a deposit, then requires the account to stay at or
// above its initial required margin.
func (l *Ledger) RemoveMargin(id uint64, collateralID string, amount *big.Int, now int64) error {
	a, err := l.Account(id)
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("remove margin: amount must be positive, got %s", amount)
	}
	work := a.clone()
	bal, ok := work.Deposits[collateralID]
	if !ok {
		bal = new(big.Int)
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("remove margin: deposit balance %s < %s", bal, amount)
	}
	bal.Sub(bal, amount)

	if err := l.checkMargin(work, MarginInitial, now); err != nil {
		return err
	}
	l.accounts[id] = work
	return nil
}

// UpdateProfit moves realized profit in or out of the quote balance.
// Withdrawals require the quote balance to stay non-negative and the
// account to stay above initial margin.
func (l *Ledger) UpdateProfit(id uint64, delta *big.Int, now int64) error {
	a, err := l.Account(id)
	if err != nil {
		return err
	}
	if delta.Sign() == 0 {
		return nil
	}
	work := a.clone()
	work.VQuoteBalance.Add(work.VQuoteBalance, delta)

	if delta.Sign() < 0 {
		if work.VQuoteBalance.Sign() < 0 {
			return &NotEnoughProfitError{Profit: new(big.Int).Set(work.VQuoteBalance)}
		}
		if err := l.checkMargin(work, MarginInitial, now); err != nil {
			return err
		}
	}
	l.accounts[id] = work
	return nil
}

// DepositBalance reads one collateral balance.
func (l *Ledger) DepositBalance(id uint64, collateralID string) (*big.Int, error) {
	a, err := l.Account(id)
	if err != nil {
		return nil, err
	}
	bal, ok := a.Deposits[collateralID]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(bal), nil
}

// checkMargin rejects the operation when the account's market value is
// below its required margin of the given kind.
func (l *Ledger) checkMargin(a *Account, kind MarginKind, now int64) error {
	mv, req, err := l.valueAndMargin(a, kind, now)
	if err != nil {
		return err
	}
	if mv.Cmp(req) < 0 {
		return &NotEnoughMarginError{MarketValue: mv, RequiredMargin: req}
	}
	return nil
}
