package clearing

import (
	"math/big"

	"PerpClearing/internal/amm"
	"PerpClearing/internal/funding"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/tick"
)

// MarginKind selects which ratio table a margin check uses.
type MarginKind int

const (
	MarginInitial MarginKind = iota
	MarginMaintenance
)

func (k MarginKind) String() string {
	if k == MarginMaintenance {
		return "maintenance"
	}
	return "initial"
}

// PoolSettings is the per-pool risk configuration.
type PoolSettings struct {
	PoolID                    string
	OracleID                  string
	InitialMarginRatioBps     int64
	MaintenanceMarginRatioBps int64
	TwapDuration              int64
	IsCrossMargined           bool
	DeployedAt                int64
}

// MarginRatioBps returns the ratio for the requested kind.
func (p *PoolSettings) MarginRatioBps(kind MarginKind) int64 {
	if kind == MarginMaintenance {
		return p.MaintenanceMarginRatioBps
	}
	return p.InitialMarginRatioBps
}

// CollateralSettings prices a collateral asset via its own oracle.
type CollateralSettings struct {
	CollateralID string
	OracleID     string
	TwapDuration int64
}

// LiquidationParams are protocol-wide liquidation constants.
type LiquidationParams struct {
	RangeLiquidationFeeFractionBps   int64
	MaxRangeLiquidationFees          *big.Int
	InsuranceFundFeeShareBps         int64
	CloseFactorMMThresholdBps        int64
	PartialLiquidationCloseFactorBps int64
	TokenLiquidationPriceDeltaBps    int64
	MinNotionalLiquidatable          *big.Int
	FixedKeeperFee                   *big.Int
}

// DefaultLiquidationParams mirror the mainnet-style defaults the tests use.
func DefaultLiquidationParams() LiquidationParams {
	return LiquidationParams{
		RangeLiquidationFeeFractionBps:   150, // 1.5%
		MaxRangeLiquidationFees:          big.NewInt(100_000),
		InsuranceFundFeeShareBps:         5_000, // 50/50 keeper split
		CloseFactorMMThresholdBps:        7_500,
		PartialLiquidationCloseFactorBps: 5_000,
		TokenLiquidationPriceDeltaBps:    300, // 3%
		MinNotionalLiquidatable:          big.NewInt(100),
		FixedKeeperFee:                   big.NewInt(10),
	}
}

// Protocol bundles the per-deployment stores and collaborators. Each test
// fixture builds its own Protocol; nothing here is process-global.
type Protocol struct {
	AMM      amm.Executor
	Oracle   oracle.Oracle
	Funding  *funding.Store
	Ticks    map[string]*tick.Store
	Pools    map[string]*PoolSettings
	Quote    string // collateral id of the primary quote asset
	Assets   map[string]*CollateralSettings
	Liq      LiquidationParams
	Insurance *big.Int // insurance fund quote balance; negative = system shortfall
}

// NewProtocol wires an empty deployment around the given collaborators.
func NewProtocol(executor amm.Executor, priceOracle oracle.Oracle) *Protocol {
	return &Protocol{
		AMM:       executor,
		Oracle:    priceOracle,
		Funding:   funding.NewStore(),
		Ticks:     make(map[string]*tick.Store),
		Pools:     make(map[string]*PoolSettings),
		Quote:     "USDC",
		Assets:    make(map[string]*CollateralSettings),
		Liq:       DefaultLiquidationParams(),
		Insurance: new(big.Int),
	}
}

// RegisterPool adds a pool and its tick/funding stores.
func (p *Protocol) RegisterPool(settings *PoolSettings) {
	p.Pools[settings.PoolID] = settings
	p.Ticks[settings.PoolID] = tick.NewStore()
	p.Funding.GetOrCreate(settings.PoolID, settings.DeployedAt)
}

// RegisterCollateral adds a collateral asset.
func (p *Protocol) RegisterCollateral(settings *CollateralSettings) {
	p.Assets[settings.CollateralID] = settings
}

// MarkPriceX128 reads the pool's oracle price.
func (p *Protocol) MarkPriceX128(poolID string, now int64) (*big.Int, error) {
	return p.Oracle.MarkPriceX128(p.Pools[poolID].OracleID, now)
}
