package state

import (
	"fmt"

	fpmath "VaultCore/internal/math"
)

// Params holds the configured protocol parameters. Admin setters validate
// before accepting; the engine treats them as read-mostly inputs.
type Params struct {
	TickSpacing             int64 `json:"tick_spacing"`
	MinLeverage             int64 `json:"min_leverage"`               // LeverageConfig scale
	MaxLeverage             int64 `json:"max_leverage"`               // LeverageConfig scale
	PositionFeeBps          int64 `json:"position_fee_bps"`           // entry/exit fee
	ProtocolFeeBps          int64 `json:"protocol_fee_bps"`           // skim of funding value
	FeeThreshold            int64 `json:"fee_threshold"`              // pending fee flush threshold, AmountConfig scale
	FundingSF               int64 `json:"funding_sf"`                 // per-second scaling factor, RateConfig scale
	ValidationDeadline      int64 `json:"validation_deadline"`        // seconds until a pending action is actionable by anyone
	LiquidationPenaltyTicks int64 `json:"liquidation_penalty_ticks"`  // penalty expressed in tick spacings
	MaxTickScan             int   `json:"max_tick_scan"`              // highest-tick cache fallback scan bound
	RebaseInterval          int64 `json:"rebase_interval"`            // seconds between rebase checks
	RebaseThresholdBps      int64 `json:"rebase_threshold_bps"`       // price/target ratio trigger
	TargetPrice             int64 `json:"target_price"`               // stable token peg, PriceConfig scale
	TokenDecimals           int   `json:"token_decimals"`             // stable token decimals (6..18)
}

// DefaultParams returns production defaults.
func DefaultParams() Params {
	return Params{
		TickSpacing:             100,
		MinLeverage:             fpmath.LeverageConfig.Scale + 1, // 1.000000001x
		MaxLeverage:             10 * fpmath.LeverageConfig.Scale,
		PositionFeeBps:          4,
		ProtocolFeeBps:          800,
		FeeThreshold:            100 * fpmath.AmountConfig.Scale,
		FundingSF:               12, // 1.2e-8 per second at full imbalance
		ValidationDeadline:      90,
		LiquidationPenaltyTicks: 2,
		MaxTickScan:             50,
		RebaseInterval:          12 * 3600,
		RebaseThresholdBps:      100, // trigger when price > 1.01x target
		TargetPrice:             fpmath.PriceConfig.Scale,
		TokenDecimals:           18,
	}
}

// Validate enforces the admin-setter bounds: non-zero where required,
// basis-point parameters below the divisor.
func (p Params) Validate() error {
	if p.TickSpacing <= 0 {
		return fmt.Errorf("tick spacing must be positive: %d", p.TickSpacing)
	}
	if p.MinLeverage <= fpmath.LeverageConfig.Scale {
		return fmt.Errorf("min leverage must exceed 1x: %d", p.MinLeverage)
	}
	if p.MaxLeverage <= p.MinLeverage {
		return fmt.Errorf("max leverage %d must exceed min leverage %d", p.MaxLeverage, p.MinLeverage)
	}
	if p.PositionFeeBps < 0 || p.PositionFeeBps >= fpmath.BpsDivisor {
		return fmt.Errorf("position fee bps out of range: %d", p.PositionFeeBps)
	}
	if p.ProtocolFeeBps < 0 || p.ProtocolFeeBps >= fpmath.BpsDivisor {
		return fmt.Errorf("protocol fee bps out of range: %d", p.ProtocolFeeBps)
	}
	if p.FeeThreshold <= 0 {
		return fmt.Errorf("fee threshold must be positive: %d", p.FeeThreshold)
	}
	if p.FundingSF < 0 {
		return fmt.Errorf("funding scaling factor must be non-negative: %d", p.FundingSF)
	}
	if p.ValidationDeadline <= 0 {
		return fmt.Errorf("validation deadline must be positive: %d", p.ValidationDeadline)
	}
	if p.LiquidationPenaltyTicks < 0 {
		return fmt.Errorf("liquidation penalty ticks must be non-negative: %d", p.LiquidationPenaltyTicks)
	}
	if p.MaxTickScan <= 0 {
		return fmt.Errorf("max tick scan must be positive: %d", p.MaxTickScan)
	}
	if p.RebaseInterval <= 0 {
		return fmt.Errorf("rebase interval must be positive: %d", p.RebaseInterval)
	}
	if p.RebaseThresholdBps <= 0 || p.RebaseThresholdBps >= fpmath.BpsDivisor {
		return fmt.Errorf("rebase threshold bps out of range: %d", p.RebaseThresholdBps)
	}
	if p.TargetPrice <= 0 {
		return fmt.Errorf("target price must be positive: %d", p.TargetPrice)
	}
	if p.TokenDecimals < 6 || p.TokenDecimals > 18 {
		return fmt.Errorf("token decimals out of range: %d", p.TokenDecimals)
	}
	return nil
}

// Protocol is the singleton mutable protocol state. It holds only scalar
// fields so the engine can take a shallow copy for all-or-nothing commit.
type Protocol struct {
	VaultBalance  int64 `json:"vault_balance"`  // vault side, AmountConfig scale
	LongBalance   int64 `json:"long_balance"`   // long side, AmountConfig scale
	TotalExpo     int64 `json:"total_expo"`     // leveraged exposure across all positions
	LiqMultiplier int64 `json:"liq_multiplier"` // RateConfig scale, starts at 1x
	LastFundingTs int64 `json:"last_funding_ts"`
	PendingFees   int64 `json:"pending_fees"`
	LastRebaseTs  int64 `json:"last_rebase_ts"`

	Params Params `json:"params"`
}

// NewProtocol initializes protocol state at a timestamp.
func NewProtocol(params Params, now int64) *Protocol {
	return &Protocol{
		LiqMultiplier: fpmath.RateConfig.Scale,
		LastFundingTs: now,
		LastRebaseTs:  now,
		Params:        params,
	}
}

// LongTradingExpo is the long side's trading exposure: total exposure
// minus the long balance.
func (p *Protocol) LongTradingExpo() int64 {
	return p.TotalExpo - p.LongBalance
}

// VaultTradingExpo is the vault side's trading exposure.
func (p *Protocol) VaultTradingExpo() int64 {
	return p.VaultBalance
}
