package state_test

import (
	"testing"

	"VaultCore/internal/state"
)

func TestParams_ValidateAcceptsDefaults(t *testing.T) {
	if err := state.DefaultParams().Validate(); err != nil {
		t.Fatalf("default params rejected: %v", err)
	}
}

func TestParams_ValidateRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*state.Params)
	}{
		{"ZeroTickSpacing", func(p *state.Params) { p.TickSpacing = 0 }},
		{"NegativeFundingSF", func(p *state.Params) { p.FundingSF = -1 }},
		{"NegativePenaltyTicks", func(p *state.Params) { p.LiquidationPenaltyTicks = -1 }},
		{"ZeroMaxTickScan", func(p *state.Params) { p.MaxTickScan = 0 }},
		{"ZeroValidationDeadline", func(p *state.Params) { p.ValidationDeadline = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := state.DefaultParams()
			tc.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Error("out-of-range params accepted")
			}
		})
	}
}
