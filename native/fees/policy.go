package fees

import (
	"fmt"
	"math/big"
)

// MaxRatePercent bounds each individual fee rate. The two rates combined must
// also stay below 100 so that the net amount remains positive for any gross.
const MaxRatePercent = 50

// Policy holds the two platform fee rates as integer percentages. Rates apply
// per full hundred units of gross value.
type Policy struct {
	ProviderRate uint32
	OrgRate      uint32
}

// DefaultPolicy returns the platform's initial fee configuration.
func DefaultPolicy() Policy {
	return Policy{ProviderRate: 10, OrgRate: 3}
}

// Validate checks that both rates are within the supported range.
func (p Policy) Validate() error {
	if p.ProviderRate > MaxRatePercent {
		return fmt.Errorf("fees: provider rate %d exceeds maximum %d", p.ProviderRate, MaxRatePercent)
	}
	if p.OrgRate > MaxRatePercent {
		return fmt.Errorf("fees: organization rate %d exceeds maximum %d", p.OrgRate, MaxRatePercent)
	}
	return nil
}

// Split computes the fee breakdown for a gross amount. Each fee is
// floor(gross/100) * rate, so any remainder from a gross that is not a
// multiple of 100 accrues to the net amount rather than being lost.
type Split struct {
	Net         *big.Int
	OrgFee      *big.Int
	ProviderFee *big.Int
}

// Apply evaluates the policy against the supplied gross amount. The gross must
// be positive; callers validate before invoking.
func (p Policy) Apply(gross *big.Int) Split {
	result := Split{
		Net:         big.NewInt(0),
		OrgFee:      big.NewInt(0),
		ProviderFee: big.NewInt(0),
	}
	if gross == nil || gross.Sign() <= 0 {
		return result
	}
	hundreds := new(big.Int).Div(gross, big.NewInt(100))
	result.ProviderFee = new(big.Int).Mul(hundreds, big.NewInt(int64(p.ProviderRate)))
	result.OrgFee = new(big.Int).Mul(hundreds, big.NewInt(int64(p.OrgRate)))
	result.Net = new(big.Int).Sub(gross, result.ProviderFee)
	result.Net.Sub(result.Net, result.OrgFee)
	return result
}

// Total returns net + orgFee + providerFee, which always equals the gross the
// split was computed from.
func (s Split) Total() *big.Int {
	total := big.NewInt(0)
	if s.Net != nil {
		total.Add(total, s.Net)
	}
	if s.OrgFee != nil {
		total.Add(total, s.OrgFee)
	}
	if s.ProviderFee != nil {
		total.Add(total, s.ProviderFee)
	}
	return total
}
