// Package tier holds the static agent ladder: the ordered eight-tier
// catalog and the per-tier referral counting rules.
package tier

import (
	"fmt"

	"github.com/refermint/ladder/engine/pkg/domain"
)

// Name identifies one rung of the agent ladder.
type Name string

const (
	Rookie   Name = "rookie"
	Bronze   Name = "bronze"
	Iron     Name = "iron"
	Steel    Name = "steel"
	Silver   Name = "silver"
	Gold     Name = "gold"
	Platinum Name = "platinum"
	Diamond  Name = "diamond"
)

// Tier is one immutable catalog row. Values are configuration data,
// seeded below, never computed.
type Tier struct {
	Name                  Name
	DisplayName           string
	ReferralRequirement   int
	CommissionRate        float64 // percent, 0-100
	WithdrawalFrequency   int     // withdrawals allowed per rolling week
	ChallengeDurationDays int
}

// catalog is ordered rookie -> diamond. ReferralRequirement is strictly
// increasing across the list.
var catalog = []Tier{
	{Name: Rookie, DisplayName: "Rookie", ReferralRequirement: 50, CommissionRate: 5, WithdrawalFrequency: 1, ChallengeDurationDays: 7},
	{Name: Bronze, DisplayName: "Bronze Agent", ReferralRequirement: 100, CommissionRate: 8, WithdrawalFrequency: 1, ChallengeDurationDays: 7},
	{Name: Iron, DisplayName: "Iron Agent", ReferralRequirement: 200, CommissionRate: 10, WithdrawalFrequency: 1, ChallengeDurationDays: 7},
	{Name: Steel, DisplayName: "Steel Agent", ReferralRequirement: 400, CommissionRate: 12, WithdrawalFrequency: 1, ChallengeDurationDays: 7},
	{Name: Silver, DisplayName: "Silver Agent", ReferralRequirement: 1000, CommissionRate: 15, WithdrawalFrequency: 2, ChallengeDurationDays: 14},
	{Name: Gold, DisplayName: "Gold Agent", ReferralRequirement: 2500, CommissionRate: 25, WithdrawalFrequency: 2, ChallengeDurationDays: 14},
	{Name: Platinum, DisplayName: "Platinum Agent", ReferralRequirement: 6000, CommissionRate: 30, WithdrawalFrequency: 3, ChallengeDurationDays: 21},
	{Name: Diamond, DisplayName: "Diamond Agent", ReferralRequirement: 15000, CommissionRate: 40, WithdrawalFrequency: 3, ChallengeDurationDays: 30},
}

var rank = func() map[Name]int {
	m := make(map[Name]int, len(catalog))
	for i, t := range catalog {
		m[t.Name] = i
	}
	return m
}()

// All returns the catalog in ladder order. The slice is a copy.
func All() []Tier {
	out := make([]Tier, len(catalog))
	copy(out, catalog)
	return out
}

// Get looks up a tier by name.
func Get(name Name) (Tier, error) {
	i, ok := rank[name]
	if !ok {
		return Tier{}, fmt.Errorf("tier %q: %w", name, domain.ErrNotFound)
	}
	return catalog[i], nil
}

// Next returns the tier immediately above name. ok is false at the top
// of the ladder.
func Next(name Name) (next Tier, ok bool, err error) {
	i, found := rank[name]
	if !found {
		return Tier{}, false, fmt.Errorf("tier %q: %w", name, domain.ErrNotFound)
	}
	if i == len(catalog)-1 {
		return Tier{}, false, nil
	}
	return catalog[i+1], true, nil
}

// Previous returns the adjacent catalog predecessor. Rookie is the
// floor of the ladder and maps to itself.
func Previous(name Name) (Tier, error) {
	i, ok := rank[name]
	if !ok {
		return Tier{}, fmt.Errorf("tier %q: %w", name, domain.ErrNotFound)
	}
	if i == 0 {
		return catalog[0], nil
	}
	return catalog[i-1], nil
}

// IsValid reports whether name is one of the eight known identifiers.
func IsValid(name Name) bool {
	_, ok := rank[name]
	return ok
}

// Before reports whether a sits strictly below b on the ladder.
// Unknown names sort nowhere and return false.
func Before(a, b Name) bool {
	ia, aok := rank[a]
	ib, bok := rank[b]
	return aok && bok && ia < ib
}
