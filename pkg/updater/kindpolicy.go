package updater

import (
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

// Marketplace kinds with lifecycle quirks the generic workers must honor.
// They are not accepted by order intake yet; the policy table keeps the
// quirk out of the workers' control flow when they are.
const (
	kindFoundation  wyvern.OrderKind = "foundation"
	kindCryptopunks wyvern.OrderKind = "cryptopunks"
	kindX2Y2        wyvern.OrderKind = "x2y2"
)

// KindPolicy captures per-marketplace lifecycle rules.
type KindPolicy struct {
	// Escrowed marketplaces custody the listed token, so a maker balance
	// change never affects fillability.
	Escrowed bool
	// CancelOnRevoke marketplaces invalidate orders off-chain the moment the
	// maker loses balance or approval; the order can never come back.
	CancelOnRevoke bool
}

// DefaultKindPolicies returns the policy table for the known order kinds.
func DefaultKindPolicies() map[wyvern.OrderKind]KindPolicy {
	return map[wyvern.OrderKind]KindPolicy{
		wyvern.OrderKindWyvernV2:  {},
		wyvern.OrderKindWyvernV23: {},
		kindFoundation:            {Escrowed: true},
		kindCryptopunks:           {Escrowed: true},
		kindX2Y2:                  {CancelOnRevoke: true},
	}
}

// escrowedKinds lists the kinds to skip on sell-balance rechecks.
func escrowedKinds(policies map[wyvern.OrderKind]KindPolicy) []wyvern.OrderKind {
	var kinds []wyvern.OrderKind
	for kind, policy := range policies {
		if policy.Escrowed {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
