// Package policy implements C3, the Policy Filter: the decision of whether
// an accepted Transfer is interesting enough to enter the pipeline. Exactly
// one of the two strategies below is active per core at a time, and the
// active one is hot-swappable without restarting the Head Loop.
package policy

import (
	"math/big"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
)

// Policy decides whether to accept a Transfer.
type Policy interface {
	Accept(t *chain.Transfer) bool
	Name() string
}

// LargeAmount accepts transfers whose amount meets or exceeds a
// per-symbol threshold. A symbol with no configured threshold is treated as
// +infinity (never accepted).
type LargeAmount struct {
	Thresholds map[string]*big.Float // symbol -> minimum display amount
}

func NewLargeAmount(thresholds map[string]*big.Float) *LargeAmount {
	return &LargeAmount{Thresholds: thresholds}
}

func (p *LargeAmount) Name() string { return "large_amount" }

func (p *LargeAmount) Accept(t *chain.Transfer) bool {
	threshold, ok := p.Thresholds[t.AssetSymbol]
	if !ok {
		return false
	}
	amount, ok := new(big.Float).SetString(t.Amount)
	if !ok {
		return false
	}
	return amount.Cmp(threshold) >= 0
}

// WatchAddress accepts transfers whose recipient is in the shared
// WatchedSet. For token transfers, the recipient is the decoded ABI
// argument, not the transaction's `to` (the token contract) — the decoder
// already resolved that distinction before Policy ever sees the Transfer.
type WatchAddress struct {
	Set *WatchedSet
}

func NewWatchAddress(set *WatchedSet) *WatchAddress {
	return &WatchAddress{Set: set}
}

func (p *WatchAddress) Name() string { return "watch_address" }

func (p *WatchAddress) Accept(t *chain.Transfer) bool {
	if chain.Lowercase(t.From) == chain.Lowercase(t.To) {
		return false
	}
	return p.Set.Contains(t.To)
}
