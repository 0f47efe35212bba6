package policy

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
)

func TestLargeAmountAccept(t *testing.T) {
	threshold, _ := big.NewFloat(0).SetString("1.0")
	p := NewLargeAmount(map[string]*big.Float{"X": threshold})

	assert.True(t, p.Accept(&chain.Transfer{AssetSymbol: "X", Amount: "2"}))
	assert.False(t, p.Accept(&chain.Transfer{AssetSymbol: "X", Amount: "0.5"}))
	assert.False(t, p.Accept(&chain.Transfer{AssetSymbol: "Y", Amount: "1000"}), "missing threshold means reject")
}

func TestWatchAddressAccept(t *testing.T) {
	set := NewWatchedSet()
	set.Add("0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC")
	p := NewWatchAddress(set)

	assert.True(t, p.Accept(&chain.Transfer{From: "0xaa", To: "0xcccccccccccccccccccccccccccccccccccccccc"}))
	assert.False(t, p.Accept(&chain.Transfer{From: "0xaa", To: "0xdddddddddddddddddddddddddddddddddddddddd"}))
}

func TestWatchAddressRejectsSelfTransfer(t *testing.T) {
	set := NewWatchedSet()
	set.Add("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	p := NewWatchAddress(set)
	assert.False(t, p.Accept(&chain.Transfer{From: "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", To: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}))
}

func TestWatchedSetRemove(t *testing.T) {
	set := NewWatchedSet()
	set.Add("0xEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEE")
	assert.True(t, set.Contains("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"))

	set.Remove("0xEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEE")
	assert.False(t, set.Contains("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"))

	set.Remove("0xffffffffffffffffffffffffffffffffffffffff")
}

func TestHolderSwap(t *testing.T) {
	set := NewWatchedSet()
	h := NewHolder(NewWatchAddress(set))
	assert.Equal(t, "watch_address", h.Load().Name())

	threshold, _ := big.NewFloat(0).SetString("1.0")
	h.Swap(NewLargeAmount(map[string]*big.Float{"X": threshold}))
	assert.Equal(t, "large_amount", h.Load().Name())
}
