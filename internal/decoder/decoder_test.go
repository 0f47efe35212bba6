package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
)

func testConfig() *chain.Config {
	return &chain.Config{
		ChainName:    "bsc",
		NativeSymbol: "BNB",
		Tokens: map[string]chain.TokenConfig{
			"USDT": {Symbol: "USDT", Address: "0xdddddddddddddddddddddddddddddddddddddddd"[:42], Decimals: 18},
		},
	}
}

func TestDecodeNativeTransfer(t *testing.T) {
	cfg := testConfig()
	tx := chain.RawTx{
		Hash:        "0xhash1",
		From:        "0xAA00000000000000000000000000000000000A",
		To:          "0xBB00000000000000000000000000000000000B",
		Value:       "2000000000000000000",
		BlockNumber: 100,
	}
	tr, err := Decode(tx, cfg)
	require.NoError(t, err)
	assert.True(t, tr.IsNative)
	assert.Equal(t, "BNB", tr.AssetSymbol)
	assert.Equal(t, "2", tr.Amount)
	assert.Equal(t, chain.Lowercase(tx.From), tr.From)
	assert.Equal(t, chain.Lowercase(tx.To), tr.To)
}

func TestDecodeSelfTransferRejected(t *testing.T) {
	cfg := testConfig()
	tx := chain.RawTx{
		Hash:  "0xhash2",
		From:  "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		To:    "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		Value: "5000000000000000000",
	}
	_, err := Decode(tx, cfg)
	assert.ErrorIs(t, err, chain.ErrSelfTransfer)
}

// TestDecodeTokenTruncatedAmount checks that a transfer() call whose amount
// argument is truncated to 2 hex chars is right-padded to a full 32-byte
// word before being interpreted as an integer.
func TestDecodeTokenTruncatedAmount(t *testing.T) {
	cfg := testConfig()
	tokenAddr := cfg.Tokens["USDT"].Address
	recipient := "dddddddddddddddddddddddddddddddddddddddd"[:40]
	// selector + 24 zero-pad + 40-char recipient + truncated amount "76"
	input := "0xa9059cbb" + "000000000000000000000000" + recipient + "76"
	tx := chain.RawTx{
		Hash:  "0xhash3",
		From:  "0xCC00000000000000000000000000000000000C",
		To:    tokenAddr,
		Value: "0",
		Input: input,
	}
	tr, err := Decode(tx, cfg)
	require.NoError(t, err)
	assert.False(t, tr.IsNative)
	assert.Equal(t, "0x"+recipient, tr.To)
	// "76" right-padded to 64 hex chars == 0x7600...0 (62 zero nibbles)
	assert.Equal(t, "53372916132825433828052250902442082526116633556818697486937480128647458193408", tr.RawAmount)
}

func TestDecodeTokenRejectsShortCalldata(t *testing.T) {
	cfg := testConfig()
	tx := chain.RawTx{
		Hash:  "0xhash4",
		From:  "0xCC00000000000000000000000000000000000C",
		To:    cfg.Tokens["USDT"].Address,
		Value: "0",
		Input: "0xa9059cbb0000",
	}
	_, err := Decode(tx, cfg)
	assert.ErrorIs(t, err, chain.ErrDecodeMalformed)
}

func TestDecodeTokenRejectsWrongSelector(t *testing.T) {
	cfg := testConfig()
	recipient := "dddddddddddddddddddddddddddddddddddddddd"[:40]
	tx := chain.RawTx{
		Hash:  "0xhash5",
		From:  "0xCC00000000000000000000000000000000000C",
		To:    cfg.Tokens["USDT"].Address,
		Value: "0",
		Input: "0xdeadbeef" + "000000000000000000000000" + recipient + "01",
	}
	_, err := Decode(tx, cfg)
	assert.ErrorIs(t, err, chain.ErrDecodeMalformed)
}

func TestDecodeUnknownContract(t *testing.T) {
	cfg := testConfig()
	tx := chain.RawTx{
		Hash:  "0xhash6",
		From:  "0xCC00000000000000000000000000000000000C",
		To:    "0xffffffffffffffffffffffffffffffffffffffff"[:42],
		Value: "0",
		Input: "0xa9059cbb",
	}
	_, err := Decode(tx, cfg)
	assert.ErrorIs(t, err, chain.ErrUnknownToken)
}
