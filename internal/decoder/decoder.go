// Package decoder implements C2, the calldata classifier: it turns a raw
// transaction into a Transfer if (and only if) it is a native value
// transfer or a supported-token ERC-20 transfer(address,uint256) call. It
// never performs I/O — every decision is made from the RawTx fields alone,
// the same pure, side-effect-free style as datasync/chaindatafetcher's
// block-group encoders, which likewise only ever read from an
// already-fetched block.
package decoder

import (
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
)

const (
	nativeDecimals   = 18
	transferSelector = "a9059cbb"
	minCalldataLen   = 72 // 4-byte selector + 32-byte address argument, in hex chars
	argWordLen       = 64 // one ABI word, in hex chars
)

var hexDigits = regexp.MustCompile(`^[0-9a-fA-F]*$`)

// Decode classifies tx against cfg and returns the resulting Transfer, or
// chain.ErrUnknownToken / chain.ErrDecodeMalformed / chain.ErrSelfTransfer
// when tx is not an accepted transfer. The caller (the Policy Filter, or the
// Head Loop ingesting it) is expected to drop ErrDecodeMalformed and
// ErrUnknownToken silently; only genuine candidates are returned.
func Decode(tx chain.RawTx, cfg *chain.Config) (*chain.Transfer, error) {
	if t, err := decodeNative(tx, cfg); err == nil {
		return finish(t)
	} else if err != chain.ErrUnknownToken {
		return nil, err
	}
	return finishErr(decodeToken(tx, cfg))
}

func finish(t *chain.Transfer) (*chain.Transfer, error) {
	if strings.EqualFold(t.From, t.To) {
		return nil, chain.ErrSelfTransfer
	}
	return t, nil
}

func finishErr(t *chain.Transfer, err error) (*chain.Transfer, error) {
	if err != nil {
		return nil, err
	}
	return finish(t)
}

// decodeNative recognizes a plain value transfer: value > 0 regardless of
// calldata contents (a native transfer never carries ERC-20 calldata).
func decodeNative(tx chain.RawTx, cfg *chain.Config) (*chain.Transfer, error) {
	value, ok := new(big.Int).SetString(tx.Value, 10)
	if !ok || value.Sign() <= 0 {
		return nil, chain.ErrUnknownToken
	}
	return &chain.Transfer{
		TxHash:      chain.Lowercase(tx.Hash),
		BlockNumber: tx.BlockNumber,
		BlockHash:   tx.BlockHash,
		From:        chain.Lowercase(tx.From),
		To:          chain.Lowercase(tx.To),
		AssetSymbol: cfg.NativeSymbol,
		Amount:      divideByPow10(value, nativeDecimals),
		RawAmount:   value.String(),
		IsNative:    true,
		Decimals:    nativeDecimals,
		GasUsed:     tx.Gas,
		GasPrice:    tx.GasPrice,
		FoundAt:     time.Now().UTC(),
	}, nil
}

// decodeToken recognizes a supported-token transfer(address,uint256) call,
// tolerant of truncated amount arguments.
func decodeToken(tx chain.RawTx, cfg *chain.Config) (*chain.Transfer, error) {
	token, ok := cfg.TokenByAddress(tx.To)
	if !ok {
		return nil, chain.ErrUnknownToken
	}

	hexInput := strings.TrimPrefix(strings.ToLower(tx.Input), "0x")
	if len(hexInput) < minCalldataLen {
		return nil, chain.ErrDecodeMalformed
	}
	if hexInput[:8] != transferSelector {
		return nil, chain.ErrDecodeMalformed
	}
	if !hexDigits.MatchString(hexInput) {
		return nil, chain.ErrDecodeMalformed
	}

	addrWord := hexInput[8:minCalldataLen]
	recipient := addrWord[argWordLen-40:]
	if len(recipient) != 40 {
		return nil, chain.ErrDecodeMalformed
	}

	rest := hexInput[minCalldataLen:]
	if len(rest) == 0 {
		return nil, chain.ErrDecodeMalformed
	}
	amountHex := rest
	if len(amountHex) > argWordLen {
		amountHex = amountHex[:argWordLen]
	} else if len(amountHex) < argWordLen {
		amountHex = amountHex + strings.Repeat("0", argWordLen-len(amountHex))
	}

	raw, ok := new(big.Int).SetString(amountHex, 16)
	if !ok {
		return nil, chain.ErrDecodeMalformed
	}

	return &chain.Transfer{
		TxHash:        chain.Lowercase(tx.Hash),
		BlockNumber:   tx.BlockNumber,
		BlockHash:     tx.BlockHash,
		From:          chain.Lowercase(tx.From),
		To:            "0x" + strings.ToLower(recipient),
		AssetSymbol:   token.Symbol,
		Amount:        divideByPow10(raw, token.Decimals),
		RawAmount:     raw.String(),
		IsNative:      false,
		TokenContract: chain.Lowercase(token.Address),
		Decimals:      token.Decimals,
		GasUsed:       tx.Gas,
		GasPrice:      tx.GasPrice,
		FoundAt:       time.Now().UTC(),
	}, nil
}
