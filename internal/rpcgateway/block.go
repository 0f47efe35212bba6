package rpcgateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
)

// Block is the RPC Gateway's normalized view of a fetched block, decoded
// from the upstream eth_getBlockByNumber(n, true) response.
type Block struct {
	Number       uint64
	Hash         string
	Transactions []chain.RawTx
}

// rpcBlock mirrors the JSON-RPC eth_getBlockByNumber response shape; every
// numeric field arrives as a 0x-prefixed hex string, per the JSON-RPC spec.
type rpcBlock struct {
	Number       string  `json:"number"`
	Hash         string  `json:"hash"`
	Transactions []rpcTx `json:"transactions"`
}

type rpcTx struct {
	Hash        string  `json:"hash"`
	From        string  `json:"from"`
	To          *string `json:"to"`
	Value       string  `json:"value"`
	Gas         string  `json:"gas"`
	GasPrice    string  `json:"gasPrice"`
	Input       string  `json:"input"`
	BlockNumber string  `json:"blockNumber"`
	BlockHash   string  `json:"blockHash"`
}

// Block fetches block n with full transaction objects. A nil JSON-RPC result
// (the block has not been produced yet) is reported as chain.ErrBlockNotFound
// so the Head Loop can skip it without advancing past it.
func (g *Gateway) Block(ctx context.Context, n uint64) (*Block, error) {
	if cached, ok := g.blockCache.Get(n); ok {
		return cached.(*Block), nil
	}

	if err := g.wait(ctx, CallBlock); err != nil {
		return nil, err
	}

	var raw *rpcBlock
	if err := g.client.CallContext(ctx, &raw, "eth_getBlockByNumber", encodeUint64(n), true); err != nil {
		return nil, fmt.Errorf("rpcgateway: eth_getBlockByNumber(%d): %w: %w", n, chain.ErrTransientRPC, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("rpcgateway: block %d: %w", n, chain.ErrBlockNotFound)
	}

	block, err := convertBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("rpcgateway: decode block %d: %w", n, err)
	}
	g.blockCache.Add(n, block)
	return block, nil
}

func convertBlock(raw *rpcBlock) (*Block, error) {
	number, err := decodeUint64(raw.Number)
	if err != nil {
		return nil, err
	}
	txs := make([]chain.RawTx, 0, len(raw.Transactions))
	for _, t := range raw.Transactions {
		value, err := decodeBig(t.Value)
		if err != nil {
			return nil, fmt.Errorf("tx %s: value: %w", t.Hash, err)
		}
		gas, err := decodeUint64(t.Gas)
		if err != nil {
			return nil, fmt.Errorf("tx %s: gas: %w", t.Hash, err)
		}
		gasPrice, err := decodeBig(t.GasPrice)
		if err != nil {
			return nil, fmt.Errorf("tx %s: gasPrice: %w", t.Hash, err)
		}
		to := ""
		if t.To != nil {
			to = *t.To
		}
		txs = append(txs, chain.RawTx{
			Hash:        t.Hash,
			From:        t.From,
			To:          to,
			Value:       value.String(),
			Gas:         gas,
			GasPrice:    gasPrice.String(),
			Input:       t.Input,
			BlockNumber: number,
			BlockHash:   raw.Hash,
		})
	}
	return &Block{Number: number, Hash: raw.Hash, Transactions: txs}, nil
}

func encodeUint64(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}

func decodeUint64(hexStr string) (uint64, error) {
	s, err := trimHexPrefix(hexStr)
	if err != nil {
		return 0, err
	}
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 16, 64)
}

func decodeBig(hexStr string) (*big.Int, error) {
	s, err := trimHexPrefix(hexStr)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("rpcgateway: invalid hex integer %q", hexStr)
	}
	return v, nil
}

func trimHexPrefix(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return "", errors.New("rpcgateway: hex value missing 0x prefix")
	}
	return s[2:], nil
}
