package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient resolves confirmation counts against an Ethereum JSON-RPC
// endpoint via receipt lookup plus current head height.
type EthClient struct {
	ec *ethclient.Client
}

func DialEthereum(ctx context.Context, rpcURL string) (*EthClient, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	return &EthClient{ec: ec}, nil
}

func (c *EthClient) Close() { c.ec.Close() }

func (c *EthClient) TxStatus(ctx context.Context, ref string) (TxStatus, error) {
	receipt, err := c.ec.TransactionReceipt(ctx, common.HexToHash(ref))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// Not mined yet, or dropped. The watcher's attempt bound
			// decides which.
			return TxStatus{}, nil
		}
		return TxStatus{}, fmt.Errorf("receipt %s: %w", ref, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return TxStatus{Known: true, Failed: true}, nil
	}
	head, err := c.ec.BlockNumber(ctx)
	if err != nil {
		return TxStatus{}, fmt.Errorf("head height: %w", err)
	}
	var confs uint64
	if incl := receipt.BlockNumber.Uint64(); head >= incl {
		confs = head - incl + 1
	}
	return TxStatus{Known: true, Confirmations: confs}, nil
}

var _ Client = (*EthClient)(nil)
