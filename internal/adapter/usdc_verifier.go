// Package adapter connects the entitlement services to Base and the Farcaster notification servers.
package adapter

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/miniapp-entitlements/internal/circuitbreaker"
	"github.com/miniapp-entitlements/internal/errors"
	"github.com/miniapp-entitlements/internal/metrics"
	"github.com/miniapp-entitlements/internal/retry"
	"github.com/miniapp-entitlements/internal/service"
	"github.com/miniapp-entitlements/internal/types"
	"github.com/shopspring/decimal"
)

// transferTopic is keccak256("Transfer(address,address,uint256)")
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// usdcDecimals is the fixed scale of USDC amounts on chain
const usdcDecimals = 6

const baseRPCTarget = "base-rpc"

// ReceiptFetcher is the part of ethclient the verifier needs
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// USDCReceiptVerifier confirms USDC payments by decoding Transfer logs from the transaction receipt
type USDCReceiptVerifier struct {
	client   ReceiptFetcher
	token    common.Address
	treasury common.Address
	retry    *retry.Config
	breaker  *circuitbreaker.CircuitBreaker
}

// NewUSDCReceiptVerifier creates a verifier over an existing receipt source
func NewUSDCReceiptVerifier(client ReceiptFetcher, usdcContract, treasury string) (*USDCReceiptVerifier, error) {
	if !common.IsHexAddress(usdcContract) {
		return nil, fmt.Errorf("invalid USDC contract address %q", usdcContract)
	}
	if !common.IsHexAddress(treasury) {
		return nil, fmt.Errorf("invalid treasury address %q", treasury)
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.Retryable = isTransientRPCError

	breakerCfg := circuitbreaker.DefaultConfig(baseRPCTarget)
	breakerCfg.Ignore = func(err error) bool { return stderrors.Is(err, ethereum.NotFound) }

	return &USDCReceiptVerifier{
		client:   client,
		token:    common.HexToAddress(usdcContract),
		treasury: common.HexToAddress(treasury),
		retry:    retryCfg,
		breaker:  circuitbreaker.NewCircuitBreaker(breakerCfg),
	}, nil
}

// DialUSDCReceiptVerifier connects to one or more comma-separated Base RPC endpoints
func DialUSDCReceiptVerifier(ctx context.Context, rpcURLs, usdcContract, treasury string) (*USDCReceiptVerifier, *RPCPool, error) {
	pool, err := NewRPCPool(ctx, rpcURLs, DefaultRPCCooldown)
	if err != nil {
		return nil, nil, err
	}
	v, err := NewUSDCReceiptVerifier(pool, usdcContract, treasury)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return v, pool, nil
}

// Verify returns the USDC transfer carried by txHash. A transfer to the treasury is
// preferred; otherwise the first USDC transfer is returned so the caller can report the mismatch.
func (v *USDCReceiptVerifier) Verify(ctx context.Context, txHash string) (*service.Transfer, error) {
	txHash, err := types.NormalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}

	receipt, err := v.fetchReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if stderrors.Is(err, ethereum.NotFound) {
			return nil, errors.NewNotFoundError("transaction", txHash)
		}
		return nil, errors.NewProviderError(baseRPCTarget, err)
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, mismatch(txHash, "transaction reverted")
	}

	transfers := v.decodeTransfers(receipt)
	if len(transfers) == 0 {
		return nil, mismatch(txHash, "transaction carries no USDC transfer")
	}

	chosen := transfers[0]
	for _, t := range transfers {
		if strings.EqualFold(t.To, v.treasury.Hex()) {
			chosen = t
			break
		}
	}
	chosen.TxHash = txHash
	return chosen, nil
}

func (v *USDCReceiptVerifier) fetchReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	var receipt *ethtypes.Receipt
	start := time.Now()

	err := retry.Do(ctx, v.retry, func(ctx context.Context, attempt int) error {
		return v.breaker.Execute(ctx, func(ctx context.Context) error {
			r, err := v.client.TransactionReceipt(ctx, hash)
			if err != nil {
				return err
			}
			receipt = r
			return nil
		})
	})

	metrics.OracleRequestDuration.WithLabelValues(baseRPCTarget, oracleStatus(err)).Observe(time.Since(start).Seconds())
	return receipt, err
}

// decodeTransfers extracts ERC-20 Transfer events emitted by the USDC contract
func (v *USDCReceiptVerifier) decodeTransfers(receipt *ethtypes.Receipt) []*service.Transfer {
	var out []*service.Transfer
	for _, l := range receipt.Logs {
		if l.Address != v.token || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
			continue
		}
		amount := new(big.Int).SetBytes(l.Data)
		out = append(out, &service.Transfer{
			Token:       strings.ToLower(v.token.Hex()),
			From:        strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
			To:          strings.ToLower(common.BytesToAddress(l.Topics[2].Bytes()).Hex()),
			Amount:      decimal.NewFromBigInt(amount, -usdcDecimals),
			BlockNumber: l.BlockNumber,
		})
	}
	return out
}

func mismatch(txHash, reason string) *types.ServiceError {
	return &types.ServiceError{
		Code:    types.CodePaymentMismatch,
		Message: reason,
		Details: map[string]interface{}{"txHash": txHash},
	}
}

// isTransientRPCError keeps retries away from answers that will not change
func isTransientRPCError(err error) bool {
	return !stderrors.Is(err, ethereum.NotFound) &&
		!stderrors.Is(err, circuitbreaker.ErrCircuitOpen) &&
		!stderrors.Is(err, context.Canceled)
}

func oracleStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case stderrors.Is(err, ethereum.NotFound):
		return "not_found"
	case stderrors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "circuit_open"
	default:
		return "error"
	}
}
