package adapter

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	apperrors "github.com/miniapp-entitlements/internal/errors"
	"github.com/miniapp-entitlements/internal/retry"
	"github.com/miniapp-entitlements/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUSDC     = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	testTreasury = "0x2222222222222222222222222222222222222222"
	testPayer    = "0x1111111111111111111111111111111111111111"
	testTx       = "0xabababababababababababababababababababababababababababababababab"
)

type mockReceipts struct {
	receipts map[common.Hash]*ethtypes.Receipt
	errs     []error
	calls    int
}

func (m *mockReceipts) TransactionReceipt(_ context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	if r, ok := m.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func transferLog(token, from, to string, units int64) *ethtypes.Log {
	return &ethtypes.Log{
		Address: common.HexToAddress(token),
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(common.HexToAddress(from).Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data:        common.LeftPadBytes(big.NewInt(units).Bytes(), 32),
		BlockNumber: 42,
	}
}

func newTestVerifier(t *testing.T, receipts *mockReceipts) *USDCReceiptVerifier {
	t.Helper()
	v, err := NewUSDCReceiptVerifier(receipts, testUSDC, testTreasury)
	require.NoError(t, err)
	v.retry = &retry.Config{MaxAttempts: 3, Multiplier: 1, Retryable: isTransientRPCError}
	return v
}

func TestTransferTopic(t *testing.T) {
	assert.Equal(t, crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")), transferTopic)
}

func TestVerify_DecodesTreasuryTransfer(t *testing.T) {
	receipts := &mockReceipts{receipts: map[common.Hash]*ethtypes.Receipt{
		common.HexToHash(testTx): {
			Status: ethtypes.ReceiptStatusSuccessful,
			Logs: []*ethtypes.Log{
				// unrelated token, then a USDC fee transfer, then the payment
				transferLog("0x9999999999999999999999999999999999999999", testPayer, testTreasury, 1),
				transferLog(testUSDC, testPayer, "0x3333333333333333333333333333333333333333", 10_000),
				transferLog(testUSDC, testPayer, testTreasury, 5_000_000),
			},
		},
	}}
	v := newTestVerifier(t, receipts)

	transfer, err := v.Verify(context.Background(), testTx)
	require.NoError(t, err)
	assert.Equal(t, testPayer, transfer.From)
	assert.Equal(t, testTreasury, transfer.To)
	assert.True(t, transfer.Amount.Equal(decimal.NewFromInt(5)), "got %s", transfer.Amount)
	assert.Equal(t, testTx, transfer.TxHash)
	assert.Equal(t, uint64(42), transfer.BlockNumber)
}

func TestVerify_FallsBackToFirstUSDCTransfer(t *testing.T) {
	other := "0x3333333333333333333333333333333333333333"
	receipts := &mockReceipts{receipts: map[common.Hash]*ethtypes.Receipt{
		common.HexToHash(testTx): {
			Status: ethtypes.ReceiptStatusSuccessful,
			Logs:   []*ethtypes.Log{transferLog(testUSDC, testPayer, other, 1_500_000)},
		},
	}}

	transfer, err := newTestVerifier(t, receipts).Verify(context.Background(), testTx)
	require.NoError(t, err)
	assert.Equal(t, other, transfer.To)
	assert.Equal(t, "1.5", transfer.Amount.String())
}

func TestVerify_Failures(t *testing.T) {
	hash := common.HexToHash(testTx)

	t.Run("reverted", func(t *testing.T) {
		receipts := &mockReceipts{receipts: map[common.Hash]*ethtypes.Receipt{
			hash: {Status: ethtypes.ReceiptStatusFailed},
		}}
		_, err := newTestVerifier(t, receipts).Verify(context.Background(), testTx)
		assert.True(t, types.HasCode(err, types.CodePaymentMismatch))
	})

	t.Run("no usdc transfer", func(t *testing.T) {
		receipts := &mockReceipts{receipts: map[common.Hash]*ethtypes.Receipt{
			hash: {Status: ethtypes.ReceiptStatusSuccessful},
		}}
		_, err := newTestVerifier(t, receipts).Verify(context.Background(), testTx)
		assert.True(t, types.HasCode(err, types.CodePaymentMismatch))
	})

	t.Run("unknown transaction is not retried", func(t *testing.T) {
		receipts := &mockReceipts{}
		_, err := newTestVerifier(t, receipts).Verify(context.Background(), testTx)
		assert.Equal(t, 404, apperrors.GetHTTPStatusCode(err))
		assert.Equal(t, 1, receipts.calls)
	})

	t.Run("malformed hash", func(t *testing.T) {
		receipts := &mockReceipts{}
		_, err := newTestVerifier(t, receipts).Verify(context.Background(), "0xnope")
		assert.True(t, types.HasCode(err, types.CodeInvalidTxHash))
		assert.Zero(t, receipts.calls)
	})
}

func TestVerify_RetriesTransientErrors(t *testing.T) {
	receipts := &mockReceipts{
		errs: []error{errors.New("connection reset"), errors.New("502 bad gateway")},
		receipts: map[common.Hash]*ethtypes.Receipt{
			common.HexToHash(testTx): {
				Status: ethtypes.ReceiptStatusSuccessful,
				Logs:   []*ethtypes.Log{transferLog(testUSDC, testPayer, testTreasury, 15_000_000)},
			},
		},
	}

	transfer, err := newTestVerifier(t, receipts).Verify(context.Background(), testTx)
	require.NoError(t, err)
	assert.Equal(t, 3, receipts.calls)
	assert.True(t, transfer.Amount.Equal(decimal.NewFromInt(15)))
}

func TestVerify_ProviderErrorIsRetryable(t *testing.T) {
	receipts := &mockReceipts{errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}

	_, err := newTestVerifier(t, receipts).Verify(context.Background(), testTx)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, 3, receipts.calls)
}

func TestNewUSDCReceiptVerifier_ValidatesAddresses(t *testing.T) {
	_, err := NewUSDCReceiptVerifier(&mockReceipts{}, "usdc", testTreasury)
	assert.Error(t, err)
	_, err = NewUSDCReceiptVerifier(&mockReceipts{}, testUSDC, "")
	assert.Error(t, err)
}
