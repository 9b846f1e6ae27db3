package escrow

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openstall/marketd/internal/wallet"
)

type MockWalletClient struct {
	mock.Mock
}

func (m *MockWalletClient) ListUnspent(ctx context.Context) ([]wallet.Unspent, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]wallet.Unspent), args.Error(1)
}

func (m *MockWalletClient) GetNewAddress(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockWalletClient) AddMultisigAddress(ctx context.Context, nRequired int, keys []string) (string, error) {
	args := m.Called(ctx, nRequired, keys)
	return args.String(0), args.Error(1)
}

func (m *MockWalletClient) CreateRawTransaction(ctx context.Context, inputs []wallet.TxInput, outputs map[string]btcutil.Amount) (string, error) {
	args := m.Called(ctx, inputs, outputs)
	return args.String(0), args.Error(1)
}

func (m *MockWalletClient) DecodeRawTransaction(ctx context.Context, rawTxHex string) (*wallet.RawTransaction, error) {
	args := m.Called(ctx, rawTxHex)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wallet.RawTransaction), args.Error(1)
}

func (m *MockWalletClient) SignRawTransaction(ctx context.Context, rawTxHex string) (*wallet.SignResult, error) {
	args := m.Called(ctx, rawTxHex)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wallet.SignResult), args.Error(1)
}

func (m *MockWalletClient) CombineRawTransaction(ctx context.Context, rawTxHexes []string) (string, error) {
	args := m.Called(ctx, rawTxHexes)
	return args.String(0), args.Error(1)
}

func (m *MockWalletClient) SendRawTransaction(ctx context.Context, rawTxHex string) (string, error) {
	args := m.Called(ctx, rawTxHex)
	return args.String(0), args.Error(1)
}

func (m *MockWalletClient) SendToAddress(ctx context.Context, addr string, amount btcutil.Amount) (string, error) {
	args := m.Called(ctx, addr, amount)
	return args.String(0), args.Error(1)
}

func (m *MockWalletClient) GetRawTransaction(ctx context.Context, txid string) (string, error) {
	args := m.Called(ctx, txid)
	return args.String(0), args.Error(1)
}

func (m *MockWalletClient) LockUnspent(ctx context.Context, unlock bool, outputs []wallet.TxInput) error {
	args := m.Called(ctx, unlock, outputs)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func amt(t *testing.T, btc float64) btcutil.Amount {
	t.Helper()
	a, err := btcutil.NewAmount(btc)
	require.NoError(t, err)
	return a
}

func unspent(t *testing.T, txid string, vout uint32, btc float64) wallet.Unspent {
	t.Helper()
	return wallet.Unspent{
		TxID:      txid,
		VOut:      vout,
		Address:   "addr-" + txid,
		Amount:    amt(t, btc),
		AmountBTC: btc,
		Spendable: true,
		Solvable:  true,
		Safe:      true,
	}
}
