package wallet

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
)

// Unspent is one spendable prior transaction output as reported by the wallet
// daemon.
type Unspent struct {
	TxID          string         `json:"txid"`
	VOut          uint32         `json:"vout"`
	Address       string         `json:"address"`
	Amount        btcutil.Amount `json:"-"`
	AmountBTC     float64        `json:"amount"`
	Confirmations int64          `json:"confirmations"`
	Spendable     bool           `json:"spendable"`
	Solvable      bool           `json:"solvable"`
	Safe          bool           `json:"safe"`
}

// TxInput references an output to spend.
type TxInput struct {
	TxID string `json:"txid"`
	VOut uint32 `json:"vout"`
}

// SignError describes one input the wallet could not sign.
type SignError struct {
	TxID  string `json:"txid"`
	VOut  uint32 `json:"vout"`
	Error string `json:"error"`
}

// SignResult is the outcome of signing a raw transaction. Complete is true
// only when every input carries a valid full signature set.
type SignResult struct {
	Hex      string      `json:"hex"`
	Complete bool        `json:"complete"`
	Errors   []SignError `json:"errors,omitempty"`
}

// RawTxOut is one decoded transaction output.
type RawTxOut struct {
	N         uint32   `json:"n"`
	ValueBTC  float64  `json:"value"`
	Addresses []string `json:"addresses,omitempty"`
}

// RawTxIn is one decoded transaction input.
type RawTxIn struct {
	TxID string `json:"txid"`
	VOut uint32 `json:"vout"`
}

// RawTransaction is a decoded raw transaction.
type RawTransaction struct {
	TxID string     `json:"txid"`
	Vin  []RawTxIn  `json:"vin"`
	Vout []RawTxOut `json:"vout"`
}

// Client is the wallet/RPC collaborator. The trade state machine and the
// escrow builder consume only this interface; the concrete implementation
// speaks bitcoind-style JSON-RPC to the local daemon.
type Client interface {
	// ListUnspent returns spendable, solvable, safe outputs.
	ListUnspent(ctx context.Context) ([]Unspent, error)
	GetNewAddress(ctx context.Context) (string, error)
	// AddMultisigAddress creates an nRequired-of-len(keys) multisig address.
	// Callers sort the keys first so both parties derive the same address.
	AddMultisigAddress(ctx context.Context, nRequired int, keys []string) (string, error)
	CreateRawTransaction(ctx context.Context, inputs []TxInput, outputs map[string]btcutil.Amount) (string, error)
	DecodeRawTransaction(ctx context.Context, rawTxHex string) (*RawTransaction, error)
	SignRawTransaction(ctx context.Context, rawTxHex string) (*SignResult, error)
	CombineRawTransaction(ctx context.Context, rawTxHexes []string) (string, error)
	SendRawTransaction(ctx context.Context, rawTxHex string) (string, error)
	// SendToAddress creates and broadcasts a wallet transaction paying amount
	// to addr, returning its txid. Used by the coin selector's split step.
	SendToAddress(ctx context.Context, addr string, amount btcutil.Amount) (string, error)
	GetRawTransaction(ctx context.Context, txid string) (string, error)
	// LockUnspent reserves (unlock=false) or releases (unlock=true) outputs
	// against selection by other wallet callers.
	LockUnspent(ctx context.Context, unlock bool, outputs []TxInput) error
}
