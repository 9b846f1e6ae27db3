package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

// RPCClient talks bitcoind-style JSON-RPC 1.0 to the wallet daemon over HTTP
// basic auth.
type RPCClient struct {
	url        string
	user       string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRPCClient creates a wallet RPC client.
func NewRPCClient(url, user, password string, logger *slog.Logger) *RPCClient {
	return &RPCClient{
		url:      url,
		user:     user,
		password: password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

type rpcRequest struct {
	ID     int64         `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{ID: time.Now().UnixNano(), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("wallet rpc: marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("wallet rpc: build %s request: %w", method, err)
	}
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wallet rpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("wallet rpc: read %s response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("wallet rpc: decode %s response (http %d): %w", method, resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("wallet rpc: %s failed: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("wallet rpc: decode %s result: %w", method, err)
		}
	}
	return nil
}

// ListUnspent returns confirmed outputs the wallet considers spendable,
// solvable and safe, in the daemon's iteration order. Coin selection is
// sensitive to this ordering; it is preserved unmodified.
func (c *RPCClient) ListUnspent(ctx context.Context) ([]Unspent, error) {
	var raw []Unspent
	if err := c.call(ctx, "listunspent", []interface{}{1}, &raw); err != nil {
		return nil, err
	}
	out := make([]Unspent, 0, len(raw))
	for _, u := range raw {
		if !u.Spendable || !u.Solvable || !u.Safe {
			continue
		}
		amt, err := btcutil.NewAmount(u.AmountBTC)
		if err != nil {
			return nil, fmt.Errorf("wallet rpc: bad unspent amount %f: %w", u.AmountBTC, err)
		}
		u.Amount = amt
		out = append(out, u)
	}
	return out, nil
}

func (c *RPCClient) GetNewAddress(ctx context.Context) (string, error) {
	var addr string
	if err := c.call(ctx, "getnewaddress", nil, &addr); err != nil {
		return "", err
	}
	return addr, nil
}

func (c *RPCClient) AddMultisigAddress(ctx context.Context, nRequired int, keys []string) (string, error) {
	var res struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, "addmultisigaddress", []interface{}{nRequired, keys}, &res); err != nil {
		return "", err
	}
	return res.Address, nil
}

func (c *RPCClient) CreateRawTransaction(ctx context.Context, inputs []TxInput, outputs map[string]btcutil.Amount) (string, error) {
	outs := make(map[string]float64, len(outputs))
	for addr, amt := range outputs {
		outs[addr] = amt.ToBTC()
	}
	var rawTx string
	if err := c.call(ctx, "createrawtransaction", []interface{}{inputs, outs}, &rawTx); err != nil {
		return "", err
	}
	return rawTx, nil
}

func (c *RPCClient) DecodeRawTransaction(ctx context.Context, rawTxHex string) (*RawTransaction, error) {
	// The daemon nests output addresses under scriptPubKey; flatten here.
	var res struct {
		TxID string    `json:"txid"`
		Vin  []RawTxIn `json:"vin"`
		Vout []struct {
			N            uint32  `json:"n"`
			Value        float64 `json:"value"`
			ScriptPubKey struct {
				Addresses []string `json:"addresses"`
				Address   string   `json:"address"`
			} `json:"scriptPubKey"`
		} `json:"vout"`
	}
	if err := c.call(ctx, "decoderawtransaction", []interface{}{rawTxHex}, &res); err != nil {
		return nil, err
	}
	tx := &RawTransaction{TxID: res.TxID, Vin: res.Vin}
	for _, v := range res.Vout {
		addrs := v.ScriptPubKey.Addresses
		if len(addrs) == 0 && v.ScriptPubKey.Address != "" {
			addrs = []string{v.ScriptPubKey.Address}
		}
		tx.Vout = append(tx.Vout, RawTxOut{N: v.N, ValueBTC: v.Value, Addresses: addrs})
	}
	return tx, nil
}

func (c *RPCClient) SignRawTransaction(ctx context.Context, rawTxHex string) (*SignResult, error) {
	var res SignResult
	if err := c.call(ctx, "signrawtransactionwithwallet", []interface{}{rawTxHex}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *RPCClient) CombineRawTransaction(ctx context.Context, rawTxHexes []string) (string, error) {
	var combined string
	if err := c.call(ctx, "combinerawtransaction", []interface{}{rawTxHexes}, &combined); err != nil {
		return "", err
	}
	return combined, nil
}

func (c *RPCClient) SendRawTransaction(ctx context.Context, rawTxHex string) (string, error) {
	var txid string
	if err := c.call(ctx, "sendrawtransaction", []interface{}{rawTxHex}, &txid); err != nil {
		return "", err
	}
	c.logger.Info("Broadcast raw transaction", "txid", txid)
	return txid, nil
}

func (c *RPCClient) SendToAddress(ctx context.Context, addr string, amount btcutil.Amount) (string, error) {
	var txid string
	if err := c.call(ctx, "sendtoaddress", []interface{}{addr, amount.ToBTC()}, &txid); err != nil {
		return "", err
	}
	c.logger.Info("Sent wallet transaction", "txid", txid, "address", addr, "amount", amount.String())
	return txid, nil
}

func (c *RPCClient) GetRawTransaction(ctx context.Context, txid string) (string, error) {
	var rawTx string
	if err := c.call(ctx, "getrawtransaction", []interface{}{txid}, &rawTx); err != nil {
		return "", err
	}
	return rawTx, nil
}

func (c *RPCClient) LockUnspent(ctx context.Context, unlock bool, outputs []TxInput) error {
	var ok bool
	if err := c.call(ctx, "lockunspent", []interface{}{unlock, outputs}, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("wallet rpc: lockunspent(%v) refused", unlock)
	}
	return nil
}
