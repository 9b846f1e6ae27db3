package wallet

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// rpcServer fakes the wallet daemon: it records each call and answers from a
// per-method result table.
func rpcServer(t *testing.T, results map[string]interface{}) (*RPCClient, *[]recordedCall) {
	t.Helper()
	var calls []recordedCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "rpcuser", user)
		assert.Equal(t, "rpcpass", pass)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var call recordedCall
		require.NoError(t, json.Unmarshal(body, &call))
		calls = append(calls, call)

		result, ok := results[call.Method]
		if !ok {
			require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
				"result": nil,
				"error":  map[string]interface{}{"code": -32601, "message": "Method not found"},
			}))
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{"result": result}))
	}))
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRPCClient(srv.URL, "rpcuser", "rpcpass", logger), &calls
}

func TestListUnspentFiltersAndConvertsAmounts(t *testing.T) {
	client, calls := rpcServer(t, map[string]interface{}{
		"listunspent": []map[string]interface{}{
			{"txid": "a", "vout": 0, "amount": 1.5, "spendable": true, "solvable": true, "safe": true},
			{"txid": "b", "vout": 1, "amount": 0.25, "spendable": true, "solvable": true, "safe": false},
			{"txid": "c", "vout": 0, "amount": 2.0, "spendable": false, "solvable": true, "safe": true},
		},
	})

	unspent, err := client.ListUnspent(context.Background())
	require.NoError(t, err)
	require.Len(t, unspent, 1)
	assert.Equal(t, "a", unspent[0].TxID)

	want, err := btcutil.NewAmount(1.5)
	require.NoError(t, err)
	assert.Equal(t, want, unspent[0].Amount)

	require.Len(t, *calls, 1)
	assert.Equal(t, "listunspent", (*calls)[0].Method)
	assert.Equal(t, []interface{}{float64(1)}, (*calls)[0].Params)
}

func TestAddMultisigAddressUnwrapsResult(t *testing.T) {
	client, calls := rpcServer(t, map[string]interface{}{
		"addmultisigaddress": map[string]interface{}{"address": "msig-addr", "redeemScript": "52..."},
	})

	addr, err := client.AddMultisigAddress(context.Background(), 2, []string{"02aa", "02bb"})
	require.NoError(t, err)
	assert.Equal(t, "msig-addr", addr)
	assert.Equal(t, "addmultisigaddress", (*calls)[0].Method)
}

func TestCreateRawTransactionSendsBTCAmounts(t *testing.T) {
	client, calls := rpcServer(t, map[string]interface{}{
		"createrawtransaction": "rawtx-hex",
	})
	amount, err := btcutil.NewAmount(2.0)
	require.NoError(t, err)

	rawTx, err := client.CreateRawTransaction(context.Background(),
		[]TxInput{{TxID: "a", VOut: 0}}, map[string]btcutil.Amount{"dest-addr": amount})
	require.NoError(t, err)
	assert.Equal(t, "rawtx-hex", rawTx)

	outs, ok := (*calls)[0].Params[1].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 2.0, outs["dest-addr"])
}

func TestDecodeRawTransactionFlattensScriptAddresses(t *testing.T) {
	client, _ := rpcServer(t, map[string]interface{}{
		"decoderawtransaction": map[string]interface{}{
			"txid": "decoded-txid",
			"vout": []map[string]interface{}{
				{"n": 0, "value": 1.0, "scriptPubKey": map[string]interface{}{"addresses": []string{"addr-legacy"}}},
				{"n": 1, "value": 2.0, "scriptPubKey": map[string]interface{}{"address": "addr-single"}},
			},
		},
	})

	tx, err := client.DecodeRawTransaction(context.Background(), "rawtx-hex")
	require.NoError(t, err)
	assert.Equal(t, "decoded-txid", tx.TxID)
	require.Len(t, tx.Vout, 2)
	assert.Equal(t, []string{"addr-legacy"}, tx.Vout[0].Addresses)
	assert.Equal(t, []string{"addr-single"}, tx.Vout[1].Addresses)
}

func TestLockUnspentRejectsDaemonRefusal(t *testing.T) {
	client, _ := rpcServer(t, map[string]interface{}{
		"lockunspent": false,
	})

	err := client.LockUnspent(context.Background(), false, []TxInput{{TxID: "a", VOut: 0}})
	assert.ErrorContains(t, err, "lockunspent")
}

func TestCallSurfacesRPCErrors(t *testing.T) {
	client, _ := rpcServer(t, nil)

	_, err := client.GetNewAddress(context.Background())
	assert.ErrorContains(t, err, "Method not found")
}
