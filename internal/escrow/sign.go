package escrow

import (
	"context"
	"fmt"
	"strings"

	"github.com/openstall/marketd/internal/wallet"
)

// partialSignAllowList holds the wallet error fragments that indicate an
// input merely lacks the counterparty's signature. When a partial result is
// expected these count as success; any other signing error is fatal.
var partialSignAllowList = []string{
	"Operation not valid with the current stack size",
	"Unable to sign input, invalid stack size (possibly missing key)",
	"Signature must be zero for failed CHECK(MULTI)SIG operation",
	"CHECKMULTISIG operation requires",
}

// sign signs rawTx with the local wallet. When expectComplete is true the
// result must carry a full signature set. When false, per-input errors are
// checked against the missing-counter-signature allow-list; whether the
// result may legally be complete is the caller's decision (the funding and
// payout builders treat an unexpectedly complete result as a violation).
func (b *Builder) sign(ctx context.Context, rawTx string, expectComplete bool) (*wallet.SignResult, error) {
	res, err := b.wallet.SignRawTransaction(ctx, rawTx)
	if err != nil {
		return nil, fmt.Errorf("escrow: sign: %w", err)
	}
	if expectComplete {
		if !res.Complete {
			return nil, fmt.Errorf("escrow: sign: expected a complete signature set, got partial (%d input errors)", len(res.Errors))
		}
		return res, nil
	}
	for _, se := range res.Errors {
		if !allowListed(se.Error) {
			return nil, fmt.Errorf("escrow: sign: input %s:%d failed: %s", se.TxID, se.VOut, se.Error)
		}
	}
	return res, nil
}

func allowListed(msg string) bool {
	for _, allowed := range partialSignAllowList {
		if strings.Contains(msg, allowed) {
			return true
		}
	}
	return false
}
