package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/openstall/marketd/internal/wallet"
)

// ErrInsufficientFunds is returned when the full candidate set cannot cover
// the requirement. Terminal; callers surface it as a protocol violation.
var ErrInsufficientFunds = errors.New("escrow: insufficient funds")

// maxSubsetOutputs bounds the exhaustive subset enumeration. The set of
// outputs smaller than a requirement is expected to be small; beyond this the
// selector falls through to the later strategies.
const maxSubsetOutputs = 20

// Selection is the outcome of coin selection: the chosen outputs, their sum,
// and the change left over after the requirement and estimated fee.
type Selection struct {
	Outputs  []wallet.Unspent
	Sum      btcutil.Amount
	Change   btcutil.Amount
	Strategy string
}

// Selector funds transactions from a snapshot of unspent outputs.
//
// Candidates are processed in the order the wallet returned them; when several
// subsets are valid, which one wins depends on that ordering. Amounts are
// btcutil.Amount (satoshi fixed point), so all change arithmetic is exact at
// 8 decimal places; float conversions round half-away-from-zero via
// btcutil.NewAmount.
type Selector struct {
	wallet wallet.Client
	fee    btcutil.Amount
	logger *slog.Logger
}

// NewSelector creates a coin selector with the given estimated network fee.
func NewSelector(w wallet.Client, fee btcutil.Amount, logger *slog.Logger) *Selector {
	return &Selector{wallet: w, fee: fee, logger: logger}
}

// Select picks outputs from candidates covering required plus the estimated
// fee. Strategies, in priority order: single exact match; exhaustive subset
// sum within [requirement, requirement*1.01] preferring an exact subset;
// splitting a larger output via an on-chain wallet transaction; greedy
// accumulation. Fails with ErrInsufficientFunds when the whole set falls
// short.
func (s *Selector) Select(ctx context.Context, required btcutil.Amount, candidates []wallet.Unspent) (*Selection, error) {
	if required <= 0 {
		return nil, fmt.Errorf("escrow: required amount must be positive, got %s", required)
	}
	adjusted := required + s.fee

	// 1. Exact match: a single output equal to the adjusted requirement.
	for _, u := range candidates {
		if u.Amount == adjusted {
			coinSelectionCounter.WithLabelValues("exact").Inc()
			return &Selection{Outputs: []wallet.Unspent{u}, Sum: u.Amount, Change: 0, Strategy: "exact"}, nil
		}
	}

	// 2. Subset sum over the outputs strictly smaller than the requirement,
	// within a 1% margin. An exact-sum subset wins immediately; otherwise the
	// first subset found inside the margin is kept.
	var smaller []wallet.Unspent
	for _, u := range candidates {
		if u.Amount < adjusted {
			smaller = append(smaller, u)
		}
	}
	if n := len(smaller); n > 0 && n <= maxSubsetOutputs {
		upper := adjusted + adjusted/100
		var inMargin []wallet.Unspent
		var inMarginSum btcutil.Amount
		for mask := 1; mask < 1<<uint(n); mask++ {
			var sum btcutil.Amount
			for i := 0; i < n; i++ {
				if mask&(1<<uint(i)) != 0 {
					sum += smaller[i].Amount
				}
			}
			if sum == adjusted {
				subset := subsetFor(smaller, mask)
				coinSelectionCounter.WithLabelValues("subset_exact").Inc()
				return &Selection{Outputs: subset, Sum: sum, Change: 0, Strategy: "subset_exact"}, nil
			}
			if inMargin == nil && sum >= adjusted && sum <= upper {
				inMargin = subsetFor(smaller, mask)
				inMarginSum = sum
			}
		}
		if inMargin != nil {
			coinSelectionCounter.WithLabelValues("subset_margin").Inc()
			return &Selection{Outputs: inMargin, Sum: inMarginSum, Change: inMarginSum - adjusted, Strategy: "subset_margin"}, nil
		}
	}

	// 3. Split a larger output: ask the wallet for a transaction producing an
	// output of exactly the adjusted size. This transaction is broadcast
	// on-chain and is NOT rolled back if a later validation step fails.
	for _, u := range candidates {
		if u.Amount > adjusted {
			return s.split(ctx, adjusted)
		}
	}

	// 4. Greedy fallback: accumulate in iteration order.
	var acc []wallet.Unspent
	var sum btcutil.Amount
	for _, u := range candidates {
		acc = append(acc, u)
		sum += u.Amount
		if sum >= adjusted {
			coinSelectionCounter.WithLabelValues("greedy").Inc()
			return &Selection{Outputs: acc, Sum: sum, Change: sum - adjusted, Strategy: "greedy"}, nil
		}
	}
	coinSelectionCounter.WithLabelValues("insufficient").Inc()
	return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, sum, adjusted)
}

func (s *Selector) split(ctx context.Context, adjusted btcutil.Amount) (*Selection, error) {
	addr, err := s.wallet.GetNewAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: split: new address: %w", err)
	}
	txid, err := s.wallet.SendToAddress(ctx, addr, adjusted)
	if err != nil {
		return nil, fmt.Errorf("escrow: split: send: %w", err)
	}
	// The split transaction is already on-chain at this point; a failure in
	// any later step of the calling handler leaves it broadcast.
	s.logger.WarnContext(ctx, "Split output transaction broadcast",
		"txid", txid, "amount", adjusted.String(), "address", addr)

	rawTx, err := s.wallet.GetRawTransaction(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("escrow: split: fetch tx %s: %w", txid, err)
	}
	decoded, err := s.wallet.DecodeRawTransaction(ctx, rawTx)
	if err != nil {
		return nil, fmt.Errorf("escrow: split: decode tx %s: %w", txid, err)
	}
	for _, vout := range decoded.Vout {
		for _, a := range vout.Addresses {
			if a == addr {
				coinSelectionCounter.WithLabelValues("split").Inc()
				u := wallet.Unspent{
					TxID:      txid,
					VOut:      vout.N,
					Address:   addr,
					Amount:    adjusted,
					AmountBTC: adjusted.ToBTC(),
					Spendable: true,
					Solvable:  true,
					Safe:      true,
				}
				return &Selection{Outputs: []wallet.Unspent{u}, Sum: adjusted, Change: 0, Strategy: "split"}, nil
			}
		}
	}
	return nil, fmt.Errorf("escrow: split: output for %s not found in tx %s", addr, txid)
}

func subsetFor(outputs []wallet.Unspent, mask int) []wallet.Unspent {
	var subset []wallet.Unspent
	for i := range outputs {
		if mask&(1<<uint(i)) != 0 {
			subset = append(subset, outputs[i])
		}
	}
	return subset
}
