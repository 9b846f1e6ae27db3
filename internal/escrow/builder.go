package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/openstall/marketd/internal/wallet"
)

// ErrPrematureComplete signals that a transaction came back fully signed at a
// stage where only a partial signature is legal. Broadcasting a message
// containing a fully-signed transaction before the counterparty has agreed
// would let one party unilaterally move funds, so the handler aborts.
var ErrPrematureComplete = errors.New("escrow: transaction unexpectedly complete")

// SplitPolicy is the payout split applied when releasing an escrow, expressed
// as integer shares (e.g. 2:1 seller:buyer).
type SplitPolicy struct {
	SellerShare int64
	BuyerShare  int64
}

// Builder constructs the multi-party escrow transactions: joint funding on
// accept, full signing and broadcast on lock, and the two-phase release and
// refund payouts. All escrow funds sit on a 2-of-2 multisig address derived
// from the two parties' sorted public keys.
type Builder struct {
	wallet   wallet.Client
	selector *Selector
	fee      btcutil.Amount
	split    SplitPolicy
	logger   *slog.Logger
}

// DefaultSplitPolicy is the release split used when no valid policy is
// configured.
var DefaultSplitPolicy = SplitPolicy{SellerShare: 2, BuyerShare: 1}

// NewBuilder creates a transaction builder. A split with a non-positive share
// on either side falls back to DefaultSplitPolicy so the payout arithmetic
// never divides by zero.
func NewBuilder(w wallet.Client, selector *Selector, fee btcutil.Amount, split SplitPolicy, logger *slog.Logger) *Builder {
	if split.SellerShare <= 0 || split.BuyerShare <= 0 {
		logger.Warn("Invalid escrow release split, using default",
			"seller_share", split.SellerShare, "buyer_share", split.BuyerShare)
		split = DefaultSplitPolicy
	}
	return &Builder{wallet: w, selector: selector, fee: fee, split: split, logger: logger}
}

// MultisigAddress derives the canonical 2-of-2 escrow address for the two
// parties. Keys are sorted lexicographically first so both sides derive the
// same address regardless of argument order.
func (b *Builder) MultisigAddress(ctx context.Context, pubKeyA, pubKeyB string) (string, error) {
	keys := []string{pubKeyA, pubKeyB}
	sort.Strings(keys)
	return b.wallet.AddMultisigAddress(ctx, 2, keys)
}

// FundingRequest describes the inputs to the escrow funding transaction built
// by the seller on accept. BuyerOutputs are the outputs the buyer announced
// with the bid; Candidates is the seller's unreserved unspent snapshot.
type FundingRequest struct {
	Price         btcutil.Amount
	BuyerPubKey   string
	BuyerOutputs  []wallet.Unspent
	BuyerChange   string
	SellerPubKey  string
	Candidates    []wallet.Unspent
}

// FundingResult is the partially signed escrow funding transaction plus the
// seller-side selection that funded it.
type FundingResult struct {
	RawTx           string
	MultisigAddress string
	Selection       *Selection
	EscrowAmount    btcutil.Amount
}

// BuildEscrowFunding constructs the jointly funded escrow transaction on
// accept: both parties deposit the listing price, paying 2x price into the
// multisig address with a change output per party. The seller signs its
// inputs; the result MUST still be incomplete, since the buyer has not signed
// yet, so a complete result aborts with ErrPrematureComplete.
func (b *Builder) BuildEscrowFunding(ctx context.Context, req *FundingRequest) (*FundingResult, error) {
	res, err := b.buildEscrowFunding(ctx, req)
	if err != nil {
		escrowTxCounter.WithLabelValues("funding", "error").Inc()
		return nil, err
	}
	escrowTxCounter.WithLabelValues("funding", "ok").Inc()
	return res, nil
}

func (b *Builder) buildEscrowFunding(ctx context.Context, req *FundingRequest) (*FundingResult, error) {
	var buyerSum btcutil.Amount
	for _, u := range req.BuyerOutputs {
		buyerSum += u.Amount
	}
	if buyerSum < req.Price+b.fee {
		return nil, fmt.Errorf("escrow: buyer outputs %s do not cover price %s plus fee", buyerSum, req.Price)
	}

	sel, err := b.selector.Select(ctx, req.Price, req.Candidates)
	if err != nil {
		return nil, fmt.Errorf("escrow: seller funding selection: %w", err)
	}

	multisig, err := b.MultisigAddress(ctx, req.BuyerPubKey, req.SellerPubKey)
	if err != nil {
		return nil, fmt.Errorf("escrow: multisig address: %w", err)
	}

	sellerChange, err := b.wallet.GetNewAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: seller change address: %w", err)
	}

	inputs := make([]wallet.TxInput, 0, len(req.BuyerOutputs)+len(sel.Outputs))
	for _, u := range req.BuyerOutputs {
		inputs = append(inputs, wallet.TxInput{TxID: u.TxID, VOut: u.VOut})
	}
	for _, u := range sel.Outputs {
		inputs = append(inputs, wallet.TxInput{TxID: u.TxID, VOut: u.VOut})
	}

	escrowAmount := 2 * req.Price
	outputs := map[string]btcutil.Amount{multisig: escrowAmount}
	if sel.Change > 0 {
		outputs[sellerChange] = sel.Change
	}
	if buyerChange := buyerSum - req.Price - b.fee; buyerChange > 0 {
		outputs[req.BuyerChange] = buyerChange
	}

	rawTx, err := b.wallet.CreateRawTransaction(ctx, inputs, outputs)
	if err != nil {
		return nil, fmt.Errorf("escrow: create funding tx: %w", err)
	}

	signed, err := b.sign(ctx, rawTx, false)
	if err != nil {
		return nil, err
	}
	if signed.Complete {
		return nil, fmt.Errorf("%w: funding transaction signed by one party must not validate fully", ErrPrematureComplete)
	}

	if err := b.wallet.LockUnspent(ctx, false, sellerInputs(sel.Outputs)); err != nil {
		return nil, fmt.Errorf("escrow: lock seller outputs: %w", err)
	}

	b.logger.InfoContext(ctx, "Built escrow funding transaction",
		"multisig", multisig, "escrow_amount", escrowAmount.String(),
		"seller_inputs", len(sel.Outputs), "buyer_inputs", len(req.BuyerOutputs))

	return &FundingResult{
		RawTx:           signed.Hex,
		MultisigAddress: multisig,
		Selection:       sel,
		EscrowAmount:    escrowAmount,
	}, nil
}

// CompleteEscrowLock fully signs the escrow funding transaction with the
// buyer's keys (both signatures now present) and broadcasts it on-chain.
func (b *Builder) CompleteEscrowLock(ctx context.Context, rawTx string) (string, error) {
	txid, err := b.completeAndBroadcast(ctx, rawTx)
	if err != nil {
		escrowTxCounter.WithLabelValues("lock", "error").Inc()
		return "", err
	}
	escrowTxCounter.WithLabelValues("lock", "ok").Inc()
	return txid, nil
}

// BuildEscrowRelease constructs phase one of the release: a payout from the
// on-chain escrow output to the two parties' release addresses under the
// configured split policy, partially signed by the caller (the seller). The
// buyer completes it in phase two.
func (b *Builder) BuildEscrowRelease(ctx context.Context, escrowTxID, multisigAddr, sellerAddr, buyerAddr string) (string, error) {
	raw, err := b.buildPayout(ctx, escrowTxID, multisigAddr, sellerAddr, buyerAddr, b.split)
	if err != nil {
		escrowTxCounter.WithLabelValues("release", "error").Inc()
		return "", err
	}
	escrowTxCounter.WithLabelValues("release", "ok").Inc()
	return raw, nil
}

// CompleteEscrowRelease finishes phase two: the counterparty's signature is
// added (the result must now be complete) and the payout is broadcast.
func (b *Builder) CompleteEscrowRelease(ctx context.Context, rawTx string) (string, error) {
	txid, err := b.completeAndBroadcast(ctx, rawTx)
	if err != nil {
		escrowTxCounter.WithLabelValues("release", "error").Inc()
		return "", err
	}
	escrowTxCounter.WithLabelValues("release", "ok").Inc()
	return txid, nil
}

// BuildEscrowRefund constructs phase one of the refund dispute path: the
// escrow output pays each party its deposit back (equal split). The requesting
// party signs partially; the counterparty completes and broadcasts.
func (b *Builder) BuildEscrowRefund(ctx context.Context, escrowTxID, multisigAddr, buyerAddr, sellerAddr string) (string, error) {
	raw, err := b.buildPayout(ctx, escrowTxID, multisigAddr, buyerAddr, sellerAddr, SplitPolicy{SellerShare: 1, BuyerShare: 1})
	if err != nil {
		escrowTxCounter.WithLabelValues("refund", "error").Inc()
		return "", err
	}
	escrowTxCounter.WithLabelValues("refund", "ok").Inc()
	return raw, nil
}

// CompleteEscrowRefund finishes the refund: full signature plus broadcast.
func (b *Builder) CompleteEscrowRefund(ctx context.Context, rawTx string) (string, error) {
	txid, err := b.completeAndBroadcast(ctx, rawTx)
	if err != nil {
		escrowTxCounter.WithLabelValues("refund", "error").Inc()
		return "", err
	}
	escrowTxCounter.WithLabelValues("refund", "ok").Inc()
	return txid, nil
}

// buildPayout spends the multisig escrow output of escrowTxID to the first
// and second addresses, splitting the balance minus fee SellerShare:BuyerShare
// (first address gets the seller share).
func (b *Builder) buildPayout(ctx context.Context, escrowTxID, multisigAddr, firstAddr, secondAddr string, split SplitPolicy) (string, error) {
	rawTx, err := b.wallet.GetRawTransaction(ctx, escrowTxID)
	if err != nil {
		return "", fmt.Errorf("escrow: fetch escrow tx %s: %w", escrowTxID, err)
	}
	decoded, err := b.wallet.DecodeRawTransaction(ctx, rawTx)
	if err != nil {
		return "", fmt.Errorf("escrow: decode escrow tx %s: %w", escrowTxID, err)
	}

	var escrowVout *wallet.RawTxOut
	for i := range decoded.Vout {
		for _, a := range decoded.Vout[i].Addresses {
			if a == multisigAddr {
				escrowVout = &decoded.Vout[i]
			}
		}
	}
	if escrowVout == nil {
		return "", fmt.Errorf("escrow: tx %s has no output paying %s", escrowTxID, multisigAddr)
	}

	escrowAmount, err := btcutil.NewAmount(escrowVout.ValueBTC)
	if err != nil {
		return "", fmt.Errorf("escrow: bad escrow output value %f: %w", escrowVout.ValueBTC, err)
	}
	total := escrowAmount - b.fee
	if total <= 0 {
		return "", fmt.Errorf("escrow: escrow balance %s does not cover fee", escrowAmount)
	}

	shares := split.SellerShare + split.BuyerShare
	firstAmt := btcutil.Amount(int64(total) * split.SellerShare / shares)
	secondAmt := total - firstAmt

	payout, err := b.wallet.CreateRawTransaction(ctx,
		[]wallet.TxInput{{TxID: escrowTxID, VOut: escrowVout.N}},
		map[string]btcutil.Amount{firstAddr: firstAmt, secondAddr: secondAmt},
	)
	if err != nil {
		return "", fmt.Errorf("escrow: create payout tx: %w", err)
	}

	signed, err := b.sign(ctx, payout, false)
	if err != nil {
		return "", err
	}
	if signed.Complete {
		return "", fmt.Errorf("%w: payout signed by one party must not validate fully", ErrPrematureComplete)
	}
	return signed.Hex, nil
}

// completeAndBroadcast adds the local signatures to the counterparty's
// partially signed rawTx and broadcasts the result. Some wallets sign a fresh
// copy instead of merging into the counterparty's partial; when the local
// pass reports an incomplete set the two partials are combined to recover the
// full signature set before broadcast.
func (b *Builder) completeAndBroadcast(ctx context.Context, rawTx string) (string, error) {
	signed, err := b.sign(ctx, rawTx, false)
	if err != nil {
		return "", err
	}
	hex := signed.Hex
	if !signed.Complete {
		combined, err := b.wallet.CombineRawTransaction(ctx, []string{rawTx, signed.Hex})
		if err != nil {
			return "", fmt.Errorf("escrow: combine partial signatures: %w", err)
		}
		hex = combined
	}
	return b.wallet.SendRawTransaction(ctx, hex)
}

func sellerInputs(outputs []wallet.Unspent) []wallet.TxInput {
	inputs := make([]wallet.TxInput, 0, len(outputs))
	for _, u := range outputs {
		inputs = append(inputs, wallet.TxInput{TxID: u.TxID, VOut: u.VOut})
	}
	return inputs
}
