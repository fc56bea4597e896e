package btcchain

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/waddrmgr"
	"github.com/catalogfi/blockchain/btc"
	"github.com/meridianfi/crossd/pkg/chain"
	"github.com/meridianfi/crossd/pkg/secret"
	"go.uber.org/zap"
)

// blockTime is the assumed Bitcoin block interval used to translate the
// swap's absolute expiry into a CSV wait block count at lock time.
const blockTime = 10 * time.Minute

type Options struct {
	Chain         chain.Chain
	Network       *chaincfg.Params
	AddressType   waddrmgr.AddressType
	FeeTier       string
	Confirmations uint64
	PollInterval  time.Duration
}

func NewOptions(c chain.Chain, network *chaincfg.Params, confirmations uint64) Options {
	return Options{
		Chain:         c,
		Network:       network,
		AddressType:   waddrmgr.WitnessPubKey,
		FeeTier:       "high",
		Confirmations: confirmations,
		PollInterval:  30 * time.Second,
	}
}

// adapter watches and spends HTLC outputs through an electrs indexer. Unlike
// the EVM leg there is no contract emitting logs, so every lock must be
// registered up front for the adapter to derive its script address.
type adapter struct {
	opts         Options
	client       btc.IndexerClient
	feeEstimator btc.FeeEstimator
	key          *btcec.PrivateKey
	address      btcutil.Address
	logger       *zap.Logger

	mu      sync.Mutex
	watched map[string]*HTLC
}

func New(opts Options, client btc.IndexerClient, key *btcec.PrivateKey, estimator btc.FeeEstimator, logger *zap.Logger) (chain.Adapter, error) {
	addr, err := btc.PublicKeyAddress(opts.Network, opts.AddressType, key.PubKey())
	if err != nil {
		return nil, fmt.Errorf("fail to parse wallet address, %v", err)
	}

	return &adapter{
		opts:         opts,
		client:       client,
		feeEstimator: estimator,
		key:          key,
		address:      addr,
		logger:       logger.With(zap.String("adapter", string(opts.Chain))),
		watched:      map[string]*HTLC{},
	}, nil
}

func (a *adapter) Name() chain.Chain {
	return a.opts.Chain
}

func (a *adapter) ConfirmationDepth() uint64 {
	return a.opts.Confirmations
}

func (a *adapter) TipHeight(ctx context.Context) (uint64, error) {
	return a.client.GetTipBlockHeight(ctx)
}

func (a *adapter) Address() btcutil.Address {
	return a.address
}

// WatchLock registers the HTLC parameters so the subscription loop can
// derive and watch the script address. Re-registering with an identical
// script is a no-op, changed parameters replace the watched entry.
func (a *adapter) WatchLock(params chain.LockParams, sender string) error {
	htlc, err := a.htlc(params, sender)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if old, ok := a.watched[params.LockID]; ok && bytes.Equal(old.Script, htlc.Script) {
		return nil
	}
	a.watched[params.LockID] = &htlc
	return nil
}

func (a *adapter) SubmitLock(ctx context.Context, params chain.LockParams) (string, error) {
	if err := a.WatchLock(params, a.address.EncodeAddress()); err != nil {
		return "", err
	}
	htlc, err := a.lookup(params.LockID)
	if err != nil {
		return "", err
	}

	utxos, err := a.client.GetUTXOs(ctx, a.address)
	if err != nil {
		return "", err
	}
	feeRate, err := a.feeRate()
	if err != nil {
		return "", err
	}

	// Build the tx which transfers funds to the script address.
	recipients := []btc.Recipient{
		{
			To:     htlc.Address.EncodeAddress(),
			Amount: htlc.Amount,
		},
	}
	fromScript, err := txscript.PayToAddrScript(a.address)
	if err != nil {
		return "", err
	}
	tx, err := btc.BuildTransaction(a.opts.Network, feeRate, btc.NewRawInputs(), utxos, btc.P2wpkhUpdater, recipients, a.address)
	if err != nil {
		return "", err
	}

	// Sign the inputs.
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, utxo := range utxos {
		hash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return "", err
		}
		fetcher.AddPrevOut(wire.OutPoint{
			Hash:  *hash,
			Index: utxo.Vout,
		}, wire.NewTxOut(utxo.Amount, fromScript))
	}
	for i, utxo := range tx.TxIn {
		sigHashes := txscript.NewTxSigHashes(tx, fetcher)
		txOut := fetcher.FetchPrevOutput(utxo.PreviousOutPoint)
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, txOut.Value, fromScript, txscript.SigHashAll, a.key, true)
		if err != nil {
			return "", err
		}
		tx.TxIn[i].Witness = witness
	}

	if err := a.client.SubmitTx(ctx, tx); err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

func (a *adapter) SubmitClaim(ctx context.Context, lockID string, s secret.Secret) (string, error) {
	htlc, err := a.lookup(lockID)
	if err != nil {
		return "", err
	}

	// Check the htlc is funded before claiming.
	utxos, err := a.client.GetUTXOs(ctx, htlc.Address)
	if err != nil {
		return "", err
	}
	if len(utxos) == 0 {
		return "", fmt.Errorf("htlc (%v) not funded", htlc.Address)
	}

	rawInputs := btc.RawInputs{
		VIN:        utxos,
		BaseSize:   0,
		SegwitSize: len(utxos) * btc.RedeemHtlcRedeemSigScriptSize(secret.Size),
	}
	recipients := []btc.Recipient{
		{
			To:     a.address.EncodeAddress(),
			Amount: 0,
		},
	}
	feeRate, err := a.feeRate()
	if err != nil {
		return "", err
	}
	tx, err := btc.BuildTransaction(a.opts.Network, feeRate, rawInputs, nil, nil, recipients, nil)
	if err != nil {
		return "", err
	}

	fetcher, err := a.fetcher(utxos, htlc.Address)
	if err != nil {
		return "", err
	}
	for i, utxo := range tx.TxIn {
		txOut := fetcher.FetchPrevOutput(utxo.PreviousOutPoint)
		sig, err := txscript.RawTxInWitnessSignature(tx, txscript.NewTxSigHashes(tx, fetcher), i, txOut.Value, htlc.Script, txscript.SigHashAll, a.key)
		if err != nil {
			return "", err
		}
		tx.TxIn[i].Witness = btc.HtlcWitness(htlc.Script, a.key.PubKey().SerializeCompressed(), sig, s[:])
	}

	if err := a.client.SubmitTx(ctx, tx); err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

func (a *adapter) SubmitRefund(ctx context.Context, lockID string) (string, error) {
	htlc, err := a.lookup(lockID)
	if err != nil {
		return "", err
	}

	expired, err := htlc.Expired(ctx, a.client)
	if err != nil {
		return "", err
	}
	if !expired {
		return "", fmt.Errorf("htlc (%v) not expired", htlc.Address)
	}

	utxos, err := a.client.GetUTXOs(ctx, htlc.Address)
	if err != nil {
		return "", err
	}
	rawInputs := btc.RawInputs{
		VIN:        utxos,
		BaseSize:   0,
		SegwitSize: len(utxos) * btc.RedeemHtlcRefundSigScriptSize,
	}
	recipients := []btc.Recipient{
		{
			To:     a.address.EncodeAddress(),
			Amount: 0,
		},
	}
	feeRate, err := a.feeRate()
	if err != nil {
		return "", err
	}
	tx, err := btc.BuildTransaction(a.opts.Network, feeRate, rawInputs, nil, nil, recipients, nil)
	if err != nil {
		return "", err
	}

	fetcher, err := a.fetcher(utxos, htlc.Address)
	if err != nil {
		return "", err
	}
	// The CSV sequence must be set before signing.
	for i := range tx.TxIn {
		tx.TxIn[i].Sequence = uint32(htlc.WaitBlock)
	}
	for i, utxo := range tx.TxIn {
		txOut := fetcher.FetchPrevOutput(utxo.PreviousOutPoint)
		sig, err := txscript.RawTxInWitnessSignature(tx, txscript.NewTxSigHashes(tx, fetcher), i, txOut.Value, htlc.Script, txscript.SigHashAll, a.key)
		if err != nil {
			return "", err
		}
		tx.TxIn[i].Witness = btc.HtlcWitness(htlc.Script, a.key.PubKey().SerializeCompressed(), sig, nil)
	}

	if err := a.client.SubmitTx(ctx, tx); err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

// tracker decides what one full rescan should emit. Observations are
// announced once, reported as reorged if they disappear before reaching the
// confirmation depth, and remembered once final so later rescans of a
// settled HTLC do not replay its history.
type tracker struct {
	depth   uint64
	pending map[string]chain.Event
	done    map[string]struct{}
}

func newTracker(depth uint64) *tracker {
	return &tracker{
		depth:   depth,
		pending: map[string]chain.Event{},
		done:    map[string]struct{}{},
	}
}

func (t *tracker) diff(tip uint64, fresh map[string]chain.Event) []chain.Event {
	var out []chain.Event

	for key, old := range t.pending {
		if _, ok := fresh[key]; !ok {
			reorged := old
			reorged.Kind = chain.EventReorg
			out = append(out, reorged)
			delete(t.pending, key)
		}
	}

	for key, ev := range fresh {
		if _, ok := t.done[key]; ok {
			continue
		}
		if _, ok := t.pending[key]; ok {
			continue
		}
		out = append(out, ev)
		t.pending[key] = ev
	}

	if tip >= t.depth {
		final := tip - t.depth
		for key, ev := range t.pending {
			if ev.BlockHeight <= final {
				delete(t.pending, key)
				t.done[key] = struct{}{}
			}
		}
	}
	return out
}

// Subscribe polls every watched HTLC address. Observations which disappear
// from a rescan before reaching the confirmation depth are reported as
// reorgs.
func (a *adapter) Subscribe(ctx context.Context) (<-chan chain.Event, error) {
	events := make(chan chain.Event, 128)

	go func() {
		defer close(events)

		track := newTracker(a.opts.Confirmations)
		ticker := time.NewTicker(a.opts.PollInterval)
		defer ticker.Stop()

		for {
			tip, err := a.client.GetTipBlockHeight(ctx)
			if err != nil {
				a.logger.Error("failed to get tip", zap.Error(err))
				return
			}

			fresh := map[string]chain.Event{}
			for lockID, htlc := range a.snapshot() {
				evs, err := a.observe(ctx, lockID, htlc, tip)
				if err != nil {
					a.logger.Error("failed to observe htlc", zap.Error(err), zap.String("lock", lockID))
					return
				}
				for _, ev := range evs {
					fresh[fmt.Sprintf("%v-%v", ev.TxHash, ev.LogIndex)] = ev
				}
			}

			for _, ev := range track.diff(tip, fresh) {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

func (a *adapter) observe(ctx context.Context, lockID string, htlc *HTLC, tip uint64) ([]chain.Event, error) {
	var evs []chain.Event

	funded, fundingTx, height, err := htlc.Funded(ctx, a.client)
	if err != nil {
		return nil, err
	}
	if funded {
		evs = append(evs, chain.Event{
			Kind:        chain.EventLockCreated,
			Chain:       a.opts.Chain,
			LockID:      lockID,
			TxHash:      fundingTx,
			BlockHeight: height,
			Sender:      htlc.Sender.EncodeAddress(),
			Recipient:   htlc.Recipient.EncodeAddress(),
			Asset:       "BTC",
			Amount:      strconv.FormatInt(htlc.Amount, 10),
			Hashlock:    fmt.Sprintf("%x", htlc.SecretHash),
			Expiry:      expiryEstimate(tip, height, htlc.WaitBlock),
		})
	}

	sp, err := htlc.Spent(ctx, a.client)
	if err != nil {
		return nil, err
	}
	if sp != nil && sp.height > 0 {
		kind := chain.EventRefunded
		if sp.claimed {
			kind = chain.EventClaimed
		}
		evs = append(evs, chain.Event{
			Kind:        kind,
			Chain:       a.opts.Chain,
			LockID:      lockID,
			TxHash:      sp.txid,
			BlockHeight: sp.height,
			Secret:      sp.secret,
		})
	}
	return evs, nil
}

func (a *adapter) htlc(params chain.LockParams, sender string) (HTLC, error) {
	amount, err := strconv.ParseInt(params.Amount, 10, 64)
	if err != nil {
		return HTLC{}, fmt.Errorf("failed to decode amount, err : %v", err)
	}
	senderAddr, err := btcutil.DecodeAddress(sender, a.opts.Network)
	if err != nil {
		return HTLC{}, fmt.Errorf("failed to decode sender address, err : %v", err)
	}
	recipientAddr, err := btcutil.DecodeAddress(params.Recipient, a.opts.Network)
	if err != nil {
		return HTLC{}, fmt.Errorf("failed to decode recipient address, err : %v", err)
	}
	hashlock := params.Hashlock.Bytes32()
	return NewHTLC(a.opts.Network, senderAddr, recipientAddr, amount, hashlock[:], waitBlocks(params.Expiry))
}

func (a *adapter) lookup(lockID string) (*HTLC, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	htlc, ok := a.watched[lockID]
	if !ok {
		return nil, fmt.Errorf("unknown lock %v", lockID)
	}
	return htlc, nil
}

func (a *adapter) snapshot() map[string]*HTLC {
	a.mu.Lock()
	defer a.mu.Unlock()
	copied := make(map[string]*HTLC, len(a.watched))
	for id, htlc := range a.watched {
		copied[id] = htlc
	}
	return copied
}

func (a *adapter) feeRate() (int, error) {
	feeRates, err := a.feeEstimator.FeeSuggestion()
	if err != nil {
		return 0, err
	}
	switch a.opts.FeeTier {
	case "minimum":
		return feeRates.Minimum, nil
	case "economy":
		return feeRates.Economy, nil
	case "low":
		return feeRates.Low, nil
	case "medium":
		return feeRates.Medium, nil
	default:
		return feeRates.High, nil
	}
}

func (a *adapter) fetcher(utxos []btc.UTXO, addr btcutil.Address) (*txscript.MultiPrevOutFetcher, error) {
	fromScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, utxo := range utxos {
		hash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return nil, err
		}
		fetcher.AddPrevOut(wire.OutPoint{
			Hash:  *hash,
			Index: utxo.Vout,
		}, wire.NewTxOut(utxo.Amount, fromScript))
	}
	return fetcher, nil
}

// waitBlocks translates the remaining time until the absolute expiry into a
// CSV block count, rounding down with a floor of one block.
func waitBlocks(expiry int64) int64 {
	remaining := time.Until(time.Unix(expiry, 0))
	blocks := int64(remaining / blockTime)
	if blocks < 1 {
		blocks = 1
	}
	return blocks
}

// expiryEstimate converts the CSV maturity of a funded HTLC back into a
// rough unix timestamp for the ledger's expiry field.
func expiryEstimate(tip, fundedHeight uint64, waitBlock int64) int64 {
	elapsed := int64(tip - fundedHeight + 1)
	remaining := waitBlock - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return time.Now().Add(time.Duration(remaining) * blockTime).Unix()
}
