package btcchain

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/catalogfi/blockchain/btc"
)

// HTLC is one hash-time-locked output script on the Bitcoin leg. The wait
// block count is a CSV relative timelock measured from the funding
// confirmation.
type HTLC struct {
	Network    *chaincfg.Params
	Amount     int64
	SecretHash []byte
	WaitBlock  int64
	Address    btcutil.Address
	Sender     btcutil.Address
	Recipient  btcutil.Address
	Script     []byte
}

func NewHTLC(network *chaincfg.Params, sender, recipient btcutil.Address, amount int64, secretHash []byte, waitBlock int64) (HTLC, error) {
	script, err := btc.HtlcScript(sender.ScriptAddress(), recipient.ScriptAddress(), secretHash, waitBlock)
	if err != nil {
		return HTLC{}, err
	}
	addr, err := btc.P2wshAddress(script, network)
	if err != nil {
		return HTLC{}, err
	}

	return HTLC{
		Network:    network,
		Amount:     amount,
		SecretHash: secretHash,
		WaitBlock:  waitBlock,
		Address:    addr,
		Sender:     sender,
		Recipient:  recipient,
		Script:     script,
	}, nil
}

// Funded returns whether the script address holds enough confirmed value,
// along with the newest funding txid and its confirmation height.
func (h *HTLC) Funded(ctx context.Context, client btc.IndexerClient) (bool, string, uint64, error) {
	utxos, err := client.GetUTXOs(ctx, h.Address)
	if err != nil {
		return false, "", 0, fmt.Errorf("failed to get UTXOs: %w", err)
	}

	total, height, txid := int64(0), uint64(0), ""
	for _, utxo := range utxos {
		if utxo.Status != nil && utxo.Status.Confirmed {
			total += utxo.Amount
			if utxo.Status.BlockHeight != nil && *utxo.Status.BlockHeight > height {
				height = *utxo.Status.BlockHeight
				txid = utxo.TxID
			}
		}
	}
	return total >= h.Amount, txid, height, nil
}

// spend describes how the HTLC output was consumed.
type spend struct {
	claimed bool
	secret  []byte
	txid    string
	height  uint64
}

// Spent scans the address history for a transaction spending the HTLC
// output. A claim carries the secret as the third witness element, a refund
// witness has no secret slot.
//
// Witness format of a claim:
//
//	[ sig, spender's public key, secret, 0x1, script ]
func (h *HTLC) Spent(ctx context.Context, client btc.IndexerClient) (*spend, error) {
	txs, err := client.GetAddressTxs(ctx, h.Address, "")
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		for _, vin := range tx.VINs {
			if vin.Prevout.ScriptPubKeyAddress != h.Address.EncodeAddress() {
				continue
			}
			if vin.Witness == nil {
				continue
			}
			sp := &spend{txid: tx.TxID}
			if tx.Status.Confirmed && tx.Status.BlockHeight != nil {
				sp.height = *tx.Status.BlockHeight
			}
			switch len(*vin.Witness) {
			case 5:
				secretString := (*vin.Witness)[2]
				secretBytes := make([]byte, hex.DecodedLen(len(secretString)))
				if _, err := hex.Decode(secretBytes, []byte(secretString)); err != nil {
					return nil, err
				}
				sp.claimed = true
				sp.secret = secretBytes
			case 4:
				sp.claimed = false
			default:
				continue
			}
			return sp, nil
		}
	}
	return nil, nil
}

// Expired reports whether the CSV timelock has matured, measured from the
// funding confirmation height.
func (h *HTLC) Expired(ctx context.Context, client btc.IndexerClient) (bool, error) {
	funded, _, fundedHeight, err := h.Funded(ctx, client)
	if err != nil {
		return false, err
	}
	if !funded {
		return false, fmt.Errorf("htlc not funded")
	}
	current, err := client.GetTipBlockHeight(ctx)
	if err != nil {
		return false, err
	}
	return current-fundedHeight+1 >= uint64(h.WaitBlock), nil
}
