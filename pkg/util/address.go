package util

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/meridianfi/crossd/pkg/chain"
)

// NetworkParams maps a bitcoin chain to its address encoding parameters.
func NetworkParams(c chain.Chain) (*chaincfg.Params, error) {
	switch c {
	case chain.Bitcoin:
		return &chaincfg.MainNetParams, nil
	case chain.BitcoinTestnet:
		return &chaincfg.TestNet3Params, nil
	case chain.BitcoinRegtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("not a bitcoin chain: %v", c)
	}
}

// ValidateAddress checks an address against the chain's encoding rules
// before a swap leg is accepted.
func ValidateAddress(c chain.Chain, address string) error {
	if c.IsEVM() {
		if !common.IsHexAddress(address) {
			return fmt.Errorf("invalid evm (%v) address: %v", c, address)
		}
		return nil
	} else if c.IsBTC() {
		params, err := NetworkParams(c)
		if err != nil {
			return err
		}
		_, err = btcutil.DecodeAddress(address, params)
		return err
	} else {
		return fmt.Errorf("unknown chain: %v", c)
	}
}

// EcdsaToBtcec converts the daemon's signing key for use with the btcd
// transaction builders.
func EcdsaToBtcec(key *ecdsa.PrivateKey) *btcec.PrivateKey {
	pk, _ := btcec.PrivKeyFromBytes(crypto.FromECDSA(key))
	return pk
}
