package evmchain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/meridianfi/crossd/pkg/chain"
	"github.com/meridianfi/crossd/pkg/secret"
	"go.uber.org/zap"
)

// swapABI is the lock contract surface the coordinator depends on. The
// contract rejects a lock whose lockId exists or whose expiration has
// passed, a claim whose secret doesn't hash to the commitment, and a refund
// before expiration.
const swapABI = `[
	{"type":"function","name":"lock","stateMutability":"nonpayable","inputs":[{"name":"lockId","type":"bytes32"},{"name":"recipient","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"hashedSecret","type":"bytes32"},{"name":"expiration","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"lockId","type":"bytes32"},{"name":"secret","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"lockId","type":"bytes32"}],"outputs":[]},
	{"type":"event","name":"SwapLocked","anonymous":false,"inputs":[{"name":"lockId","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"token","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"hashedSecret","type":"bytes32","indexed":false},{"name":"expiration","type":"uint256","indexed":false}]},
	{"type":"event","name":"SwapClaimed","anonymous":false,"inputs":[{"name":"lockId","type":"bytes32","indexed":true},{"name":"secret","type":"bytes","indexed":false}]},
	{"type":"event","name":"SwapRefunded","anonymous":false,"inputs":[{"name":"lockId","type":"bytes32","indexed":true}]}
]`

// scanStep is the block window per FilterLogs call.
const scanStep = 500

type Options struct {
	Chain         chain.Chain
	ChainID       *big.Int
	SwapAddr      common.Address
	Confirmations uint64
	PollInterval  time.Duration
}

func NewOptions(c chain.Chain, chainID *big.Int, swapAddr common.Address, confirmations uint64) Options {
	return Options{
		Chain:         c,
		ChainID:       chainID,
		SwapAddr:      swapAddr,
		Confirmations: confirmations,
		PollInterval:  15 * time.Second,
	}
}

type adapter struct {
	opts     Options
	key      *ecdsa.PrivateKey
	client   *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	logger   *zap.Logger
}

func New(opts Options, key *ecdsa.PrivateKey, client *ethclient.Client, logger *zap.Logger) (chain.Adapter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Make sure the chain ID matches our expectation, so we know we are on
	// the right chain.
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	if opts.ChainID.Cmp(chainID) != 0 {
		return nil, fmt.Errorf("wrong chain ID, expect %v, got %v", opts.ChainID, chainID)
	}

	parsed, err := abi.JSON(strings.NewReader(swapABI))
	if err != nil {
		return nil, err
	}

	return &adapter{
		opts:     opts,
		key:      key,
		client:   client,
		contract: bind.NewBoundContract(opts.SwapAddr, parsed, client, client, client),
		abi:      parsed,
		logger:   logger.With(zap.String("adapter", string(opts.Chain))),
	}, nil
}

func (a *adapter) Name() chain.Chain {
	return a.opts.Chain
}

func (a *adapter) ConfirmationDepth() uint64 {
	return a.opts.Confirmations
}

func (a *adapter) TipHeight(ctx context.Context) (uint64, error) {
	return a.client.BlockNumber(ctx)
}

func (a *adapter) SubmitLock(ctx context.Context, params chain.LockParams) (string, error) {
	amount, ok := new(big.Int).SetString(params.Amount, 10)
	if !ok {
		return "", fmt.Errorf("failed to decode amount %v", params.Amount)
	}
	if !common.IsHexAddress(params.Recipient) {
		return "", fmt.Errorf("invalid recipient address %v", params.Recipient)
	}
	if !common.IsHexAddress(params.Asset) {
		return "", fmt.Errorf("invalid token address %v", params.Asset)
	}

	return a.transact(ctx, "lock",
		common.HexToHash(params.LockID),
		common.HexToAddress(params.Recipient),
		common.HexToAddress(params.Asset),
		amount,
		params.Hashlock.Bytes32(),
		big.NewInt(params.Expiry),
	)
}

func (a *adapter) SubmitClaim(ctx context.Context, lockID string, s secret.Secret) (string, error) {
	return a.transact(ctx, "claim", common.HexToHash(lockID), s[:])
}

func (a *adapter) SubmitRefund(ctx context.Context, lockID string) (string, error) {
	return a.transact(ctx, "refund", common.HexToHash(lockID))
}

func (a *adapter) transact(ctx context.Context, method string, args ...interface{}) (string, error) {
	transactor, err := bind.NewKeyedTransactorWithChainID(a.key, a.opts.ChainID)
	if err != nil {
		return "", err
	}
	transactor.Context = ctx

	tx, err := a.contract.Transact(transactor, method, args...)
	if err != nil {
		return "", fmt.Errorf("failed to send %v: %w", method, err)
	}
	receipt, err := bind.WaitMined(ctx, a.client, tx)
	if err != nil {
		return "", fmt.Errorf("failed to wait for %v: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("%v reverted, tx = %v", method, receipt.TxHash.Hex())
	}
	return receipt.TxHash.Hex(), nil
}

// Subscribe polls the contract logs. Events within the confirmation window
// are tracked, and one which disappears from a rescan is reported as a reorg
// rather than silently dropped.
func (a *adapter) Subscribe(ctx context.Context) (<-chan chain.Event, error) {
	events := make(chan chain.Event, 128)

	go func() {
		defer close(events)

		// pending holds events above the finalized boundary, keyed by
		// (txHash, logIndex).
		pending := map[string]chain.Event{}
		var cursor uint64

		ticker := time.NewTicker(a.opts.PollInterval)
		defer ticker.Stop()

		for {
			tip, err := a.client.BlockNumber(ctx)
			if err != nil {
				a.logger.Error("failed to get tip", zap.Error(err))
				return
			}
			if cursor == 0 {
				if tip > a.opts.Confirmations {
					cursor = tip - a.opts.Confirmations
				}
			}

			fresh, err := a.scan(ctx, cursor+1, tip)
			if err != nil {
				a.logger.Error("failed to scan logs", zap.Error(err))
				return
			}

			for key, old := range pending {
				if _, ok := fresh[key]; !ok {
					reorged := old
					reorged.Kind = chain.EventReorg
					select {
					case events <- reorged:
					case <-ctx.Done():
						return
					}
					delete(pending, key)
				}
			}
			for key, ev := range fresh {
				if _, ok := pending[key]; ok {
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
				pending[key] = ev
			}

			// Advance the finalized boundary and forget events buried under
			// it, they can no longer reorg.
			if tip >= a.opts.Confirmations {
				final := tip - a.opts.Confirmations
				for key, ev := range pending {
					if ev.BlockHeight <= final {
						delete(pending, key)
					}
				}
				if final > cursor {
					cursor = final
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

func (a *adapter) scan(ctx context.Context, from, to uint64) (map[string]chain.Event, error) {
	found := map[string]chain.Event{}
	topics := []common.Hash{
		a.abi.Events["SwapLocked"].ID,
		a.abi.Events["SwapClaimed"].ID,
		a.abi.Events["SwapRefunded"].ID,
	}

	for start := from; start <= to; start += scanStep {
		end := start + scanStep - 1
		if end > to {
			end = to
		}
		logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{a.opts.SwapAddr},
			Topics:    [][]common.Hash{topics},
		})
		if err != nil {
			return nil, err
		}
		for _, log := range logs {
			ev, err := a.decode(log)
			if err != nil {
				a.logger.Error("failed to decode log", zap.Error(err), zap.String("tx", log.TxHash.Hex()))
				continue
			}
			found[fmt.Sprintf("%v-%v", ev.TxHash, ev.LogIndex)] = ev
		}
	}
	return found, nil
}

func (a *adapter) decode(log types.Log) (chain.Event, error) {
	if len(log.Topics) == 0 {
		return chain.Event{}, fmt.Errorf("log without topics")
	}
	ev := chain.Event{
		Chain:       a.opts.Chain,
		TxHash:      log.TxHash.Hex(),
		LogIndex:    log.Index,
		BlockHeight: log.BlockNumber,
	}

	switch log.Topics[0] {
	case a.abi.Events["SwapLocked"].ID:
		if len(log.Topics) != 4 {
			return chain.Event{}, fmt.Errorf("malformed SwapLocked log")
		}
		vals, err := a.abi.Unpack("SwapLocked", log.Data)
		if err != nil {
			return chain.Event{}, err
		}
		ev.Kind = chain.EventLockCreated
		ev.LockID = log.Topics[1].Hex()
		ev.Sender = common.BytesToAddress(log.Topics[2].Bytes()).Hex()
		ev.Recipient = common.BytesToAddress(log.Topics[3].Bytes()).Hex()
		ev.Asset = vals[0].(common.Address).Hex()
		ev.Amount = vals[1].(*big.Int).String()
		hashed := vals[2].([32]byte)
		ev.Hashlock = secret.Hashlock(hashed).String()
		ev.Expiry = vals[3].(*big.Int).Int64()
	case a.abi.Events["SwapClaimed"].ID:
		if len(log.Topics) != 2 {
			return chain.Event{}, fmt.Errorf("malformed SwapClaimed log")
		}
		vals, err := a.abi.Unpack("SwapClaimed", log.Data)
		if err != nil {
			return chain.Event{}, err
		}
		ev.Kind = chain.EventClaimed
		ev.LockID = log.Topics[1].Hex()
		ev.Secret = vals[0].([]byte)
	case a.abi.Events["SwapRefunded"].ID:
		if len(log.Topics) != 2 {
			return chain.Event{}, fmt.Errorf("malformed SwapRefunded log")
		}
		ev.Kind = chain.EventRefunded
		ev.LockID = log.Topics[1].Hex()
	default:
		return chain.Event{}, fmt.Errorf("unknown topic %v", log.Topics[0].Hex())
	}
	return ev, nil
}
