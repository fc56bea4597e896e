package chain

import (
	"context"

	"github.com/meridianfi/crossd/pkg/secret"
)

// Chain identifies one leg of a swap.
type Chain string

const (
	Bitcoin         Chain = "bitcoin"
	BitcoinTestnet  Chain = "bitcoin_testnet"
	BitcoinRegtest  Chain = "bitcoin_regtest"
	Ethereum        Chain = "ethereum"
	EthereumSepolia Chain = "ethereum_sepolia"
	EthereumLocal   Chain = "ethereum_localnet"
)

func (c Chain) IsBTC() bool {
	return c == Bitcoin || c == BitcoinTestnet || c == BitcoinRegtest
}

func (c Chain) IsEVM() bool {
	return c == Ethereum || c == EthereumSepolia || c == EthereumLocal
}

type EventKind string

const (
	EventLockCreated EventKind = "lock_created"
	EventClaimed     EventKind = "claimed"
	EventRefunded    EventKind = "refunded"

	// EventReorg means a previously reported event is no longer on the
	// canonical chain. There is no automated recovery, the affected swap is
	// escalated to the operator.
	EventReorg EventKind = "reorg"
)

// Event is a chain log normalized to the vocabulary of the lock ledger.
type Event struct {
	Kind        EventKind
	Chain       Chain
	LockID      string
	TxHash      string
	LogIndex    uint
	BlockHeight uint64

	// LockCreated fields.
	Sender    string
	Recipient string
	Asset     string
	Amount    string
	Hashlock  string
	Expiry    int64

	// Claimed field, the revealed preimage.
	Secret []byte
}

// LockParams describes the lock transaction an adapter should submit.
type LockParams struct {
	LockID    string
	Recipient string
	Asset     string
	Amount    string
	Hashlock  secret.Hashlock
	Expiry    int64
}

// Adapter submits HTLC operations to a single chain and streams back
// confirmed observations. The coordinator never talks to a chain directly.
//
// Submission calls are not assumed idempotent. The lock contract rejecting a
// duplicate lockID is the final backstop against double locks.
type Adapter interface {
	Name() Chain

	// SubmitLock broadcasts a lock transaction and returns its tx reference.
	SubmitLock(ctx context.Context, params LockParams) (string, error)

	// SubmitClaim spends a lock with the secret.
	SubmitClaim(ctx context.Context, lockID string, s secret.Secret) (string, error)

	// SubmitRefund reclaims an expired lock.
	SubmitRefund(ctx context.Context, lockID string) (string, error)

	// Subscribe streams observed events in block order. The channel is
	// closed when the underlying stream fails, the caller is expected to
	// resubscribe with backoff.
	Subscribe(ctx context.Context) (<-chan Event, error)

	// TipHeight returns the current chain tip, used for confirmation depth
	// gating.
	TipHeight(ctx context.Context) (uint64, error)

	// ConfirmationDepth is the number of blocks an event must be buried
	// under before it is considered final.
	ConfirmationDepth() uint64
}

// LockWatcher is implemented by adapters which cannot discover a lock from
// chain data alone and need its parameters registered up front. UTXO chains
// have no contract emitting logs, the script address must be derived from
// the swap terms.
type LockWatcher interface {
	WatchLock(params LockParams, sender string) error
}

