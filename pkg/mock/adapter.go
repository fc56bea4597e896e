package mock

import (
	"context"
	"sync"

	"github.com/meridianfi/crossd/pkg/chain"
	"github.com/meridianfi/crossd/pkg/secret"
)

// Adapter is a function-field chain adapter for tests. Events pushed with
// Emit are delivered to the current subscriber, and the tip height can be
// moved to drive confirmation gating.
type Adapter struct {
	ChainName        chain.Chain
	Depth            uint64
	FuncSubmitLock   func(chain.LockParams) (string, error)
	FuncSubmitClaim  func(string, secret.Secret) (string, error)
	FuncSubmitRefund func(string) (string, error)
	FuncWatchLock    func(chain.LockParams, string) error

	mu     sync.Mutex
	tip    uint64
	stream chan chain.Event
}

func NewAdapter(name chain.Chain, depth uint64) *Adapter {
	return &Adapter{
		ChainName: name,
		Depth:     depth,
		stream:    make(chan chain.Event, 128),
	}
}

func (a *Adapter) Name() chain.Chain {
	return a.ChainName
}

func (a *Adapter) ConfirmationDepth() uint64 {
	return a.Depth
}

func (a *Adapter) SubmitLock(ctx context.Context, params chain.LockParams) (string, error) {
	if a.FuncSubmitLock != nil {
		return a.FuncSubmitLock(params)
	}
	return "lock_tx_" + params.LockID, nil
}

func (a *Adapter) SubmitClaim(ctx context.Context, lockID string, s secret.Secret) (string, error) {
	if a.FuncSubmitClaim != nil {
		return a.FuncSubmitClaim(lockID, s)
	}
	return "claim_tx_" + lockID, nil
}

func (a *Adapter) SubmitRefund(ctx context.Context, lockID string) (string, error) {
	if a.FuncSubmitRefund != nil {
		return a.FuncSubmitRefund(lockID)
	}
	return "refund_tx_" + lockID, nil
}

func (a *Adapter) WatchLock(params chain.LockParams, sender string) error {
	if a.FuncWatchLock != nil {
		return a.FuncWatchLock(params, sender)
	}
	return nil
}

func (a *Adapter) Subscribe(ctx context.Context) (<-chan chain.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream, nil
}

func (a *Adapter) TipHeight(ctx context.Context) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tip, nil
}

// SetTip moves the mock chain tip.
func (a *Adapter) SetTip(height uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tip = height
}

// Emit pushes an event to the subscriber.
func (a *Adapter) Emit(ev chain.Event) {
	ev.Chain = a.ChainName
	a.stream <- ev
}
