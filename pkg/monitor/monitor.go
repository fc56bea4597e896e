package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meridianfi/crossd/pkg/chain"
	"github.com/meridianfi/crossd/pkg/ledger"
	"github.com/meridianfi/crossd/pkg/secret"
	"go.uber.org/zap"
)

// Monitor subscribes to every chain adapter, waits for events to reach the
// chain's confirmation depth, de-duplicates them and applies them to the
// ledger. Applied events are forwarded on Events() for the coordinator,
// reorgs are raised on Reorgs() and never touch the ledger.
type Monitor interface {
	// Start spawns one background consumer per adapter, it is not blocking.
	Start() error

	// Stop gracefully shuts the monitor down, waiting for the consumers to
	// finish.
	Stop()

	// Events streams ledger-applied events.
	Events() <-chan chain.Event

	// Reorgs streams invalidated observations. There is no automated
	// resolution, the affected swap is an operator problem.
	Reorgs() <-chan chain.Event
}

type monitor struct {
	logger   *zap.Logger
	led      ledger.Ledger
	store    Store
	adapters []chain.Adapter

	checkInterval time.Duration
	events        chan chain.Event
	reorgs        chan chain.Event
	ctx           context.Context
	cancel        context.CancelFunc
	wg            *sync.WaitGroup
}

func New(led ledger.Ledger, store Store, adapters []chain.Adapter, logger *zap.Logger) Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &monitor{
		logger:   logger.With(zap.String("service", "monitor")),
		led:      led,
		store:    store,
		adapters: adapters,

		checkInterval: time.Second,
		events:        make(chan chain.Event, 128),
		reorgs:        make(chan chain.Event, 16),
		ctx:           ctx,
		cancel:        cancel,
		wg:            new(sync.WaitGroup),
	}
}

func (m *monitor) Start() error {
	for _, adapter := range m.adapters {
		m.wg.Add(1)
		go m.watch(adapter)
	}
	return nil
}

func (m *monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *monitor) Events() <-chan chain.Event {
	return m.events
}

func (m *monitor) Reorgs() <-chan chain.Event {
	return m.reorgs
}

// watch keeps one adapter subscription alive, resubscribing with a doubling
// fallback when the stream dies.
func (m *monitor) watch(adapter chain.Adapter) {
	defer m.wg.Done()

	logger := m.logger.With(zap.String("chain", string(adapter.Name())))
	fallback := 5 * time.Second
	for {
		logger.Info("subscribing to chain events")
		stream, err := adapter.Subscribe(m.ctx)
		if err != nil {
			logger.Error("failed to subscribe", zap.Error(err))
		} else {
			m.consume(adapter, stream, logger)
			fallback = 5 * time.Second
		}

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(fallback):
			if fallback < 5*time.Minute {
				fallback = fallback * 2
			}
		}
	}
}

// consume drains one subscription until it closes. Events are held back
// until they are buried under the chain's confirmation depth, so short
// reorgs never reach the ledger.
func (m *monitor) consume(adapter chain.Adapter, stream <-chan chain.Event, logger *zap.Logger) {
	depth := adapter.ConfirmationDepth()
	pending := make([]chain.Event, 0, 16)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if ev.Kind == chain.EventReorg {
				logger.Warn("reorg detected",
					zap.String("lock", ev.LockID),
					zap.String("tx", ev.TxHash))
				select {
				case m.reorgs <- ev:
				case <-m.ctx.Done():
					return
				}
				continue
			}
			pending = append(pending, ev)
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			tip, err := adapter.TipHeight(m.ctx)
			if err != nil {
				logger.Error("failed to get tip", zap.Error(err))
				continue
			}
			remaining := pending[:0]
			for _, ev := range pending {
				if tip < ev.BlockHeight || tip-ev.BlockHeight+1 < depth {
					remaining = append(remaining, ev)
					continue
				}
				if err := m.apply(ev, logger); err != nil {
					logger.Error("failed to apply event", zap.Error(err), zap.String("tx", ev.TxHash))
					remaining = append(remaining, ev)
				}
			}
			pending = remaining
		case <-m.ctx.Done():
			return
		}
	}
}

// apply records one confirmed event in the ledger and forwards it. Replays
// and benign races are dropped silently, the ledger has seen them already.
func (m *monitor) apply(ev chain.Event, logger *zap.Logger) error {
	seen, err := m.store.Seen(string(ev.Chain), ev.TxHash, ev.LogIndex)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	switch ev.Kind {
	case chain.EventLockCreated:
		err = m.led.RecordLock(ledger.Lock{
			Chain:      string(ev.Chain),
			LockID:     ev.LockID,
			Sender:     ev.Sender,
			Recipient:  ev.Recipient,
			Asset:      ev.Asset,
			Amount:     ev.Amount,
			Hashlock:   ev.Hashlock,
			Expiry:     ev.Expiry,
			LockTxHash: ev.TxHash,
		})
	case chain.EventClaimed:
		if len(ev.Secret) != secret.Size {
			return fmt.Errorf("%w: claim tx %v carries %v bytes", secret.ErrMalformedSecret, ev.TxHash, len(ev.Secret))
		}
		err = m.led.RecordClaim(ev.Chain, ev.LockID, secretFromBytes(ev.Secret), ev.TxHash)
	case chain.EventRefunded:
		// The contract enforced the timelock before this event existed, so
		// record at the lock's own expiry rather than trusting local clocks
		// against chain time.
		var lock ledger.Lock
		lock, err = m.led.Lock(ev.Chain, ev.LockID)
		if err == nil {
			err = m.led.RecordRefund(ev.Chain, ev.LockID, time.Unix(lock.Expiry, 0), ev.TxHash)
		}
	}

	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrInvalidStateTransition):
		// A transition the ledger already resolved, e.g. our own submission
		// was recorded first.
		logger.Debug("stale transition", zap.String("lock", ev.LockID), zap.Error(err))
	case errors.Is(err, ledger.ErrDuplicateLock):
		// Same lockID under a different hashlock. The contract should make
		// this impossible and retrying can never resolve it, so drop the
		// event and escalate to the lock's owner.
		logger.Error("conflicting lock observation",
			zap.String("lock", ev.LockID),
			zap.String("tx", ev.TxHash),
			zap.Error(err))
		if err := m.store.MarkSeen(string(ev.Chain), ev.TxHash, ev.LogIndex); err != nil {
			return err
		}
		conflict := ev
		conflict.Kind = chain.EventReorg
		// Cleared so the recorded lock, not the conflicting observation,
		// resolves which session is affected.
		conflict.Hashlock = ""
		select {
		case m.reorgs <- conflict:
		case <-m.ctx.Done():
		}
		return nil
	case errors.Is(err, ledger.ErrInvalidSecret):
		// A claim that the contract should have rejected, structural errors
		// are never swallowed.
		return err
	default:
		return err
	}

	if err := m.store.MarkSeen(string(ev.Chain), ev.TxHash, ev.LogIndex); err != nil {
		return err
	}

	logger.Info("event applied",
		zap.String("kind", string(ev.Kind)),
		zap.String("lock", ev.LockID),
		zap.String("tx", ev.TxHash))

	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
	return nil
}

func secretFromBytes(b []byte) secret.Secret {
	var s secret.Secret
	copy(s[:], b)
	return s
}
