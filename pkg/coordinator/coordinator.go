package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meridianfi/crossd/pkg/chain"
	"github.com/meridianfi/crossd/pkg/ledger"
	"github.com/meridianfi/crossd/pkg/monitor"
	"github.com/meridianfi/crossd/pkg/secret"
	"go.uber.org/zap"
)

type Config struct {
	// InitiatorWindow is how long the initiating leg stays claimable.
	InitiatorWindow time.Duration

	// Margin is the required gap between the two legs' expirations. It has
	// no safe default, it must cover the slower chain's confirmation
	// latency plus operator reaction time.
	Margin time.Duration

	// RetryBase is the first retry delay, doubled per attempt.
	RetryBase time.Duration

	// MaxAttempts bounds submission retries before the session aborts.
	MaxAttempts int

	// ConfirmTimeout bounds how long one submission may wait for its
	// confirmation before the attempt is retried.
	ConfirmTimeout time.Duration

	// LedgerPoll is how often waiting sessions re-check the ledger.
	LedgerPoll time.Duration
}

func (cfg *Config) sanitize() {
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 10 * time.Minute
	}
	if cfg.LedgerPoll == 0 {
		cfg.LedgerPoll = 2 * time.Second
	}
}

// SwapRequest carries the agreed terms of a new swap. The initiator
// generates the secret, the responder brings the counterparty's hashlock.
type SwapRequest struct {
	Role     Role
	Hashlock string
	LegA     Leg
	LegB     Leg
}

// Coordinator drives every swap session end to end: it locks, claims and
// refunds through the chain adapters, reacting to monitor events. Sessions
// run on independent goroutines and share no state outside the ledger.
type Coordinator interface {
	// Start resumes persisted sessions and begins dispatching monitor
	// events, it is not blocking.
	Start() error

	// Stop gracefully shuts down, waiting for session goroutines. In-flight
	// submissions are reconciled against chain truth on the next start.
	Stop()

	// Initiate validates and launches a new swap session.
	Initiate(req SwapRequest) (Session, error)

	// Abort asks a running session to stop, refunding any leg we funded.
	Abort(swapID string) error

	Session(swapID string) (Session, error)

	Sessions() ([]Session, error)
}

type waitResult int

const (
	waitOK waitResult = iota
	waitTimeout
	waitReorg
	waitAborted
	waitStopped
)

type sessionHandle struct {
	evs       chan chain.Event
	abort     chan struct{}
	abortOnce *sync.Once
}

func (h *sessionHandle) requestAbort() {
	h.abortOnce.Do(func() { close(h.abort) })
}

type coordinator struct {
	logger   *zap.Logger
	cfg      Config
	led      ledger.Ledger
	store    Store
	mon      monitor.Monitor
	adapters map[chain.Chain]chain.Adapter
	alerter  Alerter

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup

	mu      sync.Mutex
	handles map[string]*sessionHandle
}

func New(cfg Config, led ledger.Ledger, store Store, mon monitor.Monitor, adapters []chain.Adapter, alerter Alerter, logger *zap.Logger) (Coordinator, error) {
	cfg.sanitize()
	if _, _, err := secret.ComputeTimelocks(time.Now(), cfg.InitiatorWindow, cfg.Margin); err != nil {
		return nil, err
	}

	byChain := map[chain.Chain]chain.Adapter{}
	for _, adapter := range adapters {
		byChain[adapter.Name()] = adapter
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &coordinator{
		logger:   logger.With(zap.String("service", "coordinator")),
		cfg:      cfg,
		led:      led,
		store:    store,
		mon:      mon,
		adapters: byChain,
		alerter:  alerter,

		ctx:     ctx,
		cancel:  cancel,
		wg:      new(sync.WaitGroup),
		handles: map[string]*sessionHandle{},
	}, nil
}

func (c *coordinator) Start() error {
	sessions, err := c.store.ActiveSessions()
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go c.dispatch()

	for _, sess := range sessions {
		c.logger.Info("resuming session",
			zap.String("swap", sess.SwapID),
			zap.String("phase", sess.Phase.String()))
		c.spawn(sess)
	}
	return nil
}

func (c *coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *coordinator) Initiate(req SwapRequest) (Session, error) {
	now := time.Now()
	expiryA, expiryB, err := secret.ComputeTimelocks(now, c.cfg.InitiatorWindow, c.cfg.Margin)
	if err != nil {
		return Session{}, err
	}

	var hashlock secret.Hashlock
	secretStr := ""
	switch req.Role {
	case RoleInitiator:
		s, err := secret.Generate()
		if err != nil {
			return Session{}, err
		}
		hashlock = secret.Hash(s)
		secretStr = secret.Encode(s)
	case RoleResponder:
		hashlock, err = secret.DecodeHashlock(req.Hashlock)
		if err != nil {
			return Session{}, err
		}
	default:
		return Session{}, fmt.Errorf("unknown role %v", req.Role)
	}

	legA, legB := req.LegA, req.LegB
	if _, ok := c.adapters[legA.Chain]; !ok {
		return Session{}, fmt.Errorf("no adapter for chain %v", legA.Chain)
	}
	if _, ok := c.adapters[legB.Chain]; !ok {
		return Session{}, fmt.Errorf("no adapter for chain %v", legB.Chain)
	}

	legA.LockID = lockIDFor(legA.Chain, hashlock)
	legB.LockID = lockIDFor(legB.Chain, hashlock)
	// For a responder the leg A expiry is an estimate used as a wait
	// deadline, the observed lock overwrites it. Leg B is not given an
	// expiry until the leg A lock is on chain.
	legA.Expiry = expiryA.Unix()
	if req.Role == RoleInitiator {
		legB.Expiry = expiryB.Unix()
	}

	sess := Session{
		SwapID:   hashlock.String(),
		Role:     req.Role,
		Secret:   secretStr,
		Hashlock: hashlock.String(),
		Phase:    PhaseInitiated,
	}
	sess.setLegA(legA)
	sess.setLegB(legB)

	if err := c.store.CreateSession(&sess); err != nil {
		return Session{}, err
	}
	c.spawn(sess)
	return sess, nil
}

func (c *coordinator) Abort(swapID string) error {
	sess, err := c.store.Session(swapID)
	if err != nil {
		return err
	}
	if sess.Phase.Terminal() {
		return fmt.Errorf("session %v already %v", swapID, sess.Phase)
	}

	c.mu.Lock()
	handle, ok := c.handles[sess.Hashlock]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %v is not running", swapID)
	}
	handle.requestAbort()
	return nil
}

func (c *coordinator) Session(swapID string) (Session, error) {
	return c.store.Session(swapID)
}

func (c *coordinator) Sessions() ([]Session, error) {
	return c.store.Sessions()
}

// dispatch routes monitor events to the session owning the hashlock.
// Sessions also poll the ledger, so a dropped event is a delay, not a loss.
func (c *coordinator) dispatch() {
	defer c.wg.Done()

	for {
		select {
		case ev, ok := <-c.mon.Events():
			if !ok {
				return
			}
			c.route(ev)
		case ev, ok := <-c.mon.Reorgs():
			if !ok {
				return
			}
			c.route(ev)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *coordinator) route(ev chain.Event) {
	hashlock := ev.Hashlock
	if hashlock == "" {
		lock, err := c.led.Lock(ev.Chain, ev.LockID)
		if err != nil {
			return
		}
		hashlock = lock.Hashlock
	}

	c.mu.Lock()
	handle, ok := c.handles[hashlock]
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case handle.evs <- ev:
	default:
		c.logger.Debug("session event buffer full", zap.String("hashlock", hashlock))
	}
}

func (c *coordinator) spawn(sess Session) {
	handle := &sessionHandle{
		evs:       make(chan chain.Event, 32),
		abort:     make(chan struct{}),
		abortOnce: new(sync.Once),
	}
	c.mu.Lock()
	c.handles[sess.Hashlock] = handle
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(sess, handle)
}

func (c *coordinator) run(sess Session, handle *sessionHandle) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.handles, sess.Hashlock)
		c.mu.Unlock()
	}()

	logger := c.logger.With(
		zap.String("swap", sess.SwapID),
		zap.String("role", sess.Role.String()))

	c.watchLegs(&sess, logger)

	if sess.Role == RoleInitiator {
		c.runInitiator(&sess, handle, logger)
	} else {
		c.runResponder(&sess, handle, logger)
	}
}

// watchLegs registers both script-derived legs with their adapters, so the
// subscription loops know which addresses to watch.
func (c *coordinator) watchLegs(sess *Session, logger *zap.Logger) {
	hashlock, err := secret.DecodeHashlock(sess.Hashlock)
	if err != nil {
		logger.Error("corrupted session hashlock", zap.Error(err))
		return
	}
	for _, leg := range []Leg{sess.LegA(), sess.LegB()} {
		// A responder's own leg has no expiry until the counterparty's lock
		// is on chain. Registering it now would derive the wrong timelock
		// script.
		if leg.Expiry == 0 {
			continue
		}
		watcher, ok := c.adapters[leg.Chain].(chain.LockWatcher)
		if !ok {
			continue
		}
		params := chain.LockParams{
			LockID:    leg.LockID,
			Recipient: leg.Recipient,
			Asset:     leg.Asset,
			Amount:    leg.Amount,
			Hashlock:  hashlock,
			Expiry:    leg.Expiry,
		}
		if err := watcher.WatchLock(params, leg.Sender); err != nil {
			logger.Error("failed to watch leg", zap.Error(err), zap.String("chain", string(leg.Chain)))
		}
	}
}

func (c *coordinator) runInitiator(sess *Session, handle *sessionHandle, logger *zap.Logger) {
	hashlock, err := secret.DecodeHashlock(sess.Hashlock)
	if err != nil {
		logger.Error("corrupted session hashlock", zap.Error(err))
		return
	}

	for !sess.Phase.Terminal() {
		switch sess.Phase {
		case PhaseInitiated:
			res := c.ensureLocked(handle, sess.LegA(), hashlock, logger)
			switch res {
			case waitOK:
				c.setPhase(sess, PhaseLegALocked, logger)
			case waitTimeout:
				// Our submission may still land, reconcile before giving up.
				c.refundIfLocked(handle, sess.LegA(), logger)
				c.abortSession(sess, ReasonSubmissionFailed, logger)
			default:
				if c.finish(sess, handle, res, logger) {
					return
				}
			}

		case PhaseLegALocked:
			// The responder has to lock with enough of leg B's window left
			// for our claim to confirm.
			deadline := time.Unix(sess.LegBExpiry, 0).Add(-c.cfg.Margin)
			res := c.waitLeg(handle, sess.LegB(), anyState, deadline)
			switch res {
			case waitOK:
				c.setPhase(sess, PhaseLegBLocked, logger)
			case waitTimeout:
				logger.Info("counterparty never locked, refunding")
				c.refundIfLocked(handle, sess.LegA(), logger)
				c.abortSession(sess, ReasonCounterpartyTimeout, logger)
			default:
				if c.finish(sess, handle, res, logger) {
					return
				}
			}

		case PhaseLegBLocked:
			// Claiming leg B publishes the secret.
			s, err := secret.Decode(sess.Secret)
			if err != nil {
				logger.Error("corrupted session secret", zap.Error(err))
				c.abortSession(sess, ReasonSubmissionFailed, logger)
				continue
			}
			res := c.claimLeg(handle, sess.LegB(), s, time.Unix(sess.LegBExpiry, 0), logger)
			switch res {
			case waitOK:
				// The secret is public now. Wipe it in memory too, any later
				// session save must not write it back.
				sess.Secret = ""
				if err := c.store.ClearSecret(sess.SwapID); err != nil {
					logger.Error("failed to clear secret", zap.Error(err))
				}
				c.setPhase(sess, PhaseSecretRevealed, logger)
			case waitTimeout:
				c.refundIfLocked(handle, sess.LegA(), logger)
				c.abortSession(sess, ReasonExpired, logger)
			default:
				if c.finish(sess, handle, res, logger) {
					return
				}
			}

		case PhaseSecretRevealed:
			// The secret is public, wait for the counterparty to collect
			// leg A. If they never do we take it back after expiry.
			res := c.waitLeg(handle, sess.LegA(), terminalState, time.Unix(sess.LegAExpiry, 0))
			switch res {
			case waitOK:
				lock, err := c.led.Lock(chain.Chain(sess.LegAChain), sess.LegALockID)
				if err != nil {
					logger.Error("failed to read leg A lock", zap.Error(err))
					continue
				}
				if lock.State != ledger.StateClaimed {
					// Refunded out from under us, the swap did not complete.
					c.abortSession(sess, ReasonExpired, logger)
					continue
				}
				c.setPhase(sess, PhaseSettled, logger)
			case waitTimeout:
				c.refundIfLocked(handle, sess.LegA(), logger)
				c.abortSession(sess, ReasonExpired, logger)
			default:
				if c.finish(sess, handle, res, logger) {
					return
				}
			}
		}
	}
}

func (c *coordinator) runResponder(sess *Session, handle *sessionHandle, logger *zap.Logger) {
	hashlock, err := secret.DecodeHashlock(sess.Hashlock)
	if err != nil {
		logger.Error("corrupted session hashlock", zap.Error(err))
		return
	}

	for !sess.Phase.Terminal() {
		switch sess.Phase {
		case PhaseInitiated:
			res := c.waitLeg(handle, sess.LegA(), anyState, time.Unix(sess.LegAExpiry, 0))
			switch res {
			case waitOK:
				lock, err := c.led.Lock(chain.Chain(sess.LegAChain), sess.LegALockID)
				if err != nil {
					logger.Error("failed to read leg A lock", zap.Error(err))
					continue
				}
				sess.LegAExpiry = lock.Expiry
				c.setPhase(sess, PhaseLegALocked, logger)
			case waitTimeout:
				c.abortSession(sess, ReasonCounterpartyTimeout, logger)
			default:
				if c.finish(sess, handle, res, logger) {
					return
				}
			}

		case PhaseLegALocked:
			// Commit our side only if the asymmetry still holds: leg B must
			// expire at least a margin before leg A.
			expiryB := time.Unix(sess.LegAExpiry, 0).Add(-c.cfg.Margin)
			if !time.Now().Before(expiryB) {
				logger.Error("margin window already closed, refusing to lock")
				c.abortSession(sess, ReasonInvalidTimelock, logger)
				continue
			}
			sess.LegBExpiry = expiryB.Unix()
			if err := c.store.UpdateSession(sess); err != nil {
				logger.Error("failed to persist leg B expiry", zap.Error(err))
			}
			c.watchLegs(sess, logger)

			res := c.ensureLocked(handle, sess.LegB(), hashlock, logger)
			switch res {
			case waitOK:
				c.setPhase(sess, PhaseLegBLocked, logger)
			case waitTimeout:
				c.refundIfLocked(handle, sess.LegB(), logger)
				c.abortSession(sess, ReasonSubmissionFailed, logger)
			default:
				if c.finish(sess, handle, res, logger) {
					return
				}
			}

		case PhaseLegBLocked:
			// The counterparty claims leg B, revealing the secret.
			res := c.waitLeg(handle, sess.LegB(), terminalState, time.Unix(sess.LegBExpiry, 0))
			switch res {
			case waitOK:
				lock, err := c.led.Lock(chain.Chain(sess.LegBChain), sess.LegBLockID)
				if err != nil {
					logger.Error("failed to read leg B lock", zap.Error(err))
					continue
				}
				if lock.State != ledger.StateClaimed {
					c.abortSession(sess, ReasonExpired, logger)
					continue
				}
				c.setPhase(sess, PhaseSecretRevealed, logger)
			case waitTimeout:
				logger.Info("leg B expired unclaimed, refunding")
				c.refundIfLocked(handle, sess.LegB(), logger)
				c.abortSession(sess, ReasonExpired, logger)
			default:
				if c.finish(sess, handle, res, logger) {
					return
				}
			}

		case PhaseSecretRevealed:
			lock, err := c.led.Lock(chain.Chain(sess.LegBChain), sess.LegBLockID)
			if err != nil {
				logger.Error("failed to read leg B lock", zap.Error(err))
				c.abortSession(sess, ReasonExpired, logger)
				continue
			}
			revealed, err := secret.Decode(lock.Secret)
			if err != nil {
				logger.Error("corrupted revealed secret", zap.Error(err))
				c.abortSession(sess, ReasonExpired, logger)
				continue
			}

			res := c.claimLeg(handle, sess.LegA(), revealed, time.Unix(sess.LegAExpiry, 0), logger)
			switch res {
			case waitOK:
				c.setPhase(sess, PhaseSettled, logger)
			case waitTimeout:
				// We hold the secret but leg A expired before our claim
				// landed. Funds are at the counterparty's mercy now.
				c.alerter.Alert(fmt.Sprintf("swap %v: leg A expired before our claim confirmed", sess.SwapID))
				c.abortSession(sess, ReasonExpired, logger)
			default:
				if c.finish(sess, handle, res, logger) {
					return
				}
			}
		}
	}
}

// finish handles the wait results that end a session early. It returns true
// when the goroutine should stop immediately.
func (c *coordinator) finish(sess *Session, handle *sessionHandle, res waitResult, logger *zap.Logger) bool {
	switch res {
	case waitReorg:
		// The ledger is append-only, un-applying state is not an option.
		// Freeze the session and hand it to a human.
		logger.Error("reorg invalidated an applied event")
		c.alerter.Alert(fmt.Sprintf("swap %v: reorg detected, manual intervention required", sess.SwapID))
		c.abortSession(sess, ReasonReorg, logger)
		return false
	case waitAborted:
		logger.Info("operator abort")
		c.refundIfLocked(handle, c.ownedLeg(sess), logger)
		c.abortSession(sess, ReasonOperator, logger)
		return false
	case waitStopped:
		// Shutdown. The session stays active in the store and resumes on
		// the next start.
		return true
	default:
		return false
	}
}

// ownedLeg is the leg this process funded and may refund.
func (c *coordinator) ownedLeg(sess *Session) Leg {
	if sess.Role == RoleInitiator {
		return sess.LegA()
	}
	return sess.LegB()
}

// ensureLocked submits the lock and waits for the monitor to confirm it,
// retrying with exponential backoff up to the attempt budget.
func (c *coordinator) ensureLocked(handle *sessionHandle, leg Leg, hashlock secret.Hashlock, logger *zap.Logger) waitResult {
	adapter := c.adapters[leg.Chain]
	params := chain.LockParams{
		LockID:    leg.LockID,
		Recipient: leg.Recipient,
		Asset:     leg.Asset,
		Amount:    leg.Amount,
		Hashlock:  hashlock,
		Expiry:    leg.Expiry,
	}

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if res := c.sleep(c.backoff(attempt), handle); res != waitOK {
				return res
			}
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConfirmTimeout)
		txHash, err := adapter.SubmitLock(ctx, params)
		cancel()
		if err != nil {
			// An earlier broadcast may still confirm, the wait below
			// reconciles against chain truth either way.
			logger.Error("failed to submit lock", zap.Error(err), zap.Int("attempt", attempt))
		} else {
			logger.Info("lock submitted", zap.String("tx", txHash), zap.String("chain", string(leg.Chain)))
		}

		res := c.waitLeg(handle, leg, anyState, time.Now().Add(c.cfg.ConfirmTimeout))
		if res != waitTimeout {
			return res
		}
	}
	logger.Error("lock submission budget exhausted", zap.String("chain", string(leg.Chain)))
	return waitTimeout
}

// claimLeg submits the claim and waits for the ledger to show it. A claim
// rejected as a double-claim is not session fatal, the ledger resolves who
// won.
func (c *coordinator) claimLeg(handle *sessionHandle, leg Leg, s secret.Secret, deadline time.Time, logger *zap.Logger) waitResult {
	adapter := c.adapters[leg.Chain]

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if res := c.sleep(c.backoff(attempt), handle); res != waitOK {
				return res
			}
		}
		if lock, err := c.led.Lock(leg.Chain, leg.LockID); err == nil && lock.State == ledger.StateClaimed {
			return waitOK
		}
		if !time.Now().Before(deadline) {
			return waitTimeout
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConfirmTimeout)
		txHash, err := adapter.SubmitClaim(ctx, leg.LockID, s)
		cancel()
		if err != nil {
			logger.Error("failed to submit claim", zap.Error(err), zap.Int("attempt", attempt))
		} else {
			logger.Info("claim submitted", zap.String("tx", txHash), zap.String("chain", string(leg.Chain)))
		}

		waitUntil := time.Now().Add(c.cfg.ConfirmTimeout)
		if waitUntil.After(deadline) {
			waitUntil = deadline
		}
		res := c.waitLeg(handle, leg, claimedState, waitUntil)
		if res != waitTimeout {
			return res
		}
	}
	logger.Error("claim submission budget exhausted", zap.String("chain", string(leg.Chain)))
	return waitTimeout
}

// refundIfLocked takes a leg back once its timelock matures. Refund
// submissions are retried until the ledger confirms the refund, a last
// second claim by the counterparty also ends the wait.
func (c *coordinator) refundIfLocked(handle *sessionHandle, leg Leg, logger *zap.Logger) {
	adapter := c.adapters[leg.Chain]

	// The session is already past aborting, a second operator abort has
	// nothing left to cancel. Only shutdown interrupts a refund.
	handle = &sessionHandle{evs: handle.evs, abort: make(chan struct{}), abortOnce: new(sync.Once)}

	// Nothing to do when the leg never made it on chain or is already
	// settled.
	lock, err := c.led.Lock(leg.Chain, leg.LockID)
	if err != nil {
		return
	}
	if lock.State.Terminal() {
		return
	}

	// A refund is only valid after expiry.
	expiry := time.Unix(lock.Expiry, 0)
	if wait := time.Until(expiry); wait > 0 {
		logger.Info("waiting for timelock before refunding", zap.Duration("wait", wait))
		if res := c.waitLeg(handle, leg, terminalState, expiry); res == waitOK || res == waitStopped {
			return
		}
	}

	for attempt := 0; ; attempt++ {
		lock, err := c.led.Lock(leg.Chain, leg.LockID)
		if err == nil && lock.State.Terminal() {
			logger.Info("leg settled", zap.String("state", lock.State.String()))
			return
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConfirmTimeout)
		txHash, err := adapter.SubmitRefund(ctx, leg.LockID)
		cancel()
		if err != nil {
			logger.Error("failed to submit refund", zap.Error(err), zap.Int("attempt", attempt))
		} else {
			logger.Info("refund submitted", zap.String("tx", txHash), zap.String("chain", string(leg.Chain)))
		}

		res := c.waitLeg(handle, leg, terminalState, time.Now().Add(c.cfg.ConfirmTimeout))
		switch res {
		case waitOK:
			return
		case waitStopped:
			return
		case waitTimeout, waitReorg, waitAborted:
			// Keep trying, an unrefunded expired leg is lost money.
		}

		if res := c.sleep(c.backoff(attempt+1), handle); res == waitStopped {
			return
		}
	}
}

// waitLeg blocks until the ledger satisfies pred for the leg, an event
// invalidates the session, or the deadline passes. Monitor events only wake
// the loop early, the ledger is always the source of truth.
func (c *coordinator) waitLeg(handle *sessionHandle, leg Leg, pred func(ledger.Lock) bool, deadline time.Time) waitResult {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	ticker := time.NewTicker(c.cfg.LedgerPoll)
	defer ticker.Stop()

	for {
		if lock, err := c.led.Lock(leg.Chain, leg.LockID); err == nil && pred(lock) {
			return waitOK
		}

		select {
		case ev := <-handle.evs:
			if ev.Kind == chain.EventReorg {
				return waitReorg
			}
		case <-ticker.C:
		case <-timer.C:
			return waitTimeout
		case <-handle.abort:
			return waitAborted
		case <-c.ctx.Done():
			return waitStopped
		}
	}
}

func (c *coordinator) sleep(d time.Duration, handle *sessionHandle) waitResult {
	select {
	case <-time.After(d):
		return waitOK
	case <-handle.abort:
		return waitAborted
	case <-c.ctx.Done():
		return waitStopped
	}
}

func (c *coordinator) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBase << uint(attempt-1)
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func (c *coordinator) setPhase(sess *Session, phase Phase, logger *zap.Logger) {
	sess.Phase = phase
	if err := c.store.UpdateSession(sess); err != nil {
		logger.Error("failed to persist phase", zap.Error(err))
	}
	logger.Info("phase transition", zap.String("phase", phase.String()))
}

func (c *coordinator) abortSession(sess *Session, reason AbortReason, logger *zap.Logger) {
	sess.Phase = PhaseAborted
	sess.Reason = reason
	if err := c.store.UpdateSession(sess); err != nil {
		logger.Error("failed to persist abort", zap.Error(err))
	}
	logger.Info("session aborted", zap.String("reason", string(reason)))
	c.alerter.Alert(fmt.Sprintf("swap %v aborted: %v", sess.SwapID, reason))
}

func anyState(ledger.Lock) bool {
	return true
}

func claimedState(lock ledger.Lock) bool {
	return lock.State == ledger.StateClaimed
}

func terminalState(lock ledger.Lock) bool {
	return lock.State.Terminal()
}

// lockIDFor derives the chain-scoped lock identifier from the hashlock.
// Both parties can compute it independently, no out-of-band id exchange.
func lockIDFor(c chain.Chain, hashlock secret.Hashlock) string {
	if c.IsEVM() {
		return "0x" + hashlock.String()
	}
	return hashlock.String()
}
