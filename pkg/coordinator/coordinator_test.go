package coordinator_test

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/meridianfi/crossd/pkg/chain"
	"github.com/meridianfi/crossd/pkg/coordinator"
	"github.com/meridianfi/crossd/pkg/ledger"
	"github.com/meridianfi/crossd/pkg/mock"
	"github.com/meridianfi/crossd/pkg/monitor"
	"github.com/meridianfi/crossd/pkg/secret"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type recordingAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingAlerter) Alert(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

var _ = Describe("Coordinator", func() {
	var (
		led      ledger.Ledger
		store    coordinator.Store
		mon      monitor.Monitor
		evm      *mock.Adapter
		btc      *mock.Adapter
		alerts   *recordingAlerter
		coord    coordinator.Coordinator
		shutdown func()
	)

	// Both mock chains sit at height 100 with depth 1, an event emitted at
	// the tip is applied on the monitor's next pass.
	emitLock := func(a *mock.Adapter, lockID, hashlock string, expiry int64) {
		a.Emit(chain.Event{
			Kind:        chain.EventLockCreated,
			LockID:      lockID,
			TxHash:      "lock_tx_" + lockID,
			BlockHeight: 100,
			Sender:      "counterparty",
			Recipient:   "us",
			Asset:       "asset",
			Amount:      "5000",
			Hashlock:    hashlock,
			Expiry:      expiry,
		})
	}
	emitClaim := func(a *mock.Adapter, lockID string, s secret.Secret) {
		a.Emit(chain.Event{
			Kind:        chain.EventClaimed,
			LockID:      lockID,
			TxHash:      "claim_tx_" + lockID,
			BlockHeight: 100,
			Secret:      s[:],
		})
	}

	// wireSubmissions makes every successful submission visible on chain.
	wireSubmissions := func(a *mock.Adapter) {
		a.FuncSubmitLock = func(params chain.LockParams) (string, error) {
			emitLock(a, params.LockID, params.Hashlock.String(), params.Expiry)
			return "lock_tx_" + params.LockID, nil
		}
		a.FuncSubmitClaim = func(lockID string, s secret.Secret) (string, error) {
			emitClaim(a, lockID, s)
			return "claim_tx_" + lockID, nil
		}
		a.FuncSubmitRefund = func(lockID string) (string, error) {
			a.Emit(chain.Event{
				Kind:        chain.EventRefunded,
				LockID:      lockID,
				TxHash:      "refund_tx_" + lockID,
				BlockHeight: 100,
			})
			return "refund_tx_" + lockID, nil
		}
	}

	start := func(cfg coordinator.Config) {
		var err error
		coord, err = coordinator.New(cfg, led, store, mon,
			[]chain.Adapter{evm, btc}, alerts, zap.NewNop())
		Expect(err).To(BeNil())
		Expect(coord.Start()).To(Succeed())
		shutdown = coord.Stop
	}

	request := func(role coordinator.Role, hashlock string) coordinator.SwapRequest {
		return coordinator.SwapRequest{
			Role:     role,
			Hashlock: hashlock,
			LegA: coordinator.Leg{
				Chain:     chain.EthereumLocal,
				Sender:    "0xA11CE",
				Recipient: "0xB0B",
				Asset:     "0xA000000000000000000000000000000000000001",
				Amount:    "5000",
			},
			LegB: coordinator.Leg{
				Chain:     chain.BitcoinRegtest,
				Sender:    "bcrt1qbob",
				Recipient: "bcrt1qalice",
				Asset:     "btc",
				Amount:    "5000",
			},
		}
	}

	phase := func(swapID string) func() coordinator.Phase {
		return func() coordinator.Phase {
			sess, err := coord.Session(swapID)
			if err != nil {
				return coordinator.PhaseUnknown
			}
			return sess.Phase
		}
	}

	BeforeEach(func() {
		db, err := gorm.Open(sqlite.Open(filepath.Join(GinkgoT().TempDir(), "coordinator.db")), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		Expect(err).To(BeNil())
		led, err = ledger.New(db)
		Expect(err).To(BeNil())
		store, err = coordinator.NewStore(db)
		Expect(err).To(BeNil())

		evm = mock.NewAdapter(chain.EthereumLocal, 1)
		evm.SetTip(100)
		btc = mock.NewAdapter(chain.BitcoinRegtest, 1)
		btc.SetTip(100)
		wireSubmissions(evm)
		wireSubmissions(btc)

		alerts = &recordingAlerter{}
		mon = monitor.New(led, monitor.NewInMemStore(), []chain.Adapter{evm, btc}, zap.NewNop())
		Expect(mon.Start()).To(Succeed())
		shutdown = func() {}
	})

	AfterEach(func() {
		shutdown()
		mon.Stop()
	})

	Context("initiating", func() {
		BeforeEach(func() {
			start(coordinator.Config{
				InitiatorWindow: time.Hour,
				Margin:          10 * time.Minute,
				RetryBase:       50 * time.Millisecond,
				MaxAttempts:     3,
				ConfirmTimeout:  5 * time.Second,
				LedgerPoll:      50 * time.Millisecond,
			})
		})

		It("should derive both lock ids from the hashlock", func() {
			sess, err := coord.Initiate(request(coordinator.RoleInitiator, ""))
			Expect(err).To(BeNil())
			Expect(sess.LegALockID).To(Equal("0x" + sess.Hashlock))
			Expect(sess.LegBLockID).To(Equal(sess.Hashlock))
			Expect(sess.LegAExpiry - sess.LegBExpiry).To(BeNumerically(">=", int64((10 * time.Minute).Seconds())))
		})

		It("should reject a leg on a chain without an adapter", func() {
			req := request(coordinator.RoleInitiator, "")
			req.LegB.Chain = chain.Bitcoin
			_, err := coord.Initiate(req)
			Expect(err).To(HaveOccurred())
		})

		It("should reject a responder request with a malformed hashlock", func() {
			_, err := coord.Initiate(request(coordinator.RoleResponder, "zz"))
			Expect(err).To(HaveOccurred())
		})
	})

	Context("initiator flow", func() {
		BeforeEach(func() {
			start(coordinator.Config{
				InitiatorWindow: time.Hour,
				Margin:          10 * time.Minute,
				RetryBase:       50 * time.Millisecond,
				MaxAttempts:     3,
				ConfirmTimeout:  5 * time.Second,
				LedgerPoll:      50 * time.Millisecond,
			})
		})

		It("should settle once both legs are claimed", func() {
			sess, err := coord.Initiate(request(coordinator.RoleInitiator, ""))
			Expect(err).To(BeNil())

			Eventually(phase(sess.SwapID), "10s").Should(Equal(coordinator.PhaseLegALocked))

			// The counterparty funds their side.
			emitLock(btc, sess.LegBLockID, sess.Hashlock, sess.LegBExpiry)

			// Claiming leg B reveals the secret, the session must forget it.
			Eventually(phase(sess.SwapID), "10s").Should(Equal(coordinator.PhaseSecretRevealed))
			revealed, err := coord.Session(sess.SwapID)
			Expect(err).To(BeNil())
			Expect(revealed.Secret).To(BeEmpty())

			// The counterparty collects leg A with the published secret.
			legB, err := led.Lock(chain.BitcoinRegtest, sess.LegBLockID)
			Expect(err).To(BeNil())
			s, err := secret.Decode(legB.Secret)
			Expect(err).To(BeNil())
			emitClaim(evm, sess.LegALockID, s)

			Eventually(phase(sess.SwapID), "10s").Should(Equal(coordinator.PhaseSettled))

			legA, err := led.Lock(chain.EthereumLocal, sess.LegALockID)
			Expect(err).To(BeNil())
			Expect(legA.State).To(Equal(ledger.StateClaimed))

			// Later phase saves must not write the secret back.
			settled, err := coord.Session(sess.SwapID)
			Expect(err).To(BeNil())
			Expect(settled.Secret).To(BeEmpty())
		})

		It("should abort when the lock submission budget is exhausted", func() {
			evm.FuncSubmitLock = func(chain.LockParams) (string, error) {
				return "", context.DeadlineExceeded
			}

			sess, err := coord.Initiate(request(coordinator.RoleInitiator, ""))
			Expect(err).To(BeNil())

			Eventually(phase(sess.SwapID), "30s").Should(Equal(coordinator.PhaseAborted))
			aborted, err := coord.Session(sess.SwapID)
			Expect(err).To(BeNil())
			Expect(aborted.Reason).To(Equal(coordinator.ReasonSubmissionFailed))
			Expect(alerts.count()).To(BeNumerically(">", 0))
		})
	})

	Context("initiator timeouts", func() {
		BeforeEach(func() {
			start(coordinator.Config{
				InitiatorWindow: 4 * time.Second,
				Margin:          time.Second,
				RetryBase:       50 * time.Millisecond,
				MaxAttempts:     3,
				ConfirmTimeout:  5 * time.Second,
				LedgerPoll:      50 * time.Millisecond,
			})
		})

		It("should refund leg A when the counterparty never locks", func() {
			sess, err := coord.Initiate(request(coordinator.RoleInitiator, ""))
			Expect(err).To(BeNil())

			Eventually(phase(sess.SwapID), "10s").Should(Equal(coordinator.PhaseAborted))
			aborted, err := coord.Session(sess.SwapID)
			Expect(err).To(BeNil())
			Expect(aborted.Reason).To(Equal(coordinator.ReasonCounterpartyTimeout))

			legA, err := led.Lock(chain.EthereumLocal, sess.LegALockID)
			Expect(err).To(BeNil())
			Expect(legA.State).To(Equal(ledger.StateRefunded))
		})

		It("should refund leg A on an operator abort", func() {
			sess, err := coord.Initiate(request(coordinator.RoleInitiator, ""))
			Expect(err).To(BeNil())
			Eventually(phase(sess.SwapID), "10s").Should(Equal(coordinator.PhaseLegALocked))

			Expect(coord.Abort(sess.SwapID)).To(Succeed())

			Eventually(phase(sess.SwapID), "15s").Should(Equal(coordinator.PhaseAborted))
			aborted, err := coord.Session(sess.SwapID)
			Expect(err).To(BeNil())
			Expect(aborted.Reason).To(Equal(coordinator.ReasonOperator))

			legA, err := led.Lock(chain.EthereumLocal, sess.LegALockID)
			Expect(err).To(BeNil())
			Expect(legA.State).To(Equal(ledger.StateRefunded))
		})

		It("should reject aborting a session that already ended", func() {
			sess, err := coord.Initiate(request(coordinator.RoleInitiator, ""))
			Expect(err).To(BeNil())
			Eventually(phase(sess.SwapID), "10s").Should(Equal(coordinator.PhaseAborted))

			Expect(coord.Abort(sess.SwapID)).To(HaveOccurred())
		})
	})

	Context("responder flow", func() {
		BeforeEach(func() {
			start(coordinator.Config{
				InitiatorWindow: time.Hour,
				Margin:          10 * time.Minute,
				RetryBase:       50 * time.Millisecond,
				MaxAttempts:     3,
				ConfirmTimeout:  5 * time.Second,
				LedgerPoll:      50 * time.Millisecond,
			})
		})

		It("should lock, learn the secret from the claim, and settle", func() {
			s, err := secret.Generate()
			Expect(err).To(BeNil())
			hashlock := secret.Hash(s)

			sess, err := coord.Initiate(request(coordinator.RoleResponder, hashlock.String()))
			Expect(err).To(BeNil())
			Expect(sess.Secret).To(BeEmpty())

			// The initiator locks leg A with plenty of margin.
			emitLock(evm, sess.LegALockID, hashlock.String(), time.Now().Add(time.Hour).Unix())
			Eventually(phase(sess.SwapID), "10s").Should(Equal(coordinator.PhaseLegBLocked))

			// The initiator claims our leg, revealing the secret. Our claim
			// on leg A follows automatically.
			emitClaim(btc, sess.LegBLockID, s)
			Eventually(phase(sess.SwapID), "10s").Should(Equal(coordinator.PhaseSettled))

			legA, err := led.Lock(chain.EthereumLocal, sess.LegALockID)
			Expect(err).To(BeNil())
			Expect(legA.State).To(Equal(ledger.StateClaimed))
			Expect(legA.Secret).To(Equal(secret.Encode(s)))
		})

		It("should register its own leg only once the expiry is fixed", func() {
			s, err := secret.Generate()
			Expect(err).To(BeNil())
			hashlock := secret.Hash(s)

			var mu sync.Mutex
			var registered []int64
			btc.FuncWatchLock = func(params chain.LockParams, _ string) error {
				mu.Lock()
				defer mu.Unlock()
				registered = append(registered, params.Expiry)
				return nil
			}

			sess, err := coord.Initiate(request(coordinator.RoleResponder, hashlock.String()))
			Expect(err).To(BeNil())

			legAExpiry := time.Now().Add(time.Hour).Unix()
			emitLock(evm, sess.LegALockID, hashlock.String(), legAExpiry)
			Eventually(phase(sess.SwapID), "10s").Should(Equal(coordinator.PhaseLegBLocked))

			// Leg B has no expiry until leg A is on chain. A premature
			// registration would derive a near-zero timelock script.
			mu.Lock()
			defer mu.Unlock()
			Expect(registered).NotTo(BeEmpty())
			for _, expiry := range registered {
				Expect(expiry).NotTo(BeZero())
			}
			Expect(registered[len(registered)-1]).To(Equal(legAExpiry - int64((10 * time.Minute).Seconds())))
		})

		It("should refuse to lock when the margin window has collapsed", func() {
			s, err := secret.Generate()
			Expect(err).To(BeNil())
			hashlock := secret.Hash(s)

			sess, err := coord.Initiate(request(coordinator.RoleResponder, hashlock.String()))
			Expect(err).To(BeNil())

			locked := false
			btc.FuncSubmitLock = func(chain.LockParams) (string, error) {
				locked = true
				return "", nil
			}

			// Leg A expires in less than the margin, claiming back to back
			// would be a race we cannot win.
			emitLock(evm, sess.LegALockID, hashlock.String(), time.Now().Add(time.Minute).Unix())

			Eventually(phase(sess.SwapID), "10s").Should(Equal(coordinator.PhaseAborted))
			aborted, err := coord.Session(sess.SwapID)
			Expect(err).To(BeNil())
			Expect(aborted.Reason).To(Equal(coordinator.ReasonInvalidTimelock))
			Expect(locked).To(BeFalse())
		})
	})

	Context("resuming", func() {
		It("should pick up a persisted session and settle it", func() {
			// A session that crashed after revealing the secret, with leg A
			// still locked on chain.
			s, err := secret.Generate()
			Expect(err).To(BeNil())
			hashlock := secret.Hash(s)

			sess := coordinator.Session{
				SwapID:   hashlock.String(),
				Role:     coordinator.RoleInitiator,
				Hashlock: hashlock.String(),
				Phase:    coordinator.PhaseSecretRevealed,

				LegAChain:  string(chain.EthereumLocal),
				LegALockID: "0x" + hashlock.String(),
				LegAExpiry: time.Now().Add(time.Hour).Unix(),

				LegBChain:  string(chain.BitcoinRegtest),
				LegBLockID: hashlock.String(),
				LegBExpiry: time.Now().Add(50 * time.Minute).Unix(),
			}
			Expect(store.CreateSession(&sess)).To(Succeed())
			Expect(led.RecordLock(ledger.Lock{
				Chain:    string(chain.EthereumLocal),
				LockID:   sess.LegALockID,
				Hashlock: sess.Hashlock,
				Expiry:   sess.LegAExpiry,
				State:    ledger.StateLocked,
			})).To(Succeed())

			start(coordinator.Config{
				InitiatorWindow: time.Hour,
				Margin:          10 * time.Minute,
				RetryBase:       50 * time.Millisecond,
				MaxAttempts:     3,
				ConfirmTimeout:  5 * time.Second,
				LedgerPoll:      50 * time.Millisecond,
			})

			emitClaim(evm, sess.LegALockID, s)
			Eventually(phase(sess.SwapID), "10s").Should(Equal(coordinator.PhaseSettled))
		})

		It("should not settle when leg A ends refunded after the reveal", func() {
			s, err := secret.Generate()
			Expect(err).To(BeNil())
			hashlock := secret.Hash(s)

			sess := coordinator.Session{
				SwapID:   hashlock.String(),
				Role:     coordinator.RoleInitiator,
				Hashlock: hashlock.String(),
				Phase:    coordinator.PhaseSecretRevealed,

				LegAChain:  string(chain.EthereumLocal),
				LegALockID: "0x" + hashlock.String(),
				LegAExpiry: time.Now().Add(time.Hour).Unix(),

				LegBChain:  string(chain.BitcoinRegtest),
				LegBLockID: hashlock.String(),
				LegBExpiry: time.Now().Add(50 * time.Minute).Unix(),
			}
			Expect(store.CreateSession(&sess)).To(Succeed())
			Expect(led.RecordLock(ledger.Lock{
				Chain:    string(chain.EthereumLocal),
				LockID:   sess.LegALockID,
				Hashlock: sess.Hashlock,
				Expiry:   sess.LegAExpiry,
				State:    ledger.StateLocked,
			})).To(Succeed())

			start(coordinator.Config{
				InitiatorWindow: time.Hour,
				Margin:          10 * time.Minute,
				RetryBase:       50 * time.Millisecond,
				MaxAttempts:     3,
				ConfirmTimeout:  5 * time.Second,
				LedgerPoll:      50 * time.Millisecond,
			})

			// A third party refunds leg A. Both legs are terminal, but the
			// swap did not complete.
			evm.Emit(chain.Event{
				Kind:        chain.EventRefunded,
				LockID:      sess.LegALockID,
				TxHash:      "refund_tx_" + sess.LegALockID,
				BlockHeight: 100,
			})

			Eventually(phase(sess.SwapID), "10s").Should(Equal(coordinator.PhaseAborted))
			aborted, err := coord.Session(sess.SwapID)
			Expect(err).To(BeNil())
			Expect(aborted.Reason).To(Equal(coordinator.ReasonExpired))
		})
	})

	Context("reorgs", func() {
		BeforeEach(func() {
			start(coordinator.Config{
				InitiatorWindow: time.Hour,
				Margin:          10 * time.Minute,
				RetryBase:       50 * time.Millisecond,
				MaxAttempts:     3,
				ConfirmTimeout:  5 * time.Second,
				LedgerPoll:      50 * time.Millisecond,
			})
		})

		It("should freeze the session and alert", func() {
			sess, err := coord.Initiate(request(coordinator.RoleInitiator, ""))
			Expect(err).To(BeNil())
			Eventually(phase(sess.SwapID), "10s").Should(Equal(coordinator.PhaseLegALocked))

			evm.Emit(chain.Event{
				Kind:     chain.EventReorg,
				LockID:   sess.LegALockID,
				TxHash:   "lock_tx_" + sess.LegALockID,
				Hashlock: sess.Hashlock,
			})

			Eventually(phase(sess.SwapID), "10s").Should(Equal(coordinator.PhaseAborted))
			aborted, err := coord.Session(sess.SwapID)
			Expect(err).To(BeNil())
			Expect(aborted.Reason).To(Equal(coordinator.ReasonReorg))
			Expect(alerts.count()).To(BeNumerically(">", 0))
		})
	})
})
