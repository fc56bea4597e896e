package ledger_test

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/meridianfi/crossd/pkg/chain"
	"github.com/meridianfi/crossd/pkg/ledger"
	"github.com/meridianfi/crossd/pkg/secret"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Ledger", func() {
	var (
		led  ledger.Ledger
		s    secret.Secret
		hash secret.Hashlock
		now  time.Time
	)

	newLock := func(c chain.Chain, lockID string, expiry time.Time) ledger.Lock {
		return ledger.Lock{
			Chain:      string(c),
			LockID:     lockID,
			Sender:     "sender",
			Recipient:  "recipient",
			Asset:      "0xA000000000000000000000000000000000000001",
			Amount:     "100000000",
			Hashlock:   hash.String(),
			Expiry:     expiry.Unix(),
			LockTxHash: "tx_" + lockID,
		}
	}

	BeforeEach(func() {
		db, err := gorm.Open(sqlite.Open(filepath.Join(GinkgoT().TempDir(), "ledger.db")), &gorm.Config{
			NowFunc: func() time.Time { return time.Now().UTC() },
			Logger:  logger.Default.LogMode(logger.Silent),
		})
		Expect(err).To(BeNil())
		led, err = ledger.New(db)
		Expect(err).To(BeNil())

		s, err = secret.Generate()
		Expect(err).To(BeNil())
		hash = secret.Hash(s)
		now = time.Now()
	})

	Context("recording locks", func() {
		It("should create a lock exactly once", func() {
			lock := newLock(chain.Ethereum, "lock1", now.Add(48*time.Hour))
			Expect(led.RecordLock(lock)).To(Succeed())

			stored, err := led.Lock(chain.Ethereum, "lock1")
			Expect(err).To(BeNil())
			Expect(stored.State).To(Equal(ledger.StateLocked))

			By("accepting a replayed observation of the same lock")
			Expect(led.RecordLock(lock)).To(Succeed())

			By("rejecting a conflicting lock under the same key")
			conflicting := lock
			other, err := secret.Generate()
			Expect(err).To(BeNil())
			conflicting.Hashlock = secret.Hash(other).String()
			Expect(led.RecordLock(conflicting)).To(MatchError(ledger.ErrDuplicateLock))

			locks, err := led.LocksByHashlock(hash.String())
			Expect(err).To(BeNil())
			Expect(locks).To(HaveLen(1))
		})
	})

	Context("a full swap", func() {
		It("should settle both legs with the same secret", func() {
			legA := newLock(chain.Ethereum, "lockA", now.Add(48*time.Hour))
			legB := newLock(chain.Bitcoin, "lockB", now.Add(24*time.Hour))
			Expect(led.RecordLock(legA)).To(Succeed())
			Expect(led.RecordLock(legB)).To(Succeed())

			By("claiming the responder leg reveals the secret")
			Expect(led.RecordClaim(chain.Bitcoin, "lockB", s, "claimB")).To(Succeed())
			stored, err := led.Lock(chain.Bitcoin, "lockB")
			Expect(err).To(BeNil())
			Expect(stored.State).To(Equal(ledger.StateClaimed))
			Expect(stored.Secret).To(Equal(secret.Encode(s)))

			By("claiming the initiator leg with the revealed secret")
			Expect(led.RecordClaim(chain.Ethereum, "lockA", s, "claimA")).To(Succeed())
			stored, err = led.Lock(chain.Ethereum, "lockA")
			Expect(err).To(BeNil())
			Expect(stored.State).To(Equal(ledger.StateClaimed))
		})
	})

	Context("an abandoned swap", func() {
		It("should refund the initiator leg after expiry and refuse a late claim", func() {
			legA := newLock(chain.Ethereum, "lockA", now.Add(48*time.Hour))
			Expect(led.RecordLock(legA)).To(Succeed())

			By("rejecting refund before expiry")
			Expect(led.RecordRefund(chain.Ethereum, "lockA", now, "refundA")).To(MatchError(ledger.ErrNotExpired))

			By("refunding after expiry")
			after := now.Add(48*time.Hour + time.Second)
			Expect(led.RecordRefund(chain.Ethereum, "lockA", after, "refundA")).To(Succeed())
			stored, err := led.Lock(chain.Ethereum, "lockA")
			Expect(err).To(BeNil())
			Expect(stored.State).To(Equal(ledger.StateRefunded))

			By("refusing a claim on the refunded leg even with the right secret")
			err = led.RecordClaim(chain.Ethereum, "lockA", s, "claimA")
			Expect(err).To(MatchError(ledger.ErrInvalidStateTransition))
		})
	})

	Context("invalid secrets", func() {
		It("should reject a claim whose secret does not match the hashlock", func() {
			legA := newLock(chain.Ethereum, "lockA", now.Add(48*time.Hour))
			Expect(led.RecordLock(legA)).To(Succeed())

			wrong, err := secret.Generate()
			Expect(err).To(BeNil())
			err = led.RecordClaim(chain.Ethereum, "lockA", wrong, "claimA")
			Expect(err).To(MatchError(ledger.ErrInvalidSecret))

			stored, err := led.Lock(chain.Ethereum, "lockA")
			Expect(err).To(BeNil())
			Expect(stored.State).To(Equal(ledger.StateLocked))
		})
	})

	Context("replays", func() {
		It("should treat a transition already in history as a no-op", func() {
			legA := newLock(chain.Ethereum, "lockA", now.Add(time.Hour))
			Expect(led.RecordLock(legA)).To(Succeed())
			Expect(led.RecordClaim(chain.Ethereum, "lockA", s, "claimA")).To(Succeed())

			By("redelivered claim with the same secret")
			Expect(led.RecordClaim(chain.Ethereum, "lockA", s, "claimA")).To(Succeed())

			By("refund against a claimed lock")
			err := led.RecordRefund(chain.Ethereum, "lockA", now.Add(2*time.Hour), "refundA")
			Expect(err).To(MatchError(ledger.ErrInvalidStateTransition))
		})

		It("should treat a redelivered refund as a no-op", func() {
			legA := newLock(chain.Ethereum, "lockA", now.Add(time.Hour))
			Expect(led.RecordLock(legA)).To(Succeed())
			after := now.Add(time.Hour + time.Second)
			Expect(led.RecordRefund(chain.Ethereum, "lockA", after, "refundA")).To(Succeed())
			Expect(led.RecordRefund(chain.Ethereum, "lockA", after, "refundA")).To(Succeed())
		})
	})

	Context("concurrent refunds", func() {
		It("should let exactly one of two racing refunds win", func() {
			legA := newLock(chain.Ethereum, "lockA", now.Add(time.Hour))
			Expect(led.RecordLock(legA)).To(Succeed())
			after := now.Add(time.Hour + time.Second)

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs[i] = led.RecordRefund(chain.Ethereum, "lockA", after, "refund_"+string(rune('a'+i)))
				}(i)
			}
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				if err == nil {
					succeeded++
				} else {
					Expect(err).To(MatchError(ledger.ErrInvalidStateTransition))
				}
			}
			Expect(succeeded).To(Equal(1))

			stored, err := led.Lock(chain.Ethereum, "lockA")
			Expect(err).To(BeNil())
			Expect(stored.State).To(Equal(ledger.StateRefunded))
		})
	})

	Context("unknown locks", func() {
		It("should report lookups and transitions on missing keys", func() {
			_, err := led.Lock(chain.Ethereum, "missing")
			Expect(err).To(MatchError(ledger.ErrLockNotFound))
			Expect(led.RecordClaim(chain.Ethereum, "missing", s, "tx")).To(MatchError(ledger.ErrLockNotFound))
			Expect(led.RecordRefund(chain.Ethereum, "missing", now, "tx")).To(MatchError(ledger.ErrLockNotFound))
		})
	})
})
