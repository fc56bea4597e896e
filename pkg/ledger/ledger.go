package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meridianfi/crossd/pkg/chain"
	"github.com/meridianfi/crossd/pkg/secret"
	"gorm.io/gorm"
)

var (
	ErrLockNotFound           = errors.New("lock not found")
	ErrDuplicateLock          = errors.New("duplicate lock")
	ErrInvalidSecret          = errors.New("invalid secret")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotExpired             = errors.New("lock not expired")
)

type State uint

const (
	StateUnknown State = iota
	StateLocked
	StateClaimed
	StateRefunded
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateClaimed:
		return "claimed"
	case StateRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClaimed || s == StateRefunded
}

// Lock is the authoritative record of one HTLC on one chain. Its state is
// always what the chain reported, never local intent.
type Lock struct {
	gorm.Model

	Chain     string `gorm:"index:,unique,composite:chain_lock"`
	LockID    string `gorm:"index:,unique,composite:chain_lock"`
	Sender    string
	Recipient string
	Asset     string
	Amount    string
	Hashlock  string `gorm:"index"`
	Expiry    int64
	State     State

	// Secret is set once a claim reveals the preimage.
	Secret string

	LockTxHash   string
	ClaimTxHash  string
	RefundTxHash string
}

func (l Lock) Expired(at time.Time) bool {
	return at.Unix() >= l.Expiry
}

// Ledger is the append-only record of lock state, keyed by (chain, lockID).
// It is the single serialization point between swap sessions. All mutating
// operations tolerate replays: reapplying an already-applied transition is a
// no-op success because the monitor may redeliver events after a reconnect.
type Ledger interface {
	// RecordLock inserts a new lock in StateLocked. Recording the same
	// (chain, lockID) again with the same hashlock is a no-op, with a
	// different hashlock it fails with ErrDuplicateLock.
	RecordLock(lock Lock) error

	// RecordClaim transitions Locked -> Claimed when the secret matches the
	// lock's hashlock, and stores the revealed secret.
	RecordClaim(c chain.Chain, lockID string, s secret.Secret, txHash string) error

	// RecordRefund transitions Locked -> Refunded when the lock has expired
	// at the given time.
	RecordRefund(c chain.Chain, lockID string, at time.Time, txHash string) error

	// Lock returns the current record.
	Lock(c chain.Chain, lockID string) (Lock, error)

	// LocksByHashlock returns every lock sharing a hashlock, i.e. both legs
	// of a swap. Used for crash recovery.
	LocksByHashlock(hashlock string) ([]Lock, error)
}

type ledger struct {
	db *gorm.DB

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

func New(db *gorm.DB) (Ledger, error) {
	if err := db.AutoMigrate(&Lock{}); err != nil {
		return nil, err
	}
	return &ledger{
		db:   db,
		keys: map[string]*sync.Mutex{},
	}, nil
}

// keyLock returns the mutex serializing all mutations of one (chain, lockID).
// Concurrent claim and refund attempts on the same lock resolve to first
// valid transition wins.
func (l *ledger) keyLock(c, lockID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := fmt.Sprintf("%v-%v", c, lockID)
	mu, ok := l.keys[key]
	if !ok {
		mu = new(sync.Mutex)
		l.keys[key] = mu
	}
	return mu
}

func (l *ledger) RecordLock(lock Lock) error {
	mu := l.keyLock(lock.Chain, lock.LockID)
	mu.Lock()
	defer mu.Unlock()

	var existing Lock
	err := l.db.Where("chain = ? AND lock_id = ?", lock.Chain, lock.LockID).First(&existing).Error
	switch {
	case err == nil:
		if existing.Hashlock == lock.Hashlock {
			// Replayed observation of a lock we already know.
			return nil
		}
		return fmt.Errorf("%w: (%v, %v)", ErrDuplicateLock, lock.Chain, lock.LockID)
	case errors.Is(err, gorm.ErrRecordNotFound):
		lock.State = StateLocked
		lock.Secret = ""
		return l.db.Create(&lock).Error
	default:
		return err
	}
}

func (l *ledger) RecordClaim(c chain.Chain, lockID string, s secret.Secret, txHash string) error {
	mu := l.keyLock(string(c), lockID)
	mu.Lock()
	defer mu.Unlock()

	lock, err := l.get(c, lockID)
	if err != nil {
		return err
	}

	switch lock.State {
	case StateLocked:
		hashlock, err := secret.DecodeHashlock(lock.Hashlock)
		if err != nil {
			return fmt.Errorf("corrupted hashlock on (%v, %v): %v", c, lockID, err)
		}
		if !secret.Verify(s, hashlock) {
			return fmt.Errorf("%w: (%v, %v)", ErrInvalidSecret, c, lockID)
		}
		return l.db.Model(&Lock{}).
			Where("chain = ? AND lock_id = ?", string(c), lockID).
			Updates(map[string]interface{}{
				"state":         StateClaimed,
				"secret":        secret.Encode(s),
				"claim_tx_hash": txHash,
			}).Error
	case StateClaimed:
		if lock.Secret == secret.Encode(s) {
			// Replay of the transition already in history.
			return nil
		}
		return fmt.Errorf("%w: (%v, %v) already claimed", ErrInvalidStateTransition, c, lockID)
	default:
		return fmt.Errorf("%w: claim on %v lock (%v, %v)", ErrInvalidStateTransition, lock.State, c, lockID)
	}
}

func (l *ledger) RecordRefund(c chain.Chain, lockID string, at time.Time, txHash string) error {
	mu := l.keyLock(string(c), lockID)
	mu.Lock()
	defer mu.Unlock()

	lock, err := l.get(c, lockID)
	if err != nil {
		return err
	}

	switch lock.State {
	case StateLocked:
		if !lock.Expired(at) {
			return fmt.Errorf("%w: (%v, %v) expires at %v", ErrNotExpired, c, lockID, lock.Expiry)
		}
		return l.db.Model(&Lock{}).
			Where("chain = ? AND lock_id = ?", string(c), lockID).
			Updates(map[string]interface{}{
				"state":          StateRefunded,
				"refund_tx_hash": txHash,
			}).Error
	case StateRefunded:
		if lock.RefundTxHash == txHash {
			// Replay of the transition already in history.
			return nil
		}
		return fmt.Errorf("%w: (%v, %v) already refunded", ErrInvalidStateTransition, c, lockID)
	default:
		return fmt.Errorf("%w: refund on %v lock (%v, %v)", ErrInvalidStateTransition, lock.State, c, lockID)
	}
}

func (l *ledger) Lock(c chain.Chain, lockID string) (Lock, error) {
	return l.get(c, lockID)
}

func (l *ledger) LocksByHashlock(hashlock string) ([]Lock, error) {
	var locks []Lock
	err := l.db.Where("hashlock = ?", hashlock).Find(&locks).Error
	return locks, err
}

func (l *ledger) get(c chain.Chain, lockID string) (Lock, error) {
	var lock Lock
	err := l.db.Where("chain = ? AND lock_id = ?", string(c), lockID).First(&lock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Lock{}, fmt.Errorf("%w: (%v, %v)", ErrLockNotFound, c, lockID)
	}
	return lock, err
}
