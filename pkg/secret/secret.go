package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEntropy is returned when the system RNG is unavailable or produces
	// detectably degenerate output. The caller should retry, never accept a
	// weak secret.
	ErrEntropy = errors.New("entropy source failure")

	// ErrInvalidTimelock is returned when the requested timelock pair would
	// let the responder leg expire before or at creation.
	ErrInvalidTimelock = errors.New("invalid timelock")

	ErrMalformedSecret = errors.New("malformed secret")
)

// Size is the byte length of both secrets and hashlocks.
const Size = 32

// Secret is the 32-byte preimage of a hashlock. It only lives in memory
// until it is revealed on chain.
type Secret [Size]byte

// Hashlock is the SHA-256 commitment to a Secret, published on chain at
// lock time.
type Hashlock [Size]byte

func (s Secret) String() string {
	return hex.EncodeToString(s[:])
}

func (h Hashlock) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hashlock) Bytes32() [32]byte {
	return [32]byte(h)
}

// Generate returns a new secret from the system CSPRNG.
func Generate() (Secret, error) {
	var s Secret
	n, err := rand.Read(s[:])
	if err != nil {
		return Secret{}, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	if n != Size {
		return Secret{}, fmt.Errorf("%w: short read, got %v bytes", ErrEntropy, n)
	}
	// An all-zero buffer means the RNG silently failed us.
	zero := byte(0)
	for _, b := range s {
		zero |= b
	}
	if zero == 0 {
		return Secret{}, fmt.Errorf("%w: all-zero output", ErrEntropy)
	}
	return s, nil
}

// Hash returns the SHA-256 commitment of the secret.
func Hash(s Secret) Hashlock {
	return Hashlock(sha256.Sum256(s[:]))
}

// Verify reports whether the secret is the preimage of the hashlock. The
// comparison is constant time.
func Verify(s Secret, h Hashlock) bool {
	sum := sha256.Sum256(s[:])
	return subtle.ConstantTimeCompare(sum[:], h[:]) == 1
}

// IsWellFormed checks a candidate secret is 32 bytes and not trivially low
// entropy (same byte repeated, or a short repeating cycle). It is a
// heuristic, not a cryptographic guarantee.
func IsWellFormed(candidate []byte) bool {
	if len(candidate) != Size {
		return false
	}
	for _, period := range []int{1, 2, 4, 8, 16} {
		cyclic := true
		for i := period; i < Size; i++ {
			if candidate[i] != candidate[i%period] {
				cyclic = false
				break
			}
		}
		if cyclic {
			return false
		}
	}
	return true
}

// ComputeTimelocks returns the expiry pair for the two legs of a swap. The
// initiating leg must outlive the responding leg by the margin, otherwise
// the counterparty could claim one leg near its deadline and still refund
// the other.
func ComputeTimelocks(now time.Time, initiatorWindow, margin time.Duration) (initiatorExpiry, responderExpiry time.Time, err error) {
	if initiatorWindow <= 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: initiator window %v", ErrInvalidTimelock, initiatorWindow)
	}
	if margin <= 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: margin %v", ErrInvalidTimelock, margin)
	}
	if margin >= initiatorWindow {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: margin %v >= initiator window %v", ErrInvalidTimelock, margin, initiatorWindow)
	}
	initiatorExpiry = now.Add(initiatorWindow)
	responderExpiry = initiatorExpiry.Add(-margin)
	return initiatorExpiry, responderExpiry, nil
}

// Encode returns the hex form of the secret for transmission.
func Encode(s Secret) string {
	return hex.EncodeToString(s[:])
}

// Decode parses a hex-encoded secret. It fails closed, never returning
// partially decoded data.
func Decode(str string) (Secret, error) {
	b, err := hex.DecodeString(str)
	if err != nil {
		return Secret{}, fmt.Errorf("%w: %v", ErrMalformedSecret, err)
	}
	if len(b) != Size {
		return Secret{}, fmt.Errorf("%w: expect %v bytes, got %v", ErrMalformedSecret, Size, len(b))
	}
	var s Secret
	copy(s[:], b)
	return s, nil
}

// DecodeHashlock parses a hex-encoded hashlock.
func DecodeHashlock(str string) (Hashlock, error) {
	b, err := hex.DecodeString(str)
	if err != nil {
		return Hashlock{}, fmt.Errorf("%w: %v", ErrMalformedSecret, err)
	}
	if len(b) != Size {
		return Hashlock{}, fmt.Errorf("%w: expect %v bytes, got %v", ErrMalformedSecret, Size, len(b))
	}
	var h Hashlock
	copy(h[:], b)
	return h, nil
}
