package coordinator

import (
	"github.com/meridianfi/crossd/pkg/chain"
	"gorm.io/gorm"
)

type Phase uint

// dont change sequence of phase fields, persisted sessions depend on it
const (
	PhaseUnknown Phase = iota
	PhaseInitiated
	PhaseLegALocked
	PhaseLegBLocked
	PhaseSecretRevealed
	PhaseSettled
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseInitiated:
		return "initiated"
	case PhaseLegALocked:
		return "leg_a_locked"
	case PhaseLegBLocked:
		return "leg_b_locked"
	case PhaseSecretRevealed:
		return "secret_revealed"
	case PhaseSettled:
		return "settled"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session can make no further progress.
func (p Phase) Terminal() bool {
	return p == PhaseSettled || p == PhaseAborted
}

type Role uint

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

type AbortReason string

const (
	ReasonNone                AbortReason = ""
	ReasonSubmissionFailed    AbortReason = "submission_failed"
	ReasonCounterpartyTimeout AbortReason = "counterparty_timeout"
	ReasonInvalidTimelock     AbortReason = "invalid_timelock"
	ReasonExpired             AbortReason = "expired"
	ReasonReorg               AbortReason = "reorg"
	ReasonOperator            AbortReason = "operator"
)

// Leg is one side of a swap as the session sees it. The authoritative lock
// state lives in the ledger, the session only carries the terms.
type Leg struct {
	Chain     chain.Chain
	LockID    string
	Sender    string
	Recipient string
	Asset     string
	Amount    string
	Expiry    int64
}

// Session pairs the two legs of a swap under one hashlock. The secret is
// kept only until it is revealed on chain.
type Session struct {
	gorm.Model

	SwapID   string `gorm:"index:,unique"`
	Role     Role
	Secret   string
	Hashlock string `gorm:"index:,unique"`
	Phase    Phase
	Reason   AbortReason

	LegAChain     string
	LegALockID    string
	LegASender    string
	LegARecipient string
	LegAAsset     string
	LegAAmount    string
	LegAExpiry    int64

	LegBChain     string
	LegBLockID    string
	LegBSender    string
	LegBRecipient string
	LegBAsset     string
	LegBAmount    string
	LegBExpiry    int64
}

func (s *Session) LegA() Leg {
	return Leg{
		Chain:     chain.Chain(s.LegAChain),
		LockID:    s.LegALockID,
		Sender:    s.LegASender,
		Recipient: s.LegARecipient,
		Asset:     s.LegAAsset,
		Amount:    s.LegAAmount,
		Expiry:    s.LegAExpiry,
	}
}

func (s *Session) LegB() Leg {
	return Leg{
		Chain:     chain.Chain(s.LegBChain),
		LockID:    s.LegBLockID,
		Sender:    s.LegBSender,
		Recipient: s.LegBRecipient,
		Asset:     s.LegBAsset,
		Amount:    s.LegBAmount,
		Expiry:    s.LegBExpiry,
	}
}

func (s *Session) setLegA(leg Leg) {
	s.LegAChain = string(leg.Chain)
	s.LegALockID = leg.LockID
	s.LegASender = leg.Sender
	s.LegARecipient = leg.Recipient
	s.LegAAsset = leg.Asset
	s.LegAAmount = leg.Amount
	s.LegAExpiry = leg.Expiry
}

func (s *Session) setLegB(leg Leg) {
	s.LegBChain = string(leg.Chain)
	s.LegBLockID = leg.LockID
	s.LegBSender = leg.Sender
	s.LegBRecipient = leg.Recipient
	s.LegBAsset = leg.Asset
	s.LegBAmount = leg.Amount
	s.LegBExpiry = leg.Expiry
}
