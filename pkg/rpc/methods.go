package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/meridianfi/crossd/pkg/chain"
	"github.com/meridianfi/crossd/pkg/coordinator"
	"github.com/meridianfi/crossd/pkg/util"
)

// LegView is one side of a swap as reported over RPC.
type LegView struct {
	Chain     string `json:"chain"`
	LockID    string `json:"lockId"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Expiry    int64  `json:"expiry"`
}

// SessionView is the RPC projection of a session. The secret is never
// reported, not even to an authenticated operator.
type SessionView struct {
	SwapID   string  `json:"swapId"`
	Role     string  `json:"role"`
	Hashlock string  `json:"hashlock"`
	Phase    string  `json:"phase"`
	Reason   string  `json:"reason,omitempty"`
	LegA     LegView `json:"legA"`
	LegB     LegView `json:"legB"`
}

func viewOf(sess coordinator.Session) SessionView {
	leg := func(l coordinator.Leg) LegView {
		return LegView{
			Chain:     string(l.Chain),
			LockID:    l.LockID,
			Sender:    l.Sender,
			Recipient: l.Recipient,
			Asset:     l.Asset,
			Amount:    l.Amount,
			Expiry:    l.Expiry,
		}
	}
	return SessionView{
		SwapID:   sess.SwapID,
		Role:     sess.Role.String(),
		Hashlock: sess.Hashlock,
		Phase:    sess.Phase.String(),
		Reason:   string(sess.Reason),
		LegA:     leg(sess.LegA()),
		LegB:     leg(sess.LegB()),
	}
}

type health struct{}

func Health() Method {
	return &health{}
}

func (h *health) Name() string {
	return "health"
}

func (h *health) Query(coord coordinator.Coordinator, params json.RawMessage) (json.RawMessage, error) {
	return json.Marshal("ok")
}

// RequestInitiate carries the agreed terms of a new swap.
type RequestInitiate struct {
	Role     string     `json:"role"`
	Hashlock string     `json:"hashlock,omitempty"`
	LegA     RequestLeg `json:"legA"`
	LegB     RequestLeg `json:"legB"`
}

type RequestLeg struct {
	Chain     string `json:"chain"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
}

func (r RequestLeg) leg() (coordinator.Leg, error) {
	c := chain.Chain(r.Chain)
	if !c.IsBTC() && !c.IsEVM() {
		return coordinator.Leg{}, fmt.Errorf("unknown chain: %v", r.Chain)
	}
	if err := util.ValidateAddress(c, r.Sender); err != nil {
		return coordinator.Leg{}, err
	}
	if err := util.ValidateAddress(c, r.Recipient); err != nil {
		return coordinator.Leg{}, err
	}
	if r.Amount == "" {
		return coordinator.Leg{}, fmt.Errorf("missing amount")
	}
	return coordinator.Leg{
		Chain:     c,
		Sender:    r.Sender,
		Recipient: r.Recipient,
		Asset:     r.Asset,
		Amount:    r.Amount,
	}, nil
}

type initiateSwap struct{}

func InitiateSwap() Method {
	return &initiateSwap{}
}

func (m *initiateSwap) Name() string {
	return "initiateSwap"
}

func (m *initiateSwap) Query(coord coordinator.Coordinator, params json.RawMessage) (json.RawMessage, error) {
	var req RequestInitiate
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}

	var role coordinator.Role
	switch req.Role {
	case "initiator":
		role = coordinator.RoleInitiator
	case "responder":
		role = coordinator.RoleResponder
	default:
		return nil, fmt.Errorf("unknown role: %v", req.Role)
	}

	legA, err := req.LegA.leg()
	if err != nil {
		return nil, fmt.Errorf("leg A: %w", err)
	}
	legB, err := req.LegB.leg()
	if err != nil {
		return nil, fmt.Errorf("leg B: %w", err)
	}

	sess, err := coord.Initiate(coordinator.SwapRequest{
		Role:     role,
		Hashlock: req.Hashlock,
		LegA:     legA,
		LegB:     legB,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(viewOf(sess))
}

type listSessions struct{}

func ListSessions() Method {
	return &listSessions{}
}

func (m *listSessions) Name() string {
	return "listSessions"
}

func (m *listSessions) Query(coord coordinator.Coordinator, params json.RawMessage) (json.RawMessage, error) {
	sessions, err := coord.Sessions()
	if err != nil {
		return nil, err
	}
	views := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, viewOf(sess))
	}
	return json.Marshal(views)
}

// RequestSession identifies one session.
type RequestSession struct {
	SwapID string `json:"swapId"`
}

type getSession struct{}

func GetSession() Method {
	return &getSession{}
}

func (m *getSession) Name() string {
	return "getSession"
}

func (m *getSession) Query(coord coordinator.Coordinator, params json.RawMessage) (json.RawMessage, error) {
	var req RequestSession
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	sess, err := coord.Session(req.SwapID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(viewOf(sess))
}

type abortSession struct{}

func AbortSession() Method {
	return &abortSession{}
}

func (m *abortSession) Name() string {
	return "abortSession"
}

func (m *abortSession) Query(coord coordinator.Coordinator, params json.RawMessage) (json.RawMessage, error) {
	var req RequestSession
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	if err := coord.Abort(req.SwapID); err != nil {
		return nil, err
	}
	return json.Marshal("abort requested")
}
