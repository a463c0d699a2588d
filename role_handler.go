package mastership

import (
	"fmt"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// RoleReplyInfo is a decoded role reply. GenerationID is nil for replies
// that cannot carry one, such as the Nicira vendor reply.
type RoleReplyInfo struct {
	Role         Role
	GenerationID *uint64
	Xid          uint32
}

func (i RoleReplyInfo) String() string {
	gen := "none"
	if i.GenerationID != nil {
		gen = fmt.Sprintf("%d", *i.GenerationID)
	}
	return fmt.Sprintf("[role=%v gen=%s xid=%d]", i.Role, gen, i.Xid)
}

// GenerationStore persists the highest generation id observed per switch so
// that fencing survives a controller restart.
type GenerationStore interface {
	LoadGeneration(dpid uint64) (gen uint64, ok bool, err error)
	SaveGeneration(dpid uint64, gen uint64) error
}

type pendingRoleRequest struct {
	role     Role
	xid      uint32
	exp      expectation
	issuedAt time.Time
}

// roleHandler sends role requests for one connection and matches the
// switch's answers against the single outstanding request. Only the most
// recent request is tracked; replies to earlier ones are recognised as old
// and ignored.
//
// roleHandler is not safe for concurrent use; the owning session serializes
// all calls.
type roleHandler struct {
	dpid    Dpid
	dialect Dialect
	xids    xidGenerator
	send    func([]Message) error
	clock   clock.Clock
	l       log15.Logger

	pending *pendingRoleRequest
	// unsupported is set once the switch rejects role requests as an unknown
	// request type, and stays set for the life of the connection.
	unsupported bool

	generationID   uint64
	haveGeneration bool
	genStore       GenerationStore
}

func newRoleHandler(l log15.Logger, c clock.Clock, dpid Dpid, dialect Dialect, store GenerationStore, send func([]Message) error) *roleHandler {
	h := &roleHandler{
		dpid:     dpid,
		dialect:  dialect,
		send:     send,
		clock:    c,
		l:        l,
		genStore: store,
	}
	if store != nil {
		gen, ok, err := store.LoadGeneration(uint64(dpid))
		if err != nil {
			l.Error("unable to load generation id, fencing starts empty", "err", err)
		} else if ok {
			h.generationID, h.haveGeneration = gen, true
		}
	}
	return h
}

func (h *roleHandler) supportsRoles() bool {
	return !h.unsupported && h.dialect.SupportsRoleMessages()
}

// sendRoleRequest sends a request for role and records it as the pending
// request, replacing any earlier one. It returns false, without sending
// anything, if the switch is known not to support role messages; the caller
// must then treat the switch as implicitly single-master.
func (h *roleHandler) sendRoleRequest(role Role, exp expectation) (bool, error) {
	if !h.supportsRoles() {
		h.l.Debug("switch does not support role messages, not sending", "role", role, "expectation", exp)
		if exp != expectSet || role != RoleMaster {
			h.l.Warn("non-master role requested for a switch without role support; it will keep treating this controller as master",
				"role", role)
		}
		return false, nil
	}

	xid := h.xids.Next()
	var (
		msg    Message
		expect = role
	)
	if exp == expectQuery {
		var err error
		if msg, err = h.dialect.QueryRequest(xid, h.generationID); err != nil {
			return false, err
		}
		expect = RoleNone
	} else {
		msg, expect = h.dialect.RoleRequest(xid, role, h.generationID)
	}

	if prev := h.pending; prev != nil {
		h.l.Debug("superseding pending role request", "prevRole", prev.role, "prevXid", prev.xid)
	}
	h.pending = &pendingRoleRequest{
		role:     expect,
		xid:      xid,
		exp:      exp,
		issuedAt: h.clock.Now(),
	}
	if err := h.send([]Message{msg}); err != nil {
		h.pending = nil
		return false, errors.Wrapf(err, "could not send role request for %v", role)
	}
	h.l.Debug("sent role request", "role", expect, "xid", xid, "expectation", exp, "dialect", h.dialect.Name())
	return true, nil
}

// extractOFRoleReply decodes a modern role reply.
func (h *roleHandler) extractOFRoleReply(m *RoleReply) (RoleReplyInfo, error) {
	var role Role
	switch m.Code {
	case RoleCodeEqual:
		role = RoleEqual
	case RoleCodeMaster:
		role = RoleMaster
	case RoleCodeSlave:
		role = RoleSlave
	default:
		// includes "no change": the switch must report its actual role
		return RoleReplyInfo{}, malformedErrorf("unknown controller role %d received from switch %v", m.Code, h.dpid)
	}
	gen := m.GenerationID
	return RoleReplyInfo{Role: role, GenerationID: &gen, Xid: m.XID}, nil
}

// extractNiciraRoleReply decodes a Nicira role reply. It returns nil, and no
// error, if m is not a Nicira role reply at all; such messages are ordinary
// vendor traffic.
func (h *roleHandler) extractNiciraRoleReply(m *Experimenter) (*RoleReplyInfo, error) {
	if !m.IsNiciraRoleReply() {
		return nil, nil
	}
	var role Role
	switch m.Role {
	case NiciraRoleMaster:
		role = RoleMaster
	case NiciraRoleOther:
		role = RoleEqual
	case NiciraRoleSlave:
		role = RoleSlave
	default:
		return nil, malformedErrorf("switch %v sent a nicira role reply with invalid role %d", h.dpid, m.Role)
	}
	return &RoleReplyInfo{Role: role, Xid: m.XID}, nil
}

// deliverRoleReply matches a reply against the pending request. The order of
// the checks matters: the xid decides whether the reply is current at all,
// and only then is the role compared. A late reply to a superseded request
// therefore never confirms the current one, even if the roles coincide.
func (h *roleHandler) deliverRoleReply(info RoleReplyInfo) (RoleRecvStatus, error) {
	p := h.pending
	if p == nil {
		return StatusOtherExpectation, switchStateErrorf("switch %v sent role reply %v but no role request is pending", h.dpid, info)
	}
	if info.Xid != p.xid {
		h.l.Debug("ignoring old role reply", "reply", info, "pendingRole", p.role, "pendingXid", p.xid)
		return StatusOldReply, nil
	}
	if info.GenerationID != nil && h.haveGeneration && int64(*info.GenerationID-h.generationID) < 0 {
		h.l.Warn("ignoring role reply from an earlier generation", "reply", info, "generation", h.generationID)
		return StatusOldReply, nil
	}
	if p.exp != expectQuery && info.Role != p.role {
		return StatusOtherExpectation, switchStateErrorf("switch %v answered role request %d for %v with %v", h.dpid, p.xid, p.role, info.Role)
	}

	h.pending = nil
	h.observeGeneration(info.GenerationID)
	status := p.exp.matchedStatus()
	h.l.Debug("role reply matched pending request", "reply", info, "status", status, "waited", h.clock.Since(p.issuedAt))
	return status, nil
}

// deliverError matches an error against the pending request. Errors for
// anything but the pending request are left to the caller.
func (h *roleHandler) deliverError(m *ErrorMsg) (RoleRecvStatus, error) {
	p := h.pending
	if p == nil || m.XID != p.xid {
		if m.ErrType == ErrTypeRoleRequestFailed {
			h.l.Debug("role request error does not match the pending request, ignoring", "error", m)
		}
		return StatusOtherExpectation, nil
	}
	if m.requestUnsupported() {
		h.l.Error("switch does not support role requests; treating it as single-master",
			"error", m, "pendingRole", p.role, "dialect", h.dialect.Name())
		h.pending = nil
		h.unsupported = true
		return StatusUnsupported, nil
	}
	return StatusOtherExpectation, switchStateErrorf("switch %v rejected role request %d for %v: %v", h.dpid, p.xid, p.role, m)
}

// checkTimeout clears the pending request if it is still the one with xid.
func (h *roleHandler) checkTimeout(xid uint32) (*pendingRoleRequest, bool) {
	p := h.pending
	if p == nil || p.xid != xid {
		return nil, false
	}
	h.pending = nil
	return p, true
}

func (h *roleHandler) clear() {
	h.pending = nil
}

func (h *roleHandler) observeGeneration(gen *uint64) {
	if gen == nil {
		return
	}
	if h.haveGeneration && int64(*gen-h.generationID) <= 0 {
		return
	}
	h.generationID, h.haveGeneration = *gen, true
	if h.genStore == nil {
		return
	}
	if err := h.genStore.SaveGeneration(uint64(h.dpid), *gen); err != nil {
		h.l.Error("unable to persist generation id", "generation", *gen, "err", err)
	}
}
