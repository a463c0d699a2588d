package mastership

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	fakeclock "k8s.io/utils/clock/testing"
)

type sentRecorder struct {
	msgs []Message
	err  error
}

func (r *sentRecorder) send(msgs []Message) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msgs...)
	return nil
}

func newTestRoleHandler(dialect Dialect) (*roleHandler, *sentRecorder) {
	rec := &sentRecorder{}
	clock := fakeclock.NewFakeClock(time.Now())
	return newRoleHandler(l, clock, 1, dialect, nil, rec.send), rec
}

func genPtr(g uint64) *uint64 {
	return &g
}

func TestRoleHandlerMatchesPendingRequest(t *testing.T) {
	h, rec := newTestRoleHandler(DialectOF13)
	h.xids.next = 5

	sent, err := h.sendRoleRequest(RoleMaster, expectSet)
	require.NoError(t, err)
	require.True(t, sent)
	require.Equal(t, []Message{&RoleRequest{XID: 5, Code: RoleCodeMaster}}, rec.msgs)

	status, err := h.deliverRoleReply(RoleReplyInfo{Role: RoleMaster, GenerationID: genPtr(0), Xid: 5})
	require.NoError(t, err)
	require.Equal(t, StatusMatchedSetRole, status)
	require.Nil(t, h.pending)

	// the same reply again has nothing to match
	_, err = h.deliverRoleReply(RoleReplyInfo{Role: RoleMaster, GenerationID: genPtr(0), Xid: 5})
	require.Equal(t, ErrSwitchState, errors.Cause(err))
}

func TestRoleHandlerSupersededRequest(t *testing.T) {
	h, _ := newTestRoleHandler(DialectOF13)
	h.xids.next = 7

	_, err := h.sendRoleRequest(RoleMaster, expectSet)
	require.NoError(t, err)
	_, err = h.sendRoleRequest(RoleSlave, expectSet)
	require.NoError(t, err)

	// the reply to xid 7 carries the role of the pending request, but is
	// still old
	status, err := h.deliverRoleReply(RoleReplyInfo{Role: RoleSlave, Xid: 7})
	require.NoError(t, err)
	require.Equal(t, StatusOldReply, status)
	require.Equal(t, uint32(8), h.pending.xid)

	status, err = h.deliverRoleReply(RoleReplyInfo{Role: RoleSlave, Xid: 8})
	require.NoError(t, err)
	require.Equal(t, StatusMatchedSetRole, status)
}

func TestRoleHandlerRoleMismatchIsFatal(t *testing.T) {
	h, _ := newTestRoleHandler(DialectOF13)
	_, err := h.sendRoleRequest(RoleMaster, expectSet)
	require.NoError(t, err)

	_, err = h.deliverRoleReply(RoleReplyInfo{Role: RoleSlave, Xid: 0})
	require.Error(t, err)
	require.True(t, isFatal(err))
}

func TestRoleHandlerReassertAndQuery(t *testing.T) {
	h, rec := newTestRoleHandler(DialectOF13)

	_, err := h.sendRoleRequest(RoleMaster, expectReassert)
	require.NoError(t, err)
	status, err := h.deliverRoleReply(RoleReplyInfo{Role: RoleMaster, Xid: 0})
	require.NoError(t, err)
	require.Equal(t, StatusMatchedCurrentRole, status)

	_, err = h.sendRoleRequest(RoleNone, expectQuery)
	require.NoError(t, err)
	require.Equal(t, &RoleRequest{XID: 1, Code: RoleCodeNoChange}, rec.msgs[1])
	status, err = h.deliverRoleReply(RoleReplyInfo{Role: RoleEqual, Xid: 1})
	require.NoError(t, err)
	require.Equal(t, StatusReplyQuery, status)
}

func TestRoleHandlerUnsupportedIsSticky(t *testing.T) {
	h, rec := newTestRoleHandler(DialectOF13)
	_, err := h.sendRoleRequest(RoleMaster, expectSet)
	require.NoError(t, err)

	// an error for some other request is not ours
	status, err := h.deliverError(&ErrorMsg{XID: 42, ErrType: ErrTypeBadRequest, Code: BadRequestBadType})
	require.NoError(t, err)
	require.Equal(t, StatusOtherExpectation, status)
	require.NotNil(t, h.pending)

	status, err = h.deliverError(&ErrorMsg{XID: 0, ErrType: ErrTypeBadRequest, Code: BadRequestBadType})
	require.NoError(t, err)
	require.Equal(t, StatusUnsupported, status)
	require.Nil(t, h.pending)

	sent, err := h.sendRoleRequest(RoleSlave, expectSet)
	require.NoError(t, err)
	require.False(t, sent)
	require.Len(t, rec.msgs, 1)
}

func TestRoleHandlerOtherErrorIsFatal(t *testing.T) {
	h, _ := newTestRoleHandler(DialectOF13)
	_, err := h.sendRoleRequest(RoleMaster, expectSet)
	require.NoError(t, err)

	_, err = h.deliverError(&ErrorMsg{XID: 0, ErrType: ErrTypeRoleRequestFailed, Code: RoleRequestFailedStale})
	require.Equal(t, ErrSwitchState, errors.Cause(err))
}

func TestRoleHandlerNoRoleDialectSendsNothing(t *testing.T) {
	h, rec := newTestRoleHandler(DialectOF10)
	sent, err := h.sendRoleRequest(RoleMaster, expectSet)
	require.NoError(t, err)
	require.False(t, sent)
	require.Empty(t, rec.msgs)
	require.Nil(t, h.pending)
}

func TestRoleHandlerNiciraCoercesEqual(t *testing.T) {
	h, rec := newTestRoleHandler(DialectOF10Nicira)
	_, err := h.sendRoleRequest(RoleEqual, expectSet)
	require.NoError(t, err)
	require.Equal(t, &Experimenter{
		XID:          0,
		Experimenter: NiciraExperimenter,
		Subtype:      NiciraRoleRequestSubtype,
		Role:         NiciraRoleSlave,
	}, rec.msgs[0])
	require.Equal(t, RoleSlave, h.pending.role)

	info, err := h.extractNiciraRoleReply(&Experimenter{
		XID:          0,
		Experimenter: NiciraExperimenter,
		Subtype:      NiciraRoleReplySubtype,
		Role:         NiciraRoleSlave,
	})
	require.NoError(t, err)
	require.Nil(t, info.GenerationID)
	status, err := h.deliverRoleReply(*info)
	require.NoError(t, err)
	require.Equal(t, StatusMatchedSetRole, status)

	_, err = h.sendRoleRequest(RoleNone, expectQuery)
	require.Equal(t, ErrQueryUnsupported, errors.Cause(err))
}

func TestRoleHandlerExtract(t *testing.T) {
	h, _ := newTestRoleHandler(DialectOF13)

	info, err := h.extractOFRoleReply(&RoleReply{XID: 3, Code: RoleCodeEqual, GenerationID: 12})
	require.NoError(t, err)
	require.Equal(t, RoleEqual, info.Role)
	require.Equal(t, uint64(12), *info.GenerationID)
	require.Equal(t, uint32(3), info.Xid)

	_, err = h.extractOFRoleReply(&RoleReply{XID: 3, Code: RoleCodeNoChange})
	require.Equal(t, ErrMalformedMessage, errors.Cause(err))

	info2, err := h.extractNiciraRoleReply(&Experimenter{Experimenter: 0x1234, Subtype: NiciraRoleReplySubtype})
	require.NoError(t, err)
	require.Nil(t, info2)

	_, err = h.extractNiciraRoleReply(&Experimenter{Experimenter: NiciraExperimenter, Subtype: NiciraRoleReplySubtype, Role: 7})
	require.Equal(t, ErrMalformedMessage, errors.Cause(err))
}

func TestRoleHandlerGenerationFencing(t *testing.T) {
	store := &mockGenStore{gens: map[uint64]uint64{1: 10}}
	rec := &sentRecorder{}
	h := newRoleHandler(l, fakeclock.NewFakeClock(time.Now()), 1, DialectOF13, store, rec.send)

	_, err := h.sendRoleRequest(RoleMaster, expectSet)
	require.NoError(t, err)
	require.Equal(t, uint64(10), rec.msgs[0].(*RoleRequest).GenerationID)

	status, err := h.deliverRoleReply(RoleReplyInfo{Role: RoleMaster, GenerationID: genPtr(9), Xid: 0})
	require.NoError(t, err)
	require.Equal(t, StatusOldReply, status)
	require.NotNil(t, h.pending)

	status, err = h.deliverRoleReply(RoleReplyInfo{Role: RoleMaster, GenerationID: genPtr(11), Xid: 0})
	require.NoError(t, err)
	require.Equal(t, StatusMatchedSetRole, status)
	require.Equal(t, uint64(11), store.gens[1])
}

func TestRoleHandlerSendFailure(t *testing.T) {
	h, rec := newTestRoleHandler(DialectOF13)
	rec.err = ErrDisconnected
	sent, err := h.sendRoleRequest(RoleMaster, expectSet)
	require.False(t, sent)
	require.Equal(t, ErrDisconnected, errors.Cause(err))
	require.Nil(t, h.pending)
}

func TestRoleHandlerCheckTimeout(t *testing.T) {
	h, _ := newTestRoleHandler(DialectOF13)
	_, err := h.sendRoleRequest(RoleMaster, expectSet)
	require.NoError(t, err)
	_, err = h.sendRoleRequest(RoleMaster, expectSet)
	require.NoError(t, err)

	_, ok := h.checkTimeout(0)
	require.False(t, ok)
	p, ok := h.checkTimeout(1)
	require.True(t, ok)
	require.Equal(t, RoleMaster, p.role)
	require.Nil(t, h.pending)
}
