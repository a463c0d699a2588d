package mastership

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// DefaultRoleReplyTimeout is how long a session waits for the switch to
// answer a role request. A switch that does not answer in time is
// disconnected.
const DefaultRoleReplyTimeout = 10 * time.Second

// inbound message types that are handed to the agent even when this
// connection is not master.
var allowedWhileNotMaster = map[MessageType]bool{
	TypePortStatus: true,
	TypeStatsReply: true,
	TypeError:      true,
}

var (
	errRejectedByAgent = errors.New("switch rejected by agent")
	errClosed          = errors.New("session closed by controller")
	errQuerySuperseded = errors.New("role query superseded by a newer role request")
)

// Session negotiates this controller's role with one connected switch and
// guards the switch's outbound traffic accordingly: messages are written
// while MASTER, held back while becoming MASTER, and dropped otherwise.
//
// All state changes happen on a single goroutine started by Start. The
// exported methods may be called from any goroutine, but not from within an
// Agent callback of the same session.
type Session struct {
	id      string
	dpid    Dpid
	dialect Dialect
	ch      Channel
	agent   Agent

	clock            clock.Clock
	roleReplyTimeout time.Duration
	genStore         GenerationStore
	l                log15.Logger

	// kind mirrors state.kind() for readers outside the run loop.
	kind int32
	// role is the role this connection currently holds, or is assumed to
	// hold after a local downgrade.
	role int32

	// owned by the run loop
	state        sessionState
	roles        *roleHandler
	stopTimer    func()
	queryWaiters []chan<- queryResult
	// accepted is set once the agent has taken the switch; only then is it
	// told about the disconnect.
	accepted bool

	inbox  chan func()
	out    *outboundQueue
	done   chan struct{}
	eg     *errgroup.Group
	cancel context.CancelFunc
}

type queryResult struct {
	role Role
	err  error
}

// Option is an option function for Session.
type Option func(s *Session)

// WithLogger configures the logger for the session. By default, nothing is
// logged.
func WithLogger(l log15.Logger) Option {
	return func(s *Session) {
		s.l = l
	}
}

// WithRoleReplyTimeout configures how long to wait for a role reply. A value
// of 0 or less selects DefaultRoleReplyTimeout.
func WithRoleReplyTimeout(t time.Duration) Option {
	return func(s *Session) {
		s.roleReplyTimeout = t
		if s.roleReplyTimeout <= 0 {
			s.roleReplyTimeout = DefaultRoleReplyTimeout
		}
	}
}

// WithGenerationStore makes the session load and persist the highest
// generation id seen for its switch.
func WithGenerationStore(store GenerationStore) Option {
	return func(s *Session) {
		s.genStore = store
	}
}

// NewSession creates a session for the switch dpid, talking dialect over ch.
// Nothing happens until Start is called.
func NewSession(dpid Dpid, dialect Dialect, ch Channel, agent Agent, opts ...Option) *Session {
	return newSession(clock.RealClock{}, dpid, dialect, ch, agent, opts...)
}

func newSession(c clock.Clock, dpid Dpid, dialect Dialect, ch Channel, agent Agent, opts ...Option) *Session {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	s := &Session{
		id:               uuid.New().String(),
		dpid:             dpid,
		dialect:          dialect,
		ch:               ch,
		agent:            agent,
		clock:            c,
		roleReplyTimeout: DefaultRoleReplyTimeout,
		l:                noopLogger,
		state:            notMasterState{},
		kind:             int32(stateNotMaster),
		inbox:            make(chan func()),
		out:              newOutboundQueue(),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.l = s.l.New("dpid", dpid, "session", s.id)
	s.roles = newRoleHandler(s.l, c, dpid, dialect, s.genStore, s.out.push)
	return s
}

// ID uniquely identifies this session in logs.
func (s *Session) ID() string {
	return s.id
}

// Dpid is the switch this session talks to.
func (s *Session) Dpid() Dpid {
	return s.dpid
}

// Role returns the role the connection currently holds. A MASTER request
// that has not been confirmed yet is not reflected here.
func (s *Session) Role() Role {
	return Role(atomic.LoadInt32(&s.role))
}

// IsMaster reports whether outbound messages are currently written straight
// to the switch.
func (s *Session) IsMaster() bool {
	return s.loadKind() == stateMaster
}

// Done is closed once the session is disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start runs the session until ctx is cancelled or the session disconnects.
// The agent is told about the connection before Start returns; if it
// rejects the switch, Start returns an error wrapping ErrDisconnected.
func (s *Session) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.eg, ctx = errgroup.WithContext(ctx)
	s.eg.Go(func() error {
		return s.run(ctx)
	})
	s.eg.Go(s.writeLoop)

	accepted := false
	err := s.do(func() {
		accepted = s.agent.NotifyConnected(s.dpid)
		s.accepted = accepted
		if !accepted {
			s.disconnect(errRejectedByAgent)
		}
	})
	if err != nil {
		return err
	}
	if !accepted {
		return errors.Wrap(ErrDisconnected, errRejectedByAgent.Error())
	}
	s.l.Info("switch connected", "dialect", s.dialect.Name())
	return nil
}

// Wait blocks until every goroutine of a started session has exited. It
// returns immediately for a session that was never started.
func (s *Session) Wait() error {
	if s.eg == nil {
		return nil
	}
	return s.eg.Wait()
}

// Close disconnects the switch and waits for the session to wind down.
// Closing an already disconnected session, or one that was never started, is
// not an error.
func (s *Session) Close() error {
	if s.eg == nil {
		return nil
	}
	err := s.do(func() {
		s.disconnect(errClosed)
	})
	if err != nil && errors.Cause(err) != ErrDisconnected {
		return err
	}
	s.cancel()
	return s.Wait()
}

// SetRole asks the switch to make this connection role. Becoming MASTER
// takes effect once the switch confirms it; EQUAL and SLAVE take effect
// immediately, before the switch answers.
func (s *Session) SetRole(role Role) error {
	switch role {
	case RoleMaster, RoleEqual, RoleSlave:
	default:
		return errors.Errorf("cannot set role %v", role)
	}
	var err error
	if derr := s.do(func() { err = s.setRole(role) }); derr != nil {
		return derr
	}
	return err
}

// ReassertRole repeats the MASTER request to a switch this connection is
// already master of, e.g. after the switch refused a message with a
// permission error. It does nothing if the connection is not master.
func (s *Session) ReassertRole() error {
	var err error
	if derr := s.do(func() { err = s.reassertRole() }); derr != nil {
		return derr
	}
	return err
}

// QueryRole asks the switch which role it thinks this connection has,
// without changing it. If a role request is already outstanding, its answer
// is reported instead of sending a query. It returns ErrQueryUnsupported for
// dialects that cannot ask.
func (s *Session) QueryRole(ctx context.Context) (Role, error) {
	resC := make(chan queryResult, 1)
	var err error
	if derr := s.do(func() { err = s.queryRole(resC) }); derr != nil {
		return RoleNone, derr
	}
	if err != nil {
		return RoleNone, err
	}
	select {
	case res := <-resC:
		return res.role, res.err
	case <-ctx.Done():
		return RoleNone, ctx.Err()
	}
}

// SendMsg sends msgs to the switch if, and once, this connection is master.
// While a MASTER request is outstanding the messages are held back and
// written, in order, as soon as the switch confirms. A connection that is
// not master drops them.
func (s *Session) SendMsg(msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if s.loadKind() == stateMaster {
		return s.out.push(msgs)
	}
	var err error
	if derr := s.do(func() { err = s.sendMsg(msgs) }); derr != nil {
		return derr
	}
	return err
}

// Receive handles a message read from the switch. It returns an error if the
// message made the session disconnect.
func (s *Session) Receive(msg Message) error {
	var err error
	if derr := s.do(func() { err = s.receive(msg) }); derr != nil {
		return derr
	}
	return err
}

// do runs f on the run loop and waits for it to finish.
func (s *Session) do(f func()) error {
	doneC := make(chan struct{})
	select {
	case s.inbox <- func() { f(); close(doneC) }:
	case <-s.done:
		return ErrDisconnected
	}
	select {
	case <-doneC:
		return nil
	case <-s.done:
		// f may have been what disconnected the session
		select {
		case <-doneC:
			return nil
		default:
			return ErrDisconnected
		}
	}
}

// post runs f on the run loop without waiting for it.
func (s *Session) post(f func()) {
	select {
	case s.inbox <- f:
	case <-s.done:
	}
}

func (s *Session) run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case f := <-s.inbox:
			f()
			if s.state.kind() == stateDisconnected {
				return nil
			}
		case <-ctx.Done():
			s.disconnect(ctx.Err())
			return nil
		}
	}
}

func (s *Session) writeLoop() error {
	for {
		batch, ok := s.out.pop()
		if !ok {
			return nil
		}
		if err := s.ch.Write(batch); err != nil {
			s.l.Error("failed to write to switch, dropping messages", "count", len(batch), "err", err)
			continue
		}
		s.agent.DeliverOutboundAudit(s.dpid, batch)
	}
}

func (s *Session) loadKind() stateKind {
	return stateKind(atomic.LoadInt32(&s.kind))
}

func (s *Session) setRoleValue(role Role) {
	atomic.StoreInt32(&s.role, int32(role))
}

func (s *Session) transitionTo(next sessionState) {
	from := s.state.kind()
	if err := from.canTransitionTo(next.kind()); err != nil {
		panic(fmt.Sprintf("BUG: error transitioning to %q: %v", next.kind(), err))
	}
	s.state = next
	atomic.StoreInt32(&s.kind, int32(next.kind()))
	if from != next.kind() {
		s.l.Debug("session state changed", "from", from, "to", next.kind())
	}
}

// request sends a role request and arms its reply timer. Errors other than
// ErrQueryUnsupported have already disconnected the session when returned.
func (s *Session) request(role Role, exp expectation) (bool, error) {
	if exp != expectQuery {
		s.resolveQueries(RoleNone, errQuerySuperseded)
	}
	sent, err := s.roles.sendRoleRequest(role, exp)
	if err != nil {
		if errors.Cause(err) == ErrQueryUnsupported {
			return false, err
		}
		s.disconnect(err)
		return false, err
	}
	if sent {
		s.armReplyTimer(s.roles.pending.xid)
	} else {
		s.stopReplyTimer()
	}
	return sent, nil
}

func (s *Session) setRole(role Role) error {
	if s.state.kind() == stateDisconnected {
		return ErrDisconnected
	}
	if role == RoleMaster {
		return s.becomeMasterRequested()
	}

	prev := s.Role()
	if st, ok := s.state.(transitioningState); ok {
		st.buf.abandon(fmt.Sprintf("role changed to %v", role))
	}
	s.setRoleValue(role)
	s.transitionTo(notMasterState{})
	s.l.Info("setting role", "role", role, "previous", prev)

	sent, err := s.request(role, expectSet)
	if err != nil {
		return err
	}
	if !sent {
		s.l.Warn("switch cannot be told about the new role, downgrading locally only", "role", role)
		s.equalActivated()
	}
	return nil
}

func (s *Session) becomeMasterRequested() error {
	var buf *pendingBuffer
	switch st := s.state.(type) {
	case masterState:
		s.l.Debug("already master, ignoring request")
		return nil
	case transitioningState:
		buf = st.buf
	case notMasterState:
		buf = newPendingBuffer(s.l)
	}
	s.l.Info("requesting mastership", "current", s.Role())

	sent, err := s.request(RoleMaster, expectSet)
	if err != nil {
		return err
	}
	if !sent {
		s.activateMaster(buf)
		return nil
	}
	s.transitionTo(transitioningState{buf: buf})
	return nil
}

// activateMaster writes everything buffered for mastership and then makes
// the fast path available. The flushed batch is queued before the state is
// published, so nothing sent afterwards can overtake it.
func (s *Session) activateMaster(buf *pendingBuffer) {
	if msgs := buf.drainAndFlush(); len(msgs) > 0 {
		s.l.Debug("flushing messages held for mastership", "count", len(msgs))
		if err := s.out.push(msgs); err != nil {
			s.l.Error("unable to flush messages held for mastership", "count", len(msgs), "err", err)
		}
	}
	s.setRoleValue(RoleMaster)
	s.transitionTo(masterState{})
	s.l.Info("switch activated as master")
	if !s.agent.NotifyMasterActivated(s.dpid) {
		s.disconnect(errors.Wrap(errRejectedByAgent, "master activation refused"))
	}
}

func (s *Session) equalActivated() {
	if !s.agent.NotifyEqualActivated(s.dpid) {
		s.disconnect(errors.Wrapf(errRejectedByAgent, "%v activation refused", s.Role()))
	}
}

func (s *Session) reassertRole() error {
	if s.state.kind() != stateMaster {
		s.l.Debug("not master, nothing to reassert", "state", s.state.kind())
		return nil
	}
	if p := s.roles.pending; p != nil {
		s.l.Debug("role request already pending, not reasserting", "role", p.role, "xid", p.xid)
		return nil
	}
	s.l.Info("reasserting mastership")
	_, err := s.request(RoleMaster, expectReassert)
	return err
}

func (s *Session) queryRole(resC chan<- queryResult) error {
	if s.state.kind() == stateDisconnected {
		return ErrDisconnected
	}
	// an outstanding request of any kind answers the query too
	if s.roles.pending != nil {
		s.queryWaiters = append(s.queryWaiters, resC)
		return nil
	}
	sent, err := s.request(RoleNone, expectQuery)
	if err != nil {
		return err
	}
	if !sent {
		return ErrQueryUnsupported
	}
	s.queryWaiters = append(s.queryWaiters, resC)
	return nil
}

func (s *Session) resolveQueries(role Role, err error) {
	for _, w := range s.queryWaiters {
		w <- queryResult{role: role, err: err}
	}
	s.queryWaiters = nil
}

func (s *Session) sendMsg(msgs []Message) error {
	switch st := s.state.(type) {
	case masterState:
		return s.out.push(msgs)
	case transitioningState:
		st.buf.append(msgs...)
		return nil
	case notMasterState:
		s.l.Warn("dropping messages sent while not master", "count", len(msgs), "role", s.Role())
		return nil
	}
	return ErrDisconnected
}

func (s *Session) receive(msg Message) error {
	switch m := msg.(type) {
	case *RoleReply:
		info, err := s.roles.extractOFRoleReply(m)
		if err != nil {
			s.failRequest(err)
			return err
		}
		return s.handleRoleReply(info)
	case *Experimenter:
		info, err := s.roles.extractNiciraRoleReply(m)
		if err != nil {
			s.failRequest(err)
			return err
		}
		if info != nil {
			return s.handleRoleReply(*info)
		}
	case *ErrorMsg:
		return s.handleError(m)
	}
	s.dispatch(msg)
	return nil
}

func (s *Session) dispatch(msg Message) {
	if s.state.kind() == stateMaster || allowedWhileNotMaster[msg.Type()] {
		s.agent.DeliverMessage(s.dpid, msg)
		return
	}
	s.l.Debug("dropping message received while not master", "type", msg.Type(), "xid", msg.Xid())
}

func (s *Session) handleRoleReply(info RoleReplyInfo) error {
	status, err := s.roles.deliverRoleReply(info)
	if err != nil {
		s.failRequest(err)
		return err
	}
	switch status {
	case StatusOldReply:
		return nil
	case StatusReplyQuery:
		s.stopReplyTimer()
		s.l.Info("switch reported role", "role", info.Role)
		s.resolveQueries(info.Role, nil)
		return nil
	}

	s.stopReplyTimer()
	s.l.Info("role confirmed by switch", "role", info.Role, "status", status)
	switch info.Role {
	case RoleMaster:
		switch st := s.state.(type) {
		case transitioningState:
			s.activateMaster(st.buf)
		case masterState:
			s.l.Debug("mastership reasserted")
		default:
			panic(fmt.Sprintf("BUG: mastership confirmed in state %q", st.kind()))
		}
	case RoleEqual, RoleSlave:
		s.setRoleValue(info.Role)
		s.transitionTo(notMasterState{})
		if status == StatusMatchedSetRole {
			s.equalActivated()
		}
	}
	s.resolveQueries(info.Role, nil)
	return nil
}

func (s *Session) handleError(m *ErrorMsg) error {
	p := s.roles.pending
	status, err := s.roles.deliverError(m)
	if err != nil {
		s.failRequest(err)
		return err
	}
	switch status {
	case StatusUnsupported:
		s.stopReplyTimer()
		s.handleUnsupported(p)
		return nil
	case StatusOtherExpectation:
		if s.state.kind() == stateMaster && m.permissionDenied() {
			s.l.Warn("switch refused a message from its master, reasserting", "error", m)
			if err := s.reassertRole(); err != nil {
				return err
			}
		}
	}
	s.dispatch(m)
	return nil
}

// handleUnsupported deals with a switch that turned out not to understand
// role requests. Such a switch treats every connection as master.
func (s *Session) handleUnsupported(p *pendingRoleRequest) {
	s.resolveQueries(RoleNone, ErrQueryUnsupported)
	if p.exp == expectQuery {
		return
	}
	switch st := s.state.(type) {
	case transitioningState:
		s.activateMaster(st.buf)
	case notMasterState:
		s.l.Warn("switch cannot be told about the new role, downgrading locally only", "role", s.Role())
		s.equalActivated()
	case masterState:
		s.l.Debug("switch without role support is implicitly master")
	}
}

// failRequest reports a failed role transition, if one was underway, and
// disconnects.
func (s *Session) failRequest(err error) {
	if p := s.roles.pending; p != nil && p.exp != expectQuery {
		s.agent.NotifyRoleTransitionFailed(s.dpid, p.role, s.Role())
	}
	s.disconnect(err)
}

func (s *Session) armReplyTimer(xid uint32) {
	s.stopReplyTimer()
	t := s.clock.NewTimer(s.roleReplyTimeout)
	stopC := make(chan struct{})
	s.stopTimer = func() {
		t.Stop()
		close(stopC)
	}
	s.eg.Go(func() error {
		select {
		case <-t.C():
			s.post(func() { s.handleTimeout(xid) })
		case <-stopC:
		case <-s.done:
		}
		return nil
	})
}

func (s *Session) stopReplyTimer() {
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer = nil
	}
}

func (s *Session) handleTimeout(xid uint32) {
	if s.state.kind() == stateDisconnected {
		return
	}
	p, ok := s.roles.checkTimeout(xid)
	if !ok {
		return
	}
	s.stopTimer = nil
	s.l.Error("switch did not answer role request", "role", p.role, "xid", xid, "status", StatusNoReply,
		"waited", s.clock.Since(p.issuedAt))
	if p.exp == expectQuery {
		s.resolveQueries(RoleNone, errors.Errorf("no reply to role query within %v", s.roleReplyTimeout))
	} else {
		s.agent.NotifyRoleTransitionFailed(s.dpid, p.role, s.Role())
	}
	s.disconnect(errors.Errorf("no reply to role request %d within %v", xid, s.roleReplyTimeout))
}

func (s *Session) disconnect(reason error) {
	if s.state.kind() == stateDisconnected {
		return
	}
	if st, ok := s.state.(transitioningState); ok {
		st.buf.abandon("disconnected")
	}
	s.stopReplyTimer()
	s.roles.clear()
	s.resolveQueries(RoleNone, ErrDisconnected)
	s.transitionTo(disconnectedState{reason: reason})
	if dropped := s.out.close(); dropped > 0 {
		s.l.Warn("dropping unwritten messages", "count", dropped)
	}
	if err := s.ch.Close(); err != nil {
		s.l.Debug("error closing channel", "err", err)
	}
	s.l.Info("switch disconnected", "reason", reason)
	if s.accepted {
		s.agent.NotifyDisconnected(s.dpid)
	}
}
