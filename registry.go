package mastership

import (
	"sort"
	"sync"

	"github.com/inconshreveable/log15"
)

// SwitchListener is told about switches coming and going and about their
// role changes. Listeners are called synchronously and must not block.
type SwitchListener interface {
	SwitchAdded(dpid Dpid)
	SwitchRemoved(dpid Dpid)
	RoleChanged(dpid Dpid, role Role)
	RoleTransitionFailed(dpid Dpid, requested, observed Role)
	HandleMessage(dpid Dpid, msg Message)
}

// Registry is an Agent that keeps track of which switches are connected and
// which of them this controller is master or equal of. It refuses a second
// connection from a switch that is already connected.
type Registry struct {
	mu        sync.Mutex
	connected map[Dpid]struct{}
	masters   map[Dpid]struct{}
	equals    map[Dpid]struct{}
	listeners []SwitchListener

	l log15.Logger
}

var _ Agent = (*Registry)(nil)

// NewRegistry creates an empty registry. A nil logger discards all output.
func NewRegistry(l log15.Logger) *Registry {
	if l == nil {
		l = log15.New()
		l.SetHandler(log15.DiscardHandler())
	}
	return &Registry{
		connected: make(map[Dpid]struct{}),
		masters:   make(map[Dpid]struct{}),
		equals:    make(map[Dpid]struct{}),
		l:         l,
	}
}

// AddListener registers l for all future events.
func (r *Registry) AddListener(l SwitchListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) snapshotListeners() []SwitchListener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SwitchListener(nil), r.listeners...)
}

func (r *Registry) NotifyConnected(dpid Dpid) bool {
	r.mu.Lock()
	if _, ok := r.connected[dpid]; ok {
		r.mu.Unlock()
		r.l.Error("switch is already connected, refusing duplicate connection", "dpid", dpid)
		return false
	}
	r.connected[dpid] = struct{}{}
	r.mu.Unlock()

	r.l.Info("added switch", "dpid", dpid)
	for _, l := range r.snapshotListeners() {
		l.SwitchAdded(dpid)
	}
	return true
}

func (r *Registry) NotifyMasterActivated(dpid Dpid) bool {
	return r.activate(dpid, RoleMaster, r.masters, r.equals)
}

func (r *Registry) NotifyEqualActivated(dpid Dpid) bool {
	return r.activate(dpid, RoleEqual, r.equals, r.masters)
}

// activate moves dpid into into, taking it out of from. A switch must be
// connected to be activated.
func (r *Registry) activate(dpid Dpid, role Role, into, from map[Dpid]struct{}) bool {
	r.mu.Lock()
	if _, ok := r.connected[dpid]; !ok {
		r.mu.Unlock()
		r.l.Error("trying to activate a switch that is not connected", "dpid", dpid, "role", role)
		return false
	}
	if _, ok := into[dpid]; ok {
		r.mu.Unlock()
		r.l.Debug("switch already activated", "dpid", dpid, "role", role)
		return true
	}
	_, moved := from[dpid]
	delete(from, dpid)
	into[dpid] = struct{}{}
	r.mu.Unlock()

	if moved {
		r.l.Info("transitioned switch", "dpid", dpid, "role", role)
	} else {
		r.l.Info("activated switch", "dpid", dpid, "role", role)
	}
	for _, l := range r.snapshotListeners() {
		l.RoleChanged(dpid, role)
	}
	return true
}

func (r *Registry) NotifyRoleTransitionFailed(dpid Dpid, requested, observed Role) {
	r.l.Warn("role transition failed", "dpid", dpid, "requested", requested, "observed", observed)
	for _, l := range r.snapshotListeners() {
		l.RoleTransitionFailed(dpid, requested, observed)
	}
}

func (r *Registry) NotifyDisconnected(dpid Dpid) {
	r.mu.Lock()
	delete(r.connected, dpid)
	delete(r.masters, dpid)
	delete(r.equals, dpid)
	r.mu.Unlock()

	r.l.Info("removed switch", "dpid", dpid)
	for _, l := range r.snapshotListeners() {
		l.SwitchRemoved(dpid)
	}
}

func (r *Registry) DeliverMessage(dpid Dpid, msg Message) {
	for _, l := range r.snapshotListeners() {
		l.HandleMessage(dpid, msg)
	}
}

func (r *Registry) DeliverOutboundAudit(dpid Dpid, msgs []Message) {
	r.l.Debug("wrote messages to switch", "dpid", dpid, "count", len(msgs))
}

// Connected lists the connected switches in ascending order.
func (r *Registry) Connected() []Dpid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedDpids(r.connected)
}

// Masters lists the switches this controller is master of.
func (r *Registry) Masters() []Dpid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedDpids(r.masters)
}

// Equals lists the switches this controller is equal or slave of.
func (r *Registry) Equals() []Dpid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedDpids(r.equals)
}

func sortedDpids(m map[Dpid]struct{}) []Dpid {
	out := make([]Dpid, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
