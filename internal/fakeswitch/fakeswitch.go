// Package fakeswitch is a switch that only knows how to negotiate roles. It
// answers role requests the way a real switch of the configured dialect
// would, refuses writes while this controller is not allowed to make them,
// and records everything else it receives.
package fakeswitch

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/mastership"
	"github.com/ngrok/mastership/internal/proto"
	"github.com/pkg/errors"
)

// Config describes the switch to emulate.
type Config struct {
	Dpid mastership.Dpid
	// Version is the protocol version to speak, mastership.VersionOF10 or
	// mastership.VersionOF13.
	Version uint8
	// NiciraRoles advertises, and implements, the Nicira role extension.
	// Only meaningful for VersionOF10.
	NiciraRoles bool
	// NoRoleSupport makes a VersionOF13 switch reject role requests as an
	// unknown message type.
	NoRoleSupport bool
	// Mute makes the switch swallow role requests without answering.
	Mute bool
}

// Switch is one emulated switch connected to one controller.
type Switch struct {
	cfg Config
	nc  net.Conn

	writeLock sync.Mutex

	mu           sync.Mutex
	role         mastership.Role
	generationID uint64
	haveGen      bool
	received     []*proto.Frame

	l log15.Logger
}

// Dial connects to a controller at addr.
func Dial(ctx context.Context, network, addr string, cfg Config, l log15.Logger) (*Switch, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "could not dial controller at %s", addr)
	}
	return New(nc, cfg, l), nil
}

// New wraps an established connection to a controller.
func New(nc net.Conn, cfg Config, l log15.Logger) *Switch {
	if l == nil {
		l = log15.New()
		l.SetHandler(log15.DiscardHandler())
	}
	return &Switch{
		cfg:  cfg,
		nc:   nc,
		role: mastership.RoleEqual,
		l:    l.New("dpid", cfg.Dpid),
	}
}

// Run identifies the switch to the controller and then serves it until the
// connection is closed or ctx is done.
func (s *Switch) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.nc.Close()
	}()

	err := s.send(&proto.Frame{
		Type:        uint8(mastership.TypeFeaturesReply),
		Dpid:        uint64(s.cfg.Dpid),
		NiciraRoles: s.cfg.NiciraRoles,
	})
	if err != nil {
		return errors.Wrap(err, "could not send features reply")
	}

	for {
		version, f, err := proto.ReadFrame(s.nc)
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "error reading from controller")
		}
		if version != s.cfg.Version {
			s.l.Warn("controller used the wrong protocol version", "version", version)
		}
		if err := s.handle(f); err != nil {
			return err
		}
	}
}

// Send writes a frame to the controller, e.g. an unsolicited packet-in.
func (s *Switch) Send(f *proto.Frame) error {
	return s.send(f)
}

func (s *Switch) send(f *proto.Frame) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return proto.WriteFrame(s.nc, s.cfg.Version, f)
}

func (s *Switch) Close() error {
	return s.nc.Close()
}

// Role is the role the switch currently assigns to the controller.
func (s *Switch) Role() mastership.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// GenerationID is the highest generation id the switch has accepted.
func (s *Switch) GenerationID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generationID
}

// Received returns the non-role messages received so far, in order.
func (s *Switch) Received() []*proto.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*proto.Frame(nil), s.received...)
}

func (s *Switch) handle(f *proto.Frame) error {
	switch mastership.MessageType(f.Type) {
	case mastership.TypeRoleRequest:
		return s.handleRoleRequest(f)
	case mastership.TypeExperimenter:
		if f.Experimenter == mastership.NiciraExperimenter && f.Subtype == mastership.NiciraRoleRequestSubtype {
			return s.handleNiciraRoleRequest(f)
		}
	case mastership.TypeFlowMod, mastership.TypePacketOut, mastership.TypeGroupMod, mastership.TypePortMod:
		if s.Role() == mastership.RoleSlave {
			s.l.Debug("refusing write from slave controller", "type", mastership.MessageType(f.Type), "xid", f.Xid)
			return s.sendError(f.Xid, mastership.ErrTypeBadRequest, mastership.BadRequestIsSlave)
		}
	}

	s.mu.Lock()
	s.received = append(s.received, f)
	s.mu.Unlock()
	return nil
}

func (s *Switch) sendError(xid uint32, errType, code uint16) error {
	return s.send(&proto.Frame{
		Type:    uint8(mastership.TypeError),
		Xid:     xid,
		ErrType: errType,
		Code:    code,
	})
}

func (s *Switch) handleRoleRequest(f *proto.Frame) error {
	if s.cfg.Mute {
		return nil
	}
	if s.cfg.Version == mastership.VersionOF10 || s.cfg.NoRoleSupport {
		return s.sendError(f.Xid, mastership.ErrTypeBadRequest, mastership.BadRequestBadType)
	}

	s.mu.Lock()
	var role mastership.Role
	switch f.Role {
	case mastership.RoleCodeNoChange:
		role = s.role
	case mastership.RoleCodeEqual:
		role = mastership.RoleEqual
	case mastership.RoleCodeMaster, mastership.RoleCodeSlave:
		if s.haveGen && int64(f.GenerationID-s.generationID) < 0 {
			s.mu.Unlock()
			return s.sendError(f.Xid, mastership.ErrTypeRoleRequestFailed, mastership.RoleRequestFailedStale)
		}
		s.generationID, s.haveGen = f.GenerationID, true
		role = mastership.RoleMaster
		if f.Role == mastership.RoleCodeSlave {
			role = mastership.RoleSlave
		}
	default:
		s.mu.Unlock()
		return s.sendError(f.Xid, mastership.ErrTypeRoleRequestFailed, mastership.RoleRequestFailedBadRole)
	}
	s.role = role
	gen := s.generationID
	s.mu.Unlock()

	s.l.Debug("role changed", "role", role, "xid", f.Xid)
	return s.send(&proto.Frame{
		Type:         uint8(mastership.TypeRoleReply),
		Xid:          f.Xid,
		Role:         modernCode(role),
		GenerationID: gen,
	})
}

func (s *Switch) handleNiciraRoleRequest(f *proto.Frame) error {
	if s.cfg.Mute {
		return nil
	}
	if !s.cfg.NiciraRoles {
		return s.sendError(f.Xid, mastership.ErrTypeBadRequest, mastership.BadRequestBadExperimenter)
	}

	var role mastership.Role
	switch f.Role {
	case mastership.NiciraRoleMaster:
		role = mastership.RoleMaster
	case mastership.NiciraRoleSlave:
		role = mastership.RoleSlave
	case mastership.NiciraRoleOther:
		role = mastership.RoleEqual
	default:
		return s.sendError(f.Xid, mastership.ErrTypeBadRequest, mastership.BadRequestBadSubtype)
	}
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()

	return s.send(&proto.Frame{
		Type:         uint8(mastership.TypeExperimenter),
		Xid:          f.Xid,
		Experimenter: mastership.NiciraExperimenter,
		Subtype:      mastership.NiciraRoleReplySubtype,
		Role:         f.Role,
	})
}

func modernCode(role mastership.Role) uint32 {
	switch role {
	case mastership.RoleMaster:
		return mastership.RoleCodeMaster
	case mastership.RoleSlave:
		return mastership.RoleCodeSlave
	}
	return mastership.RoleCodeEqual
}
