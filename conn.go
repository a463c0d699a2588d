package mastership

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/mastership/internal/proto"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultHandshakeTimeout bounds how long Handshake waits for the switch to
// identify itself.
const DefaultHandshakeTimeout = 5 * time.Second

// Conn is a Channel over a stream connection to a switch, using the frame
// format of internal/proto.
type Conn struct {
	nc      net.Conn
	dialect Dialect

	writeLock sync.Mutex
	closeOnce sync.Once
	closeErr  error

	l log15.Logger
}

var _ Channel = (*Conn)(nil)

// Handshake waits for the switch on nc to send its features reply and picks
// the dialect to talk to it in. nc is closed if the handshake fails.
func Handshake(nc net.Conn, timeout time.Duration, l log15.Logger) (*Conn, *FeaturesReply, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if err := tuneSocket(nc); err != nil {
		l.Warn("unable to set socket options", "remote", nc.RemoteAddr(), "err", err)
	}
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		nc.Close()
		return nil, nil, errors.Wrap(err, "could not set handshake deadline")
	}
	version, f, err := proto.ReadFrame(nc)
	if err != nil {
		nc.Close()
		return nil, nil, errors.Wrap(err, "did not receive features reply")
	}
	if MessageType(f.Type) != TypeFeaturesReply {
		nc.Close()
		return nil, nil, errors.Errorf("expected %v as first message, got %v", TypeFeaturesReply, MessageType(f.Type))
	}
	if err := nc.SetReadDeadline(time.Time{}); err != nil {
		nc.Close()
		return nil, nil, errors.Wrap(err, "could not clear handshake deadline")
	}

	features := frameToMessage(f).(*FeaturesReply)
	c := &Conn{
		nc:      nc,
		dialect: DialectFor(version, features.NiciraRoles),
		l:       l.New("dpid", features.Dpid, "remote", nc.RemoteAddr()),
	}
	c.l.Debug("switch identified", "version", version, "dialect", c.dialect.Name())
	return c, features, nil
}

// Dialect is the dialect chosen during the handshake.
func (c *Conn) Dialect() Dialect {
	return c.dialect
}

func (c *Conn) Write(msgs []Message) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	for _, m := range msgs {
		f, err := messageToFrame(m)
		if err != nil {
			return err
		}
		if err := proto.WriteFrame(c.nc, c.dialect.Version(), f); err != nil {
			return errors.Wrapf(err, "could not write %v", m.Type())
		}
	}
	return nil
}

// ReadMessage reads the next message from the switch.
func (c *Conn) ReadMessage() (Message, error) {
	version, f, err := proto.ReadFrame(c.nc)
	if err != nil {
		return nil, err
	}
	if version != c.dialect.Version() {
		return nil, malformedErrorf("switch changed protocol version from %d to %d", c.dialect.Version(), version)
	}
	return frameToMessage(f), nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

// Serve feeds everything read from the switch into s until the connection
// or the session ends. s must have been started. A read error disconnects
// the session.
func (c *Conn) Serve(ctx context.Context, s *Session) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-s.Done():
		}
	}()

	for {
		msg, err := c.ReadMessage()
		if err != nil {
			select {
			case <-s.Done():
				return nil
			default:
			}
			if cerr := s.Close(); cerr != nil {
				c.l.Debug("error closing session", "err", cerr)
			}
			if err == io.EOF || isClosedConnError(err) {
				c.l.Info("switch closed the connection")
				return nil
			}
			return errors.Wrap(err, "error reading from switch")
		}
		if err := s.Receive(msg); err != nil {
			if errors.Cause(err) == ErrDisconnected {
				return nil
			}
			return err
		}
	}
}

func isClosedConnError(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}

// tuneSocket disables Nagle's algorithm and enables keepalives on TCP
// connections. Other connection types are left alone.
func tuneSocket(nc net.Conn) error {
	if _, ok := nc.(*net.TCPConn); !ok {
		return nil
	}
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	})
	if err != nil {
		return errors.Wrap(err, "can't access fd")
	}
	return errors.Wrap(sockErr, "setsockopt")
}

func messageToFrame(m Message) (*proto.Frame, error) {
	f := &proto.Frame{Type: uint8(m.Type()), Xid: m.Xid()}
	switch m := m.(type) {
	case *RoleRequest:
		f.Role, f.GenerationID = m.Code, m.GenerationID
	case *RoleReply:
		f.Role, f.GenerationID = m.Code, m.GenerationID
	case *Experimenter:
		f.Experimenter, f.Subtype, f.Role, f.Body = m.Experimenter, m.Subtype, m.Role, m.Data
	case *ErrorMsg:
		f.ErrType, f.Code, f.Body = m.ErrType, m.Code, m.Data
	case *FeaturesReply:
		f.Dpid, f.NiciraRoles = uint64(m.Dpid), m.NiciraRoles
	case *Generic:
		f.Body = m.Body
	default:
		return nil, errors.Errorf("cannot encode message of type %T", m)
	}
	return f, nil
}

func frameToMessage(f *proto.Frame) Message {
	switch t := MessageType(f.Type); t {
	case TypeRoleRequest:
		return &RoleRequest{XID: f.Xid, Code: f.Role, GenerationID: f.GenerationID}
	case TypeRoleReply:
		return &RoleReply{XID: f.Xid, Code: f.Role, GenerationID: f.GenerationID}
	case TypeExperimenter:
		return &Experimenter{XID: f.Xid, Experimenter: f.Experimenter, Subtype: f.Subtype, Role: f.Role, Data: f.Body}
	case TypeError:
		return &ErrorMsg{XID: f.Xid, ErrType: f.ErrType, Code: f.Code, Data: f.Body}
	case TypeFeaturesReply:
		return &FeaturesReply{XID: f.Xid, Dpid: Dpid(f.Dpid), NiciraRoles: f.NiciraRoles}
	default:
		return &Generic{MsgType: t, XID: f.Xid, Body: f.Body}
	}
}
