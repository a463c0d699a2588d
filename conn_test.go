package mastership_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/mastership"
	"github.com/ngrok/mastership/internal/fakeswitch"
	"github.com/ngrok/mastership/internal/genstore"
	"github.com/ngrok/mastership/internal/proto"
	"github.com/stretchr/testify/require"
)

var l = log15.New()

type controller struct {
	reg      *mastership.Registry
	sessions chan *mastership.Session
	serveErr chan error
}

// startController accepts one switch on a loopback listener and requests
// role from it.
func startController(ctx context.Context, t *testing.T, role mastership.Role, store mastership.GenerationStore) (*controller, string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	c := &controller{
		reg:      mastership.NewRegistry(l),
		sessions: make(chan *mastership.Session, 1),
		serveErr: make(chan error, 1),
	}
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			c.serveErr <- err
			return
		}
		conn, features, err := mastership.Handshake(nc, time.Second, l)
		if err != nil {
			c.serveErr <- err
			return
		}
		s := mastership.NewSession(features.Dpid, conn.Dialect(), conn, c.reg,
			mastership.WithLogger(l), mastership.WithGenerationStore(store))
		if err := s.Start(ctx); err != nil {
			c.serveErr <- err
			return
		}
		if err := s.SetRole(role); err != nil {
			c.serveErr <- err
			return
		}
		c.sessions <- s
		c.serveErr <- conn.Serve(ctx, s)
	}()
	return c, ln.Addr().String()
}

func startSwitch(ctx context.Context, t *testing.T, addr string, cfg fakeswitch.Config) *fakeswitch.Switch {
	sw, err := fakeswitch.Dial(ctx, "tcp", addr, cfg, l)
	require.NoError(t, err)
	go sw.Run(ctx)
	t.Cleanup(func() { sw.Close() })
	return sw
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func flowMod(xid uint32) mastership.Message {
	return &mastership.Generic{MsgType: mastership.TypeFlowMod, XID: xid, Body: []byte("flow")}
}

func receivedXids(sw *fakeswitch.Switch, typ mastership.MessageType) []uint32 {
	var xids []uint32
	for _, f := range sw.Received() {
		if mastership.MessageType(f.Type) == typ {
			xids = append(xids, f.Xid)
		}
	}
	return xids
}

func TestEndToEndMaster(t *testing.T) {
	for _, cfg := range []fakeswitch.Config{
		{Dpid: 1, Version: mastership.VersionOF13},
		{Dpid: 2, Version: mastership.VersionOF13, NoRoleSupport: true},
		{Dpid: 3, Version: mastership.VersionOF10, NiciraRoles: true},
		{Dpid: 4, Version: mastership.VersionOF10},
	} {
		cfg := cfg
		t.Run(cfg.Dpid.String(), func(t *testing.T) {
			ctx := testCtx(t)
			c, addr := startController(ctx, t, mastership.RoleMaster, genstore.NewMemory())
			sw := startSwitch(ctx, t, addr, cfg)

			s := <-c.sessions
			require.NoError(t, s.SendMsg(flowMod(100), flowMod(101)))
			require.Eventually(t, s.IsMaster, time.Second, time.Millisecond)
			require.NoError(t, s.SendMsg(flowMod(102)))

			require.Eventually(t, func() bool {
				return len(receivedXids(sw, mastership.TypeFlowMod)) == 3
			}, time.Second, time.Millisecond)
			require.Equal(t, []uint32{100, 101, 102}, receivedXids(sw, mastership.TypeFlowMod))
			require.Equal(t, []mastership.Dpid{cfg.Dpid}, c.reg.Masters())
			if !cfg.NoRoleSupport && cfg.Version == mastership.VersionOF13 || cfg.NiciraRoles {
				require.Equal(t, mastership.RoleMaster, sw.Role())
			}
		})
	}
}

func TestEndToEndSlave(t *testing.T) {
	ctx := testCtx(t)
	c, addr := startController(ctx, t, mastership.RoleSlave, genstore.NewMemory())
	sw := startSwitch(ctx, t, addr, fakeswitch.Config{Dpid: 7, Version: mastership.VersionOF13})

	s := <-c.sessions
	require.Eventually(t, func() bool {
		return len(c.reg.Equals()) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, mastership.RoleSlave, sw.Role())
	require.Equal(t, mastership.RoleSlave, s.Role())

	require.NoError(t, s.SendMsg(flowMod(1)))
	// packet-ins are not for slaves, port status is
	require.NoError(t, sw.Send(&proto.Frame{Type: uint8(mastership.TypePacketIn), Xid: 5}))
	require.NoError(t, sw.Send(&proto.Frame{Type: uint8(mastership.TypePortStatus), Xid: 6}))

	require.NoError(t, s.SetRole(mastership.RoleMaster))
	require.Eventually(t, s.IsMaster, time.Second, time.Millisecond)
	require.Equal(t, []mastership.Dpid{7}, c.reg.Masters())
	require.Empty(t, c.reg.Equals())
	require.Empty(t, receivedXids(sw, mastership.TypeFlowMod))
}

func TestEndToEndMuteSwitchIsDisconnected(t *testing.T) {
	ctx := testCtx(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	reg := mastership.NewRegistry(l)

	startSwitch(ctx, t, ln.Addr().String(), fakeswitch.Config{Dpid: 9, Version: mastership.VersionOF13, Mute: true})
	nc, err := ln.Accept()
	require.NoError(t, err)
	conn, features, err := mastership.Handshake(nc, time.Second, l)
	require.NoError(t, err)
	s := mastership.NewSession(features.Dpid, conn.Dialect(), conn, reg,
		mastership.WithLogger(l), mastership.WithRoleReplyTimeout(50*time.Millisecond))
	require.NoError(t, s.Start(ctx))
	require.Equal(t, []mastership.Dpid{9}, reg.Connected())

	serveErr := make(chan error, 1)
	go func() { serveErr <- conn.Serve(ctx, s) }()
	require.NoError(t, s.SetRole(mastership.RoleMaster))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("mute switch was not disconnected")
	}
	require.NoError(t, <-serveErr)
	require.Empty(t, reg.Connected())
}

func TestEndToEndGenerationPersisted(t *testing.T) {
	store := genstore.NewMemory()
	require.NoError(t, store.SaveGeneration(11, 40))

	ctx := testCtx(t)
	c, addr := startController(ctx, t, mastership.RoleMaster, store)
	sw := startSwitch(ctx, t, addr, fakeswitch.Config{Dpid: 11, Version: mastership.VersionOF13})

	s := <-c.sessions
	require.Eventually(t, s.IsMaster, time.Second, time.Millisecond)
	require.Equal(t, uint64(40), sw.GenerationID())
	gen, ok, err := store.LoadGeneration(11)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(40), gen)
}

func TestDuplicateSwitchRejected(t *testing.T) {
	reg := mastership.NewRegistry(l)
	require.True(t, reg.NotifyConnected(5))

	a, b := net.Pipe()
	defer b.Close()
	conn := &pipeChannel{nc: a}
	s := mastership.NewSession(5, mastership.DialectOF13, conn, reg, mastership.WithLogger(l))
	err := s.Start(testCtx(t))
	require.Error(t, err)
	require.Equal(t, []mastership.Dpid{5}, reg.Connected())
}

type pipeChannel struct {
	nc net.Conn
}

func (p *pipeChannel) Write(msgs []mastership.Message) error { return nil }
func (p *pipeChannel) Close() error                          { return p.nc.Close() }
