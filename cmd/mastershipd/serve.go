package main

import (
	"context"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/mastership"
	"github.com/ngrok/mastership/internal/genstore"
	"github.com/spf13/cobra"
)

var (
	serveCfg  = DefaultServeConfig()
	serveRole string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept switch connections",
	Long: `Accept switch connections and negotiate the same role with each of them.

Examples:
  # Become master of every switch that connects
  mastershipd serve --listen=:6653

  # Stay a backup controller, remembering generation ids across restarts
  mastershipd serve --role=slave --generation-db=/var/lib/mastershipd/gen.db`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveCfg.Listen, "listen", "l", DefaultListen, "Address to accept switch connections on")
	serveCmd.Flags().StringVarP(&serveRole, "role", "r", DefaultRole, "Role to negotiate (master, equal, slave)")
	serveCmd.Flags().DurationVar(&serveCfg.RoleReplyTimeout, "reply-timeout", mastership.DefaultRoleReplyTimeout, "How long to wait for a role reply")
	serveCmd.Flags().DurationVar(&serveCfg.HandshakeTimeout, "handshake-timeout", mastership.DefaultHandshakeTimeout, "How long to wait for a switch to identify itself")
	serveCmd.Flags().StringVar(&serveCfg.GenerationDB, "generation-db", "", "bbolt file to persist generation ids in")
}

func runServe(cmd *cobra.Command, args []string) error {
	role, err := mastership.ParseRole(serveRole)
	if err != nil {
		return err
	}
	serveCfg.Role = role
	if err := serveCfg.Validate(); err != nil {
		return err
	}
	l, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	var store mastership.GenerationStore = genstore.NewMemory()
	if serveCfg.GenerationDB != "" {
		b, err := genstore.OpenBolt(serveCfg.GenerationDB, time.Second)
		if err != nil {
			return err
		}
		defer b.Close()
		store = b
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", serveCfg.Listen)
	if err != nil {
		return err
	}
	reg := mastership.NewRegistry(l)
	reg.AddListener(logListener{l: l})
	l.Info("accepting switches", "addr", ln.Addr(), "role", serveCfg.Role)
	return serve(ctx, ln, reg, store, serveCfg, l)
}

func serve(ctx context.Context, ln net.Listener, reg *mastership.Registry, store mastership.GenerationStore, cfg *ServeConfig, l log15.Logger) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.Info("listener closed, no longer accepting switches")
				return nil
			}
			l.Error("error accepting switch", "err", err)
			continue
		}
		go serveSwitch(ctx, nc, reg, store, cfg, l)
	}
}

func serveSwitch(ctx context.Context, nc net.Conn, reg *mastership.Registry, store mastership.GenerationStore, cfg *ServeConfig, l log15.Logger) {
	conn, features, err := mastership.Handshake(nc, cfg.HandshakeTimeout, l)
	if err != nil {
		l.Warn("switch handshake failed", "remote", nc.RemoteAddr(), "err", err)
		return
	}
	s := mastership.NewSession(features.Dpid, conn.Dialect(), conn, reg,
		mastership.WithLogger(l),
		mastership.WithRoleReplyTimeout(cfg.RoleReplyTimeout),
		mastership.WithGenerationStore(store))
	if err := s.Start(ctx); err != nil {
		l.Warn("switch not accepted", "dpid", features.Dpid, "err", err)
		return
	}
	if err := s.SetRole(cfg.Role); err != nil {
		l.Warn("unable to request role", "dpid", features.Dpid, "err", err)
	}
	if err := conn.Serve(ctx, s); err != nil {
		l.Warn("switch connection ended", "dpid", features.Dpid, "err", err)
	}
}

type logListener struct {
	l log15.Logger
}

func (ll logListener) SwitchAdded(dpid mastership.Dpid) {}

func (ll logListener) SwitchRemoved(dpid mastership.Dpid) {}

func (ll logListener) RoleChanged(dpid mastership.Dpid, role mastership.Role) {
	ll.l.Info("switch role changed", "dpid", dpid, "role", role)
}

func (ll logListener) RoleTransitionFailed(dpid mastership.Dpid, requested, observed mastership.Role) {}

func (ll logListener) HandleMessage(dpid mastership.Dpid, msg mastership.Message) {
	ll.l.Debug("message from switch", "dpid", dpid, "type", msg.Type(), "xid", msg.Xid())
}
