package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/mastership"
	"github.com/ngrok/mastership/internal/fakeswitch"
	"github.com/ngrok/mastership/internal/genstore"
	"github.com/stretchr/testify/require"
)

func TestServeNegotiatesConfiguredRole(t *testing.T) {
	l := log15.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := DefaultServeConfig()
	cfg.Role = mastership.RoleEqual
	reg := mastership.NewRegistry(l)

	served := make(chan error, 1)
	go func() { served <- serve(ctx, ln, reg, genstore.NewMemory(), cfg, l) }()

	for i, dialect := range []string{"of13", "of10-nicira"} {
		swCfg := peerDialects[dialect]
		swCfg.Dpid = mastership.Dpid(i + 1)
		sw, err := fakeswitch.Dial(ctx, "tcp", ln.Addr().String(), swCfg, l)
		require.NoError(t, err)
		defer sw.Close()
		go sw.Run(ctx)
	}

	require.Eventually(t, func() bool {
		return len(reg.Equals()) == 2
	}, 5*time.Second, time.Millisecond)
	require.Empty(t, reg.Masters())

	cancel()
	require.NoError(t, <-served)
}
