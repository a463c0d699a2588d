package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ngrok/mastership"
	"github.com/ngrok/mastership/internal/fakeswitch"
	"github.com/spf13/cobra"
)

var peerDialects = map[string]fakeswitch.Config{
	"of13":        {Version: mastership.VersionOF13},
	"of13-norole": {Version: mastership.VersionOF13, NoRoleSupport: true},
	"of10-nicira": {Version: mastership.VersionOF10, NiciraRoles: true},
	"of10":        {Version: mastership.VersionOF10},
}

var (
	peerCfg  = DefaultPeerConfig()
	peerDpid string
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Emulate a switch",
	Long: `Connect to a controller as an emulated switch that answers role requests.

Examples:
  # A modern switch
  mastershipd peer --controller=127.0.0.1:6653 --dpid=00:00:00:00:00:00:00:01

  # A legacy switch using the Nicira role extension
  mastershipd peer --dialect=of10-nicira --dpid=2`,
	RunE: runPeer,
}

func init() {
	rootCmd.AddCommand(peerCmd)

	peerCmd.Flags().StringVarP(&peerCfg.Controller, "controller", "c", DefaultController, "Controller address to connect to")
	peerCmd.Flags().StringVarP(&peerDpid, "dpid", "d", "1", "Datapath id of the emulated switch")
	peerCmd.Flags().StringVar(&peerCfg.Dialect, "dialect", DefaultDialect, "Dialect to speak (of13, of13-norole, of10-nicira, of10)")
	peerCmd.Flags().BoolVar(&peerCfg.Mute, "mute", false, "Never answer role requests")
}

func runPeer(cmd *cobra.Command, args []string) error {
	dpid, err := mastership.ParseDpid(peerDpid)
	if err != nil {
		return err
	}
	peerCfg.Dpid = dpid
	if err := peerCfg.Validate(); err != nil {
		return err
	}
	l, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	swCfg := peerDialects[peerCfg.Dialect]
	swCfg.Dpid = peerCfg.Dpid
	swCfg.Mute = peerCfg.Mute
	sw, err := fakeswitch.Dial(ctx, "tcp", peerCfg.Controller, swCfg, l)
	if err != nil {
		return err
	}
	defer sw.Close()
	l.Info("connected to controller", "controller", peerCfg.Controller, "dpid", dpid, "dialect", peerCfg.Dialect)
	return sw.Run(ctx)
}
