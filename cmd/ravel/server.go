package main

import (
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/ravel/pkg/cluster"
	"github.com/cuemby/ravel/pkg/codec"
	"github.com/cuemby/ravel/pkg/config"
	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/raftlog"
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/server"
	"github.com/cuemby/ravel/pkg/statemachine"
	"github.com/cuemby/ravel/pkg/transport"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a Ravel server node",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "Path to a YAML config file")
	serverCmd.Flags().String("node-id", "", "Override the node id from config")
	serverCmd.Flags().String("bind", "", "Override the transport bind address from config")
	serverCmd.Flags().String("data-dir", "", "Override the data directory from config")
	serverCmd.Flags().String("members", "", "Initial active members as id=addr,id=addr (bootstrap only, ignored once a configuration is persisted)")
}

func runServer(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("bind"); v != "" {
		cfg.Bind = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	l, err := raftlog.Open(cfg.DataDir, cfg.SegmentSize, codec.Default)
	if err != nil {
		return err
	}
	stable, err := raftlog.OpenStableStore(cfg.DataDir, codec.Default)
	if err != nil {
		return err
	}

	local := raftpb.Member{ID: cfg.NodeID, Host: cfg.Bind, Type: raftpb.MemberActive}
	cl := cluster.New(local)

	version, active, passive, ok, err := stable.LoadConfiguration()
	if err != nil {
		return err
	}
	if !ok {
		membersFlag, _ := cmd.Flags().GetString("members")
		active = parseMembers(membersFlag)
		if len(active) == 0 {
			active = []raftpb.Member{local}
		}
		version = 1
	}
	cl.Configure(version, active, passive, l.LastIndex())

	tr := transport.NewGRPC()
	sm := statemachine.NewKVStateMachine(codec.Default)

	ctx := server.New(cfg, l, stable, cl, tr, sm)
	if err := ctx.Open(); err != nil {
		return err
	}
	defer func() { _ = ctx.Close() }()

	metrics.SetVersion(Version)
	collector := metrics.NewCollector(ctx)
	collector.Start()
	defer collector.Stop()

	go serveMetrics(cfg.MetricsBind)

	log.Logger.Info().Str("node_id", cfg.NodeID).Str("bind", cfg.Bind).Msg("ravel server started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Logger.Info().Msg("shutting down")
	return nil
}

func serveMetrics(bind string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(bind, mux); err != nil { // #nosec G114 -- metrics endpoint, not request-serving
		log.Logger.Warn().Err(err).Msg("metrics server stopped")
	}
}

func parseMembers(s string) []raftpb.Member {
	if s == "" {
		return nil
	}
	var members []raftpb.Member
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		members = append(members, raftpb.Member{ID: kv[0], Host: kv[1], Type: raftpb.MemberActive})
	}
	return members
}
