// Package cli attaches chronicle's operator-facing cobra subcommands
// (run/status/wait) to a root command, the way cmd/chronicled wires them
// into its binary and the way a host application can embed the same
// commands into its own CLI.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronicle-db/chronicle/pkg/bootstrap"
	"github.com/chronicle-db/chronicle/pkg/chronicle"
	"github.com/chronicle-db/chronicle/pkg/internal/logutil"
	grpcpeer "github.com/chronicle-db/chronicle/pkg/peertransport/grpc"
	"github.com/chronicle-db/chronicle/pkg/observability/tracing"
)

// AddAll attaches every chronicle subcommand to root.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewWaitCmd())
}

// NewRunCmd returns the "run" command that starts a chronicle node in the
// foreground until interrupted.
func NewRunCmd() *cobra.Command {
	var (
		self, selfID, dataDir, peerBind, peersCSV               string
		memberBind, memberAdvertise, seedsCSV, adminBind        string
		tlsEnable, tlsSkip, traceEnable, doBootstrap            bool
		tlsCA, tlsCert, tlsKey, tlsServerName                   string
		jsonLogs                                                bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a chronicle node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if self == "" {
				return fmt.Errorf("missing --self")
			}
			if jsonLogs {
				logutil.SetJSON(true)
			}
			logger := logutil.New()
			defer logger.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					logutil.Warnf(logger, "tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			cfg := bootstrap.Config{
				Self:            self,
				SelfID:          selfID,
				DataDir:         dataDir,
				PeerBind:        peerBind,
				PeersCSV:        peersCSV,
				MemberBind:      memberBind,
				MemberAdvertise: memberAdvertise,
				SeedsCSV:        seedsCSV,
				AdminBind:       adminBind,
				Bootstrap:       doBootstrap,
				TLSEnable:       tlsEnable,
				TLSCA:           tlsCA,
				TLSCert:         tlsCert,
				TLSKey:          tlsKey,
				TLSServerName:   tlsServerName,
				TLSSkipVerify:   tlsSkip,
				Logger:          logger,
			}
			n, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer n.Close()

			if adminBind != "" {
				logutil.Infof(logger, "chronicle node %s running, peer-bind=%s, admin-bind=%s", self, peerBind, adminBind)
			} else {
				logutil.Infof(logger, "chronicle node %s running, peer-bind=%s", self, peerBind)
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&self, "self", "", "this node's peer id (required)")
	cmd.Flags().StringVar(&selfID, "self-id", "", "this node's persistent identity, defaults to --self")
	cmd.Flags().StringVar(&dataDir, "data", "./data", "directory holding the bolt agent database")
	cmd.Flags().StringVar(&peerBind, "peer-bind", ":8701", "peer gRPC listen address")
	cmd.Flags().StringVar(&peersCSV, "peers", "", "comma-separated id=host:port list, including self")
	cmd.Flags().StringVar(&memberBind, "member-bind", ":7946", "gossip membership bind address")
	cmd.Flags().StringVar(&memberAdvertise, "member-advertise", "", "gossip membership advertise address")
	cmd.Flags().StringVar(&seedsCSV, "seeds", "", "comma-separated gossip seed addresses")
	cmd.Flags().StringVar(&adminBind, "admin-bind", "", "admin HTTP listen address for /leader, /status, /healthz, /metrics (disabled if empty)")
	cmd.Flags().BoolVar(&doBootstrap, "bootstrap", false, "provision a fresh history from --peers if the agent has none yet")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable mTLS for the peer transport")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to node certificate (PEM)")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to node private key (PEM)")
	cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (dev only)")
	cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name for TLS validation")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	cmd.Flags().BoolVar(&jsonLogs, "log-json", false, "emit structured JSON logs instead of console")
	return cmd
}

// NewStatusCmd returns the "status" command, querying a node's Status RPC.
func NewStatusCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a chronicle node's leader status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			t := grpcpeer.New(grpcpeer.Config{CallTimeout: timeout})
			snap, err := t.QueryStatus(ctx, addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(snap)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8701", "peer gRPC address of a node")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

// NewWaitCmd returns the "wait" command, blocking until a node publishes an
// established leader (optionally a specific incarnation).
func NewWaitCmd() *cobra.Command {
	var (
		addr, leader, historyID string
		term                    uint64
		timeout                 time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Poll a chronicle node's Status RPC until a leader is established",
		RunE: func(cmd *cobra.Command, args []string) error {
			deadline := time.Now().Add(timeout)
			t := grpcpeer.New(grpcpeer.Config{CallTimeout: 2 * time.Second})
			want := chronicle.Incarnation{}
			if leader != "" {
				want = chronicle.Incarnation{Leader: chronicle.PeerID(leader), HistoryID: chronicle.HistoryID(historyID), Term: chronicle.Term{Number: term}}
			}
			for time.Now().Before(deadline) {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				snap, err := t.QueryStatus(ctx, addr)
				cancel()
				if err == nil && snap.HasLeader {
					if want == (chronicle.Incarnation{}) || snap.Leader.Incarnation() == want {
						return json.NewEncoder(os.Stdout).Encode(snap)
					}
				}
				time.Sleep(200 * time.Millisecond)
			}
			return fmt.Errorf("wait: no matching leader within %s", timeout)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8701", "peer gRPC address of a node")
	cmd.Flags().StringVar(&leader, "leader", "", "require this specific leader peer id (optional)")
	cmd.Flags().StringVar(&historyID, "history-id", "", "require this specific history id (optional, with --leader)")
	cmd.Flags().Uint64Var(&term, "term", 0, "require this specific term number (optional, with --leader)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall wait timeout")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
