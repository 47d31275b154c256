package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/go-multipaxos/pkg/bootstrap"
	"github.com/amirimatin/go-multipaxos/pkg/internal/logutil"
	tracing "github.com/amirimatin/go-multipaxos/pkg/observability/tracing"
	tlsx "github.com/amirimatin/go-multipaxos/pkg/security/tlsconfig"
	"github.com/amirimatin/go-multipaxos/pkg/transport"
	tgrpc "github.com/amirimatin/go-multipaxos/pkg/transport/grpc"
	"github.com/amirimatin/go-multipaxos/pkg/transport/httpjson"
)

// AddAll attaches the node subcommands (run/submit/status/log) to root.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewSubmitCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewLogCmd())
}

// NewPaxosCommand returns a parent command "paxos" holding every subcommand,
// for services that embed the CLI under their own root.
func NewPaxosCommand() *cobra.Command {
	parent := &cobra.Command{Use: "paxos", Short: "multi-Paxos node commands"}
	AddAll(parent)
	return parent
}

// tlsFlags are shared by every command that talks to a node.
type tlsFlags struct {
	enable, skip              bool
	ca, cert, key, serverName string
}

func (f *tlsFlags) bind(cmd *cobra.Command, who string) {
	cmd.Flags().BoolVar(&f.enable, "tls-enable", false, "enable mTLS for the transport")
	cmd.Flags().StringVar(&f.ca, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&f.cert, "tls-cert", "", "path to "+who+" certificate (PEM)")
	cmd.Flags().StringVar(&f.key, "tls-key", "", "path to "+who+" private key (PEM)")
	cmd.Flags().BoolVar(&f.skip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&f.serverName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f *tlsFlags) options() tlsx.Options {
	return tlsx.Options{Enable: f.enable, CAFile: f.ca, CertFile: f.cert, KeyFile: f.key, InsecureSkipVerify: f.skip, ServerName: f.serverName}
}

// remote holds the flags used to reach a running node.
type remote struct {
	addr    string
	proto   string
	timeout time.Duration
	tls     tlsFlags
}

func (r *remote) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.addr, "addr", "127.0.0.1:7000", "transport address of a node (host:port)")
	cmd.Flags().StringVar(&r.proto, "proto", "http", "transport protocol: http|grpc")
	cmd.Flags().DurationVar(&r.timeout, "timeout", 5*time.Second, "request timeout")
	r.tls.bind(cmd, "client")
}

func (r *remote) client() (transport.Client, error) {
	cliTLS, err := r.tls.options().Client()
	if err != nil {
		return nil, fmt.Errorf("tls client config: %w", err)
	}
	switch r.proto {
	case "grpc":
		c := tgrpc.NewClient(r.timeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		return c, nil
	case "http":
		c := httpjson.NewClient(r.timeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown protocol %q", r.proto)
}

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
	var (
		cfg                   bootstrap.Config
		tf                    tlsFlags
		traceEnable, jsonLogs bool
		debug                 bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node hosting every role listed at its advertise address",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Advertise == "" {
				return fmt.Errorf("missing --advertise")
			}
			logutil.SetJSON(jsonLogs)
			logutil.SetDebug(debug)
			ctx, cancel := signalContext()
			defer cancel()

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					log.Printf("tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			cfg.TLSEnable, cfg.TLSCA, cfg.TLSCert, cfg.TLSKey = tf.enable, tf.ca, tf.cert, tf.key
			cfg.TLSServerName, cfg.TLSSkipVerify = tf.serverName, tf.skip
			cfg.Logger = log.Default()
			n, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = n.Stop(context.Background()) }()

			fmt.Printf("node %s running roles %v. Press Ctrl+C to exit.\n", cfg.Advertise, n.Hosted())
			<-ctx.Done()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Advertise, "advertise", "", "host:port naming this process in membership addresses (required)")
	f.StringVar(&cfg.Listen, "listen", "", "bind address (defaults to --advertise)")
	f.StringVar(&cfg.Transport, "transport", "http", "transport protocol: http|grpc")
	f.StringVar(&cfg.MembershipKind, "membership", "static", "membership source: static|file")
	f.StringVar(&cfg.ReplicasCSV, "replicas", "", "comma-separated replica addresses (membership=static)")
	f.StringVar(&cfg.AcceptorsCSV, "acceptors", "", "comma-separated acceptor addresses (membership=static)")
	f.StringVar(&cfg.LeadersCSV, "leaders", "", "comma-separated leader addresses (membership=static)")
	f.StringVar(&cfg.MembershipFile, "membership-file", "", "JSON membership document (membership=file)")
	f.StringVar(&cfg.MembershipEnv, "membership-env", "", "env var holding the JSON document; overrides the file when set")
	f.IntVar(&cfg.Window, "window", 5, "max slots proposed ahead of the last applied slot")
	f.BoolVar(&cfg.DisableDedup, "no-dedup", false, "apply duplicate client requests again")
	f.DurationVar(&cfg.BackoffInitial, "backoff-initial", 20*time.Millisecond, "leader pause after each message")
	f.DurationVar(&cfg.BackoffFloor, "backoff-floor", time.Millisecond, "lower bound of the leader pause")
	f.DurationVar(&cfg.BackoffStep, "backoff-step", 2*time.Millisecond, "pause decrease on adoption")
	f.Float64Var(&cfg.BackoffMult, "backoff-mult", 1.5, "pause multiplier on preemption by a higher leader")
	f.DurationVar(&cfg.BackoffMax, "backoff-max", time.Second, "upper bound of the leader pause")
	f.IntVar(&cfg.PoolSize, "pool-size", 32, "max scouts and commanders alive per leader")
	f.DurationVar(&cfg.RetryInterval, "retry-interval", 200*time.Millisecond, "p1a/p2a retransmission interval (0 disables)")
	f.DurationVar(&cfg.SendTimeout, "send-timeout", time.Second, "bound on a single remote send")
	f.DurationVar(&cfg.ClientRetry, "client-retry", time.Second, "wait before a submit is retried on the next replica")
	f.StringVar(&cfg.LedgerDir, "ledger-dir", "", "directory for on-disk replica ledgers (empty = memory)")
	f.StringVar(&cfg.GossipBind, "gossip-bind", "", "memberlist bind addr; enables liveness gossip")
	f.StringVar(&cfg.GossipAdvertise, "gossip-adv", "", "memberlist advertise addr (optional)")
	f.StringVar(&cfg.GossipSeedsCSV, "gossip-join", "", "comma-separated gossip seeds (host:port)")
	f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	f.BoolVar(&jsonLogs, "log-json", os.Getenv("PAXOS_LOG_JSON") == "1", "emit JSON log lines")
	f.BoolVar(&debug, "debug", false, "log every protocol message")
	tf.bind(cmd, "node")
	return cmd
}

// NewSubmitCmd returns the "submit" command.
func NewSubmitCmd() *cobra.Command {
	var (
		r         remote
		requestID string
	)
	cmd := &cobra.Command{
		Use:   "submit <op>",
		Short: "Run an operation through the replicated log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			resp, err := c.Submit(ctx, r.addr, transport.SubmitRequest{Op: args[0], RequestID: requestID, TimeoutMs: r.timeout.Milliseconds()})
			if err != nil {
				return fmt.Errorf("submit error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	r.bind(cmd)
	cmd.Flags().StringVar(&requestID, "request-id", "", "request id; reuse one to retry without double-applying")
	return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var r remote
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch node status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			data, err := c.GetStatus(ctx, r.addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			os.Stdout.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				os.Stdout.Write([]byte("\n"))
			}
			return nil
		},
	}
	r.bind(cmd)
	return cmd
}

// NewLogCmd returns the "log" command.
func NewLogCmd() *cobra.Command {
	var (
		r     remote
		from  uint64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the applied log of the replica hosted at --addr",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			resp, err := c.GetLog(ctx, r.addr, transport.LogRequest{From: from, Limit: limit})
			if err != nil {
				return fmt.Errorf("log error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	r.bind(cmd)
	cmd.Flags().Uint64Var(&from, "from", 0, "first slot to print")
	cmd.Flags().IntVar(&limit, "limit", 100, "max entries (0 = all)")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
