package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"time"

	"github.com/amirimatin/go-multipaxos/pkg/discovery"
	dFile "github.com/amirimatin/go-multipaxos/pkg/discovery/file"
	dStatic "github.com/amirimatin/go-multipaxos/pkg/discovery/static"
	"github.com/amirimatin/go-multipaxos/pkg/leader"
	"github.com/amirimatin/go-multipaxos/pkg/liveness"
	ml "github.com/amirimatin/go-multipaxos/pkg/liveness/memberlist"
	"github.com/amirimatin/go-multipaxos/pkg/node"
	tlsx "github.com/amirimatin/go-multipaxos/pkg/security/tlsconfig"
	"github.com/amirimatin/go-multipaxos/pkg/state"
	"github.com/amirimatin/go-multipaxos/pkg/state/kv"
	"github.com/amirimatin/go-multipaxos/pkg/transport"
	tgrpc "github.com/amirimatin/go-multipaxos/pkg/transport/grpc"
	"github.com/amirimatin/go-multipaxos/pkg/transport/httpjson"
	"github.com/amirimatin/go-multipaxos/pkg/transport/inmem"
)

// Config defines high-level inputs to assemble a Paxos node with sensible
// defaults. Applications embed a node by filling this structure and calling
// Build/Run.
type Config struct {
	// Advertise is this process's host:port as it appears in membership
	// addresses. Listen is the bind address, defaulting to Advertise.
	Advertise string
	Listen    string
	// Transport is "http" (default), "grpc" or "inmem". inmem needs Hub.
	Transport string
	Hub       *inmem.Hub

	// Membership source: "static" (default) reads the CSV lists, "file"
	// reads a JSON document. Source, when set, wins over both.
	MembershipKind string
	ReplicasCSV    string
	AcceptorsCSV   string
	LeadersCSV     string
	MembershipFile string
	MembershipEnv  string
	Source         discovery.Source

	// Protocol tuning; zero values keep package defaults.
	Window         int
	DisableDedup   bool
	BackoffInitial time.Duration
	BackoffFloor   time.Duration
	BackoffStep    time.Duration
	BackoffMult    float64
	BackoffMax     time.Duration
	PoolSize       int
	RetryInterval  time.Duration
	SendTimeout    time.Duration
	ClientRetry    time.Duration
	RPCTimeout     time.Duration // per-call timeout of the transport client (default 3s)

	// LedgerDir enables on-disk ledgers; empty keeps them in memory.
	LedgerDir string

	// Gossip liveness is enabled when GossipBind is set.
	GossipBind      string
	GossipAdvertise string
	GossipSeedsCSV  string

	// TLS (optional) for the transport.
	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool

	// NewState builds each hosted replica's state machine; default kv.New.
	NewState func() state.StateMachine
	Logger   *log.Logger
}

// MembershipSource resolves the configured membership source.
func (cfg Config) MembershipSource() discovery.Source {
	if cfg.Source != nil {
		return cfg.Source
	}
	switch cfg.MembershipKind {
	case "file":
		return dFile.New(dFile.Options{Path: cfg.MembershipFile, Env: cfg.MembershipEnv})
	default:
		return dStatic.FromCSV(cfg.ReplicasCSV, cfg.AcceptorsCSV, cfg.LeadersCSV)
	}
}

// Build assembles a node.Node from Config without starting it.
func Build(cfg Config) (*node.Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Advertise == "" {
		return nil, fmt.Errorf("bootstrap: empty Advertise address")
	}
	if cfg.Listen == "" {
		cfg.Listen = cfg.Advertise
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 3 * time.Second
	}
	if cfg.NewState == nil {
		cfg.NewState = func() state.StateMachine { return kv.New() }
	}

	m, err := cfg.MembershipSource().Membership()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: membership: %w", err)
	}

	srv, cli, err := buildTransport(cfg)
	if err != nil {
		return nil, err
	}

	var view liveness.View
	if cfg.GossipBind != "" {
		view, err = ml.New(ml.Options{
			NodeID:    cfg.Advertise,
			Bind:      cfg.GossipBind,
			Advertise: cfg.GossipAdvertise,
			Node:      cfg.Advertise,
			Logger:    cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	return node.New(node.Options{
		Advertise:    cfg.Advertise,
		Membership:   m,
		Server:       srv,
		Client:       cli,
		NewState:     cfg.NewState,
		Liveness:     view,
		GossipSeeds:  dStatic.Parse(cfg.GossipSeedsCSV),
		LedgerDir:    cfg.LedgerDir,
		Window:       cfg.Window,
		DisableDedup: cfg.DisableDedup,
		Backoff: leader.Backoff{
			Initial:    cfg.BackoffInitial,
			Floor:      cfg.BackoffFloor,
			Step:       cfg.BackoffStep,
			Multiplier: cfg.BackoffMult,
			Max:        cfg.BackoffMax,
		},
		PoolSize:      cfg.PoolSize,
		RetryInterval: cfg.RetryInterval,
		SendTimeout:   cfg.SendTimeout,
		ClientRetry:   cfg.ClientRetry,
		Logger:        cfg.Logger,
	})
}

func buildTransport(cfg Config) (transport.Server, transport.Client, error) {
	var srvTLS, cliTLS *tls.Config
	if cfg.TLSEnable {
		topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
		var err error
		if srvTLS, err = topts.Server(); err != nil {
			return nil, nil, err
		}
		if cliTLS, err = topts.Client(); err != nil {
			return nil, nil, err
		}
	}
	switch cfg.Transport {
	case "grpc":
		s := tgrpc.NewServer(cfg.Listen)
		c := tgrpc.NewClient(cfg.RPCTimeout)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
			c.UseTLS(cliTLS)
		}
		return s, c, nil
	case "inmem":
		if cfg.Hub == nil {
			return nil, nil, fmt.Errorf("bootstrap: inmem transport needs a Hub")
		}
		return cfg.Hub.Server(cfg.Advertise), cfg.Hub.Client(cfg.Advertise), nil
	case "", "http":
		s := httpjson.NewServer(cfg.Listen, cfg.Logger)
		c := httpjson.NewClient(cfg.RPCTimeout)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
			c.UseTLS(cliTLS)
		}
		return s, c, nil
	}
	return nil, nil, fmt.Errorf("bootstrap: unknown transport %q", cfg.Transport)
}

// Run builds and starts the node, returning it for lifecycle control. The
// caller is responsible for calling Stop when finished.
func Run(ctx context.Context, cfg Config) (*node.Node, error) {
	n, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	return n, nil
}
