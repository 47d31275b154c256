package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// Leader side
	ScoutsSpawned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paxos",
		Subsystem: "leader",
		Name:      "scouts_spawned_total",
		Help:      "Total number of scouts (phase 1) spawned",
	}, []string{"leader"})
	CommandersSpawned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paxos",
		Subsystem: "leader",
		Name:      "commanders_spawned_total",
		Help:      "Total number of commanders (phase 2) spawned",
	}, []string{"leader"})
	Adoptions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paxos",
		Subsystem: "leader",
		Name:      "adopted_total",
		Help:      "Total number of ballots adopted by a majority of acceptors",
	}, []string{"leader"})
	Preemptions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paxos",
		Subsystem: "leader",
		Name:      "preempted_total",
		Help:      "Total number of preemptions received by the leader",
	}, []string{"leader"})
	LeaderActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paxos",
		Subsystem: "leader",
		Name:      "active",
		Help:      "1 if the leader's current ballot is adopted, else 0",
	}, []string{"leader"})
	LeaderBackoff = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paxos",
		Subsystem: "leader",
		Name:      "backoff_seconds",
		Help:      "Current pause between leader steps",
	}, []string{"leader"})
	LeaderRound = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paxos",
		Subsystem: "leader",
		Name:      "ballot_round",
		Help:      "Round of the leader's current ballot",
	}, []string{"leader"})
	DecisionsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paxos",
		Subsystem: "leader",
		Name:      "decisions_total",
		Help:      "Total number of slots decided by commanders",
	})
	PoolInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paxos",
		Subsystem: "leader",
		Name:      "endpoints_in_use",
		Help:      "Ephemeral endpoints currently held by scouts and commanders",
	}, []string{"leader"})

	// Acceptor side
	AcceptorRound = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paxos",
		Subsystem: "acceptor",
		Name:      "ballot_round",
		Help:      "Round of the highest ballot seen by the acceptor",
	}, []string{"acceptor"})
	AcceptorAccepted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paxos",
		Subsystem: "acceptor",
		Name:      "accepted_pvalues",
		Help:      "Number of pvalues in the acceptor's accepted set",
	}, []string{"acceptor"})

	// Replica side
	Applied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paxos",
		Subsystem: "replica",
		Name:      "applied_total",
		Help:      "Total number of commands applied to the state machine",
	}, []string{"replica"})
	Duplicates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paxos",
		Subsystem: "replica",
		Name:      "duplicates_total",
		Help:      "Total number of decided commands skipped as duplicates",
	}, []string{"replica"})
	SlotOut = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paxos",
		Subsystem: "replica",
		Name:      "slot_out",
		Help:      "Next slot the replica will apply",
	}, []string{"replica"})
	SlotIn = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paxos",
		Subsystem: "replica",
		Name:      "slot_in",
		Help:      "Next slot the replica will propose into",
	}, []string{"replica"})

	// Transport
	Delivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paxos",
		Subsystem: "transport",
		Name:      "delivered_total",
		Help:      "Total number of envelopes delivered into local mailboxes",
	}, []string{"kind"})
	SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paxos",
		Subsystem: "transport",
		Name:      "send_failures_total",
		Help:      "Total number of sends that failed or timed out",
	}, []string{"kind"})
	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paxos",
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paxos",
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paxos",
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paxos",
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC connections",
	})

	// Liveness gossip
	AlivePeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paxos",
		Subsystem: "gossip",
		Name:      "alive_peers",
		Help:      "Peers currently reported alive by the gossip layer",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(ScoutsSpawned, CommandersSpawned, Adoptions, Preemptions)
		prometheus.MustRegister(LeaderActive, LeaderBackoff, LeaderRound, DecisionsSent, PoolInUse)
		prometheus.MustRegister(AcceptorRound, AcceptorAccepted)
		prometheus.MustRegister(Applied, Duplicates, SlotOut, SlotIn)
		prometheus.MustRegister(Delivered, SendFailures)
		prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
		prometheus.MustRegister(AlivePeers)
	})
}
