package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mtd_controller"

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information of the controller",
		},
		[]string{"version", "commit", "date"},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Southbound events dispatched, by type",
		},
		[]string{"type"},
	)

	TopologyRebuildTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topology_rebuild_total",
			Help:      "Topology rebuilds, by result",
		},
		[]string{"result"},
	)

	TopologySwitches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topology_switches",
			Help:      "Switches in the active topology snapshot",
		},
	)

	TopologyAdjacencies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topology_adjacencies",
			Help:      "Directed adjacency entries in the active topology snapshot",
		},
	)

	CandidatePaths = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "candidate_paths",
			Help:      "Candidate paths for the monitored switch pair in the active snapshot",
		},
	)

	HostsLearned = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hosts_learned",
			Help:      "Hosts present in the location table",
		},
	)

	HostMovesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_moves_total",
			Help:      "Learning events that overwrote an existing host binding",
		},
	)

	PacketInTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packet_in_total",
			Help:      "Packet-in frames handled, by action taken",
		},
		[]string{"action"},
	)

	RulesInstalledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_installed_total",
			Help:      "Forwarding rules issued to devices",
		},
	)

	HopsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hops_skipped_total",
			Help:      "Path hops skipped because no device handle was registered",
		},
	)

	MutationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutation_total",
			Help:      "Mutation cycles, by result",
		},
		[]string{"result"},
	)

	MutationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mutation_duration_seconds",
			Help:      "Duration of mutation cycles",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	DevicesConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_connected",
			Help:      "Devices with a registered handle",
		},
	)

	SouthboundDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "southbound_dropped_total",
			Help:      "Southbound commands dropped because the device queue was full or closed",
		},
		[]string{"command"},
	)

	DiscoveryFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_fetch_total",
			Help:      "Topology feed fetches, by result",
		},
		[]string{"result"},
	)

	LLDPFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lldp_frames_total",
			Help:      "LLDP discovery frames sent to switch ports, by result",
		},
		[]string{"result"},
	)

	LinksDiscovered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links_discovered",
			Help:      "Directed links currently confirmed by LLDP",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin API requests, by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Admin API request duration, by route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
