package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gopacket/gopacket/layers"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/mtd/controller/pkg/controller"
	"github.com/malbeclabs/mtd/controller/pkg/discovery"
	"github.com/malbeclabs/mtd/controller/pkg/forwarding"
	"github.com/malbeclabs/mtd/controller/pkg/graph"
	"github.com/malbeclabs/mtd/controller/pkg/hosts"
	"github.com/malbeclabs/mtd/controller/pkg/installer"
	"github.com/malbeclabs/mtd/controller/pkg/metrics"
	"github.com/malbeclabs/mtd/controller/pkg/mutation"
	"github.com/malbeclabs/mtd/controller/pkg/neo4j"
	"github.com/malbeclabs/mtd/controller/pkg/server"
	"github.com/malbeclabs/mtd/controller/pkg/southbound"
	"github.com/malbeclabs/mtd/controller/pkg/southbound/lldp"
	"github.com/malbeclabs/mtd/controller/pkg/southbound/ofp"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
	"github.com/malbeclabs/mtd/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr  = "0.0.0.0:0"
	defaultEventsBuffer = 1024
	defaultSrcHost      = "00:00:00:00:00:01"
	defaultDstHost      = "00:00:00:00:00:02"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	listenAddrFlag := flag.String("listen-addr", server.DefaultListenAddr, "Admin API listen address (or set MTD_LISTEN_ADDR env var)")
	openflowAddrFlag := flag.String("openflow-addr", ofp.DefaultListenAddr, "OpenFlow listen address (or set MTD_OPENFLOW_ADDR env var)")
	queueSizeFlag := flag.Int("device-queue-size", 0, "Per-device command queue size (0 uses the default)")
	enableMutationTriggerFlag := flag.Bool("enable-mutation-trigger", false, "Expose the unauthenticated POST /api/mutation endpoint (or set MTD_ENABLE_MUTATION_TRIGGER env var)")

	// Mutation
	mutationIntervalFlag := flag.Duration("mutation-interval", mutation.DefaultInterval, "Time between route mutations (or set MTD_MUTATION_INTERVAL env var)")
	srcHostFlag := flag.String("src-host", defaultSrcHost, "MAC address of the monitored source host (or set MTD_SRC_HOST env var)")
	dstHostFlag := flag.String("dst-host", defaultDstHost, "MAC address of the monitored destination host (or set MTD_DST_HOST env var)")
	srcSwitchFlag := flag.Uint64("src-switch", 1, "Datapath id of the switch the source host attaches to (or set MTD_SRC_SWITCH env var)")
	dstSwitchFlag := flag.Uint64("dst-switch", 5, "Datapath id of the switch the destination host attaches to (or set MTD_DST_SWITCH env var)")
	bidirectionalFlag := flag.Bool("mutation-bidirectional", false, "Also install the reply direction on each mutation")
	maxPathsFlag := flag.Int("max-paths", 0, "Maximum number of candidate paths (0 = unlimited)")
	maxPathLengthFlag := flag.Int("max-path-length", 0, "Maximum candidate path length in switches (0 = unlimited)")

	// Forwarding
	idleTimeoutFlag := flag.Duration("rule-idle-timeout", installer.DefaultIdleTimeout, "Idle timeout of installed path rules")
	hardTimeoutFlag := flag.Duration("rule-hard-timeout", 0, "Hard timeout of installed path rules (0 = none)")
	ignoredEtherTypesFlag := flag.StringSlice("ignored-ethertypes", []string{"0x88cc", "0x86dd"}, "Ethertypes dropped by the packet-in handler")
	edgeLearningOnlyFlag := flag.Bool("edge-learning-only", false, "Do not learn host locations on inter-switch link ports")

	// Link discovery
	lldpIntervalFlag := flag.Duration("lldp-interval", lldp.DefaultInterval, "Time between LLDP discovery rounds")
	linkTimeoutFlag := flag.Duration("link-timeout", 0, "Drop discovered links not confirmed for this long (0 = three discovery rounds)")

	// Topology feed, replaces link discovery when set
	topologyFileFlag := flag.String("topology-file", "", "Path to a topology feed JSON file (or set MTD_TOPOLOGY_FILE env var)")
	topologyS3BucketFlag := flag.String("topology-s3-bucket", "", "S3 bucket holding topology feed documents (or set MTD_TOPOLOGY_S3_BUCKET env var)")
	topologyS3PrefixFlag := flag.String("topology-s3-prefix", "", "Key prefix of topology feed documents")
	topologyS3RegionFlag := flag.String("topology-s3-region", discovery.DefaultRegion, "AWS region of the topology feed bucket (or set MTD_TOPOLOGY_S3_REGION env var)")
	topologyS3EndpointFlag := flag.String("topology-s3-endpoint", "", "Custom S3 endpoint URL, e.g. MinIO (or set MTD_TOPOLOGY_S3_ENDPOINT env var)")
	topologyS3AnonymousFlag := flag.Bool("topology-s3-anonymous", false, "Read the topology feed bucket without credentials")
	topologyPollIntervalFlag := flag.Duration("topology-poll-interval", discovery.DefaultPollInterval, "Topology feed poll interval")

	// Neo4j configuration (optional)
	neo4jURIFlag := flag.String("neo4j-uri", "", "Neo4j server URI (e.g., bolt://localhost:7687, or set NEO4J_URI env var)")
	neo4jDatabaseFlag := flag.String("neo4j-database", "neo4j", "Neo4j database name (or set NEO4J_DATABASE env var)")
	neo4jUsernameFlag := flag.String("neo4j-username", "neo4j", "Neo4j username (or set NEO4J_USERNAME env var)")
	neo4jPasswordFlag := flag.String("neo4j-password", "", "Neo4j password (or set NEO4J_PASSWORD env var)")

	flag.Parse()

	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

	if v := os.Getenv("MTD_LISTEN_ADDR"); v != "" {
		*listenAddrFlag = v
	}
	if v := os.Getenv("MTD_OPENFLOW_ADDR"); v != "" {
		*openflowAddrFlag = v
	}
	if v := os.Getenv("MTD_ENABLE_MUTATION_TRIGGER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*enableMutationTriggerFlag = b
		}
	}
	if v := os.Getenv("MTD_MUTATION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*mutationIntervalFlag = d
		}
	}
	if v := os.Getenv("MTD_SRC_HOST"); v != "" {
		*srcHostFlag = v
	}
	if v := os.Getenv("MTD_DST_HOST"); v != "" {
		*dstHostFlag = v
	}
	if v := os.Getenv("MTD_SRC_SWITCH"); v != "" {
		if id, err := strconv.ParseUint(v, 0, 64); err == nil {
			*srcSwitchFlag = id
		}
	}
	if v := os.Getenv("MTD_DST_SWITCH"); v != "" {
		if id, err := strconv.ParseUint(v, 0, 64); err == nil {
			*dstSwitchFlag = id
		}
	}
	if v := os.Getenv("MTD_TOPOLOGY_FILE"); v != "" {
		*topologyFileFlag = v
	}
	if v := os.Getenv("MTD_TOPOLOGY_S3_BUCKET"); v != "" {
		*topologyS3BucketFlag = v
	}
	if v := os.Getenv("MTD_TOPOLOGY_S3_REGION"); v != "" {
		*topologyS3RegionFlag = v
	}
	if v := os.Getenv("MTD_TOPOLOGY_S3_ENDPOINT"); v != "" {
		*topologyS3EndpointFlag = v
	}

	// Override Neo4j flags with environment variables if set
	if v := os.Getenv("NEO4J_URI"); v != "" {
		*neo4jURIFlag = v
	}
	if v := os.Getenv("NEO4J_DATABASE"); v != "" {
		*neo4jDatabaseFlag = v
	}
	if v := os.Getenv("NEO4J_USERNAME"); v != "" {
		*neo4jUsernameFlag = v
	}
	if v := os.Getenv("NEO4J_PASSWORD"); v != "" {
		*neo4jPasswordFlag = v
	}

	srcHost, err := net.ParseMAC(*srcHostFlag)
	if err != nil {
		return fmt.Errorf("invalid src-host: %w", err)
	}
	dstHost, err := net.ParseMAC(*dstHostFlag)
	if err != nil {
		return fmt.Errorf("invalid dst-host: %w", err)
	}
	ignored, err := parseEtherTypes(*ignoredEtherTypesFlag)
	if err != nil {
		return fmt.Errorf("invalid ignored-ethertypes: %w", err)
	}
	if *topologyFileFlag != "" && *topologyS3BucketFlag != "" {
		return errors.New("topology-file and topology-s3-bucket are mutually exclusive")
	}
	useFeed := *topologyFileFlag != "" || *topologyS3BucketFlag != ""

	log := logger.New(*verboseFlag)

	// Initialize Sentry for error and panic reporting
	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		release := version + "-" + commit
		tracesSampleRate := 0.1
		if sentryEnv == "development" {
			tracesSampleRate = 1.0
		}
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			Environment:      sentryEnv,
			Release:          release,
			EnableTracing:    true,
			TracesSampleRate: tracesSampleRate,
		})
		if err != nil {
			log.Warn("sentry initialization failed", "error", err)
			sentryDSN = ""
		} else {
			log.Info("sentry initialized", "env", sentryEnv, "release", release)
			defer sentry.Flush(2 * time.Second)
		}
	}

	log.Info("controller starting",
		"version", version,
		"commit", commit,
		"src_host", srcHost,
		"dst_host", dstHost,
		"src_switch", *srcSwitchFlag,
		"dst_switch", *dstSwitchFlag,
		"mutation_interval", *mutationIntervalFlag,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("controller: received signal", "signal", sig.String())
		cancel()
	}()

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	var source discovery.Source
	switch {
	case *topologyFileFlag != "":
		source = discovery.NewFileSource(*topologyFileFlag)
		log.Info("topology feed: file", "path", *topologyFileFlag)
	case *topologyS3BucketFlag != "":
		source, err = discovery.NewS3Source(ctx, discovery.S3SourceConfig{
			Bucket:      *topologyS3BucketFlag,
			Prefix:      *topologyS3PrefixFlag,
			Region:      *topologyS3RegionFlag,
			EndpointURL: *topologyS3EndpointFlag,
			Anonymous:   *topologyS3AnonymousFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create S3 topology source: %w", err)
		}
		log.Info("topology feed: s3", "bucket", *topologyS3BucketFlag, "prefix", *topologyS3PrefixFlag)
	default:
		log.Info("topology: learning links with LLDP", "interval", *lldpIntervalFlag)
	}
	if source != nil {
		defer source.Close()
	}

	store, err := topology.NewStore(topology.StoreConfig{
		Logger:       log,
		MonitoredSrc: topology.SwitchID(*srcSwitchFlag),
		MonitoredDst: topology.SwitchID(*dstSwitchFlag),
		Limits: topology.Limits{
			MaxPaths:  *maxPathsFlag,
			MaxLength: *maxPathLengthFlag,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create topology store: %w", err)
	}

	registry := southbound.NewRegistry()
	table := hosts.NewTable()

	pathInstaller, err := installer.New(installer.Config{
		Logger:      log,
		Devices:     registry,
		IdleTimeout: *idleTimeoutFlag,
		HardTimeout: *hardTimeoutFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create path installer: %w", err)
	}

	fwd, err := forwarding.New(forwarding.Config{
		Logger:            log,
		Topology:          store,
		Hosts:             table,
		Installer:         pathInstaller,
		Devices:           registry,
		IgnoredEtherTypes: ignored,
		EdgeLearningOnly:  *edgeLearningOnlyFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create packet-in handler: %w", err)
	}

	scheduler, err := mutation.New(mutation.Config{
		Logger:        log,
		Interval:      *mutationIntervalFlag,
		SrcHost:       srcHost,
		DstHost:       dstHost,
		Topology:      store,
		Hosts:         table,
		Installer:     pathInstaller,
		Bidirectional: *bidirectionalFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create mutation scheduler: %w", err)
	}

	ctrlCfg := controller.Config{
		Logger:     log,
		Topology:   store,
		Devices:    registry,
		Forwarding: fwd,
	}

	if *neo4jURIFlag != "" {
		neo4jClient, err := neo4j.NewClient(ctx, neo4j.ClientConfig{
			Logger:   log,
			URI:      *neo4jURIFlag,
			Database: *neo4jDatabaseFlag,
			Username: *neo4jUsernameFlag,
			Password: *neo4jPasswordFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create Neo4j client: %w", err)
		}
		defer func() {
			if closeErr := neo4jClient.Close(context.Background()); closeErr != nil {
				log.Warn("failed to close Neo4j client", "error", closeErr)
			}
		}()
		if err := neo4j.EnsureSchema(ctx, neo4jClient); err != nil {
			return fmt.Errorf("failed to ensure Neo4j schema: %w", err)
		}
		mirror, err := graph.NewMirror(graph.MirrorConfig{Logger: log, Neo4j: neo4jClient})
		if err != nil {
			return fmt.Errorf("failed to create topology mirror: %w", err)
		}
		mirror.Start(ctx)
		ctrlCfg.Mirror = mirror
		log.Info("Neo4j topology mirror enabled", "uri", *neo4jURIFlag, "database", *neo4jDatabaseFlag)
	} else {
		log.Info("Neo4j disabled")
	}

	events := make(chan southbound.Event, defaultEventsBuffer)

	var (
		watcher *discovery.Watcher
		tracker *lldp.Tracker
		ready   func() bool
	)
	if useFeed {
		watcher, err = discovery.NewWatcher(discovery.WatcherConfig{
			Logger:       log,
			Source:       source,
			PollInterval: *topologyPollIntervalFlag,
			Events:       events,
		})
		if err != nil {
			return fmt.Errorf("failed to create topology watcher: %w", err)
		}
		ready = watcher.Ready
	} else {
		tracker, err = lldp.NewTracker(lldp.TrackerConfig{
			Logger:      log,
			Interval:    *lldpIntervalFlag,
			LinkTimeout: *linkTimeoutFlag,
			Events:      events,
		})
		if err != nil {
			return fmt.Errorf("failed to create link tracker: %w", err)
		}
		ctrlCfg.Discovery = tracker
		ready = func() bool { return store.Snapshot().Generation > 0 }
	}

	ctrl, err := controller.New(ctrlCfg)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	ofpServer, err := ofp.New(ofp.Config{
		Logger:     log,
		ListenAddr: *openflowAddrFlag,
		Events:     events,
		QueueSize:  *queueSizeFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create OpenFlow server: %w", err)
	}

	adminServer, err := server.New(server.Config{
		Logger:     log,
		ListenAddr: *listenAddrFlag,
		Topology:   store,
		Hosts:      table,
		Devices:    registry,
		Mutation:   scheduler,
		Build:      server.BuildInfo{Version: version, Commit: commit, Date: date},
		Ready:      ready,

		EnableMutationTrigger: *enableMutationTriggerFlag,
		Sentry:                sentryDSN != "",
	})
	if err != nil {
		return fmt.Errorf("failed to create admin API server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx, events)
	})
	g.Go(func() error {
		return ofpServer.Run(gctx)
	})
	g.Go(func() error {
		return adminServer.Run(gctx)
	})

	if watcher != nil {
		watcher.Start(gctx)
	}
	if tracker != nil {
		tracker.Start(gctx)
	}
	scheduler.Start(gctx)

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("controller stopped")
	return nil
}

func parseEtherTypes(values []string) ([]layers.EthernetType, error) {
	out := make([]layers.EthernetType, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		n, err := strconv.ParseUint(v, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", v, err)
		}
		out = append(out, layers.EthernetType(n))
	}
	return out, nil
}
