package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dataprepper/corepipe/internal/buffer"
	"github.com/dataprepper/corepipe/internal/config"
	"github.com/dataprepper/corepipe/internal/event"
	"github.com/dataprepper/corepipe/internal/infrastructure/async"
	httpmetrics "github.com/dataprepper/corepipe/internal/interfaces/http"
	"github.com/dataprepper/corepipe/internal/logging"
	"github.com/dataprepper/corepipe/internal/peerforwarder"
	"github.com/dataprepper/corepipe/internal/pipeline"
	"github.com/dataprepper/corepipe/internal/processor/servicemap"
	"github.com/dataprepper/corepipe/internal/sink/bulk"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "pipelined <config-file>",
		Short:   "Runs one data pipeline from a YAML configuration file.",
		Version: version,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logLevel, _ := cmd.Flags().GetString("log-level")
			if env := os.Getenv("PIPELINED_LOG_LEVEL"); env != "" && !cmd.Flags().Changed("log-level") {
				logLevel = env
			}
			return run(args[0], logLevel)
		},
	}
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

// run implements the CLI surface named in spec §6: exit 0 on clean
// shutdown, 1 on initialization failure, 2 on fatal runtime error.
func run(configPath, logLevel string) error {
	logging.Init(logLevel)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Str("config", configPath).Msg("failed to load configuration")
		os.Exit(1)
	}

	rt, err := initialize(cfg)
	if err != nil {
		log.Error().Err(err).Msg("initialization failed")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt.start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.metricsServer.Run(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining pipeline")

	if err := rt.shutdown(); err != nil {
		log.Error().Err(err).Msg("fatal error during shutdown")
		os.Exit(2)
	}

	if err := <-errCh; err != nil {
		log.Error().Err(err).Msg("metrics server exited with error")
		os.Exit(2)
	}

	log.Info().Msg("clean shutdown complete")
	return nil
}

// runtime holds every component acquired at initialize() and released at
// shutdown(), per spec §5's "scoped acquisition" resource policy.
type runtime struct {
	buf           *buffer.Buffer
	executor      *pipeline.Executor
	sink          *bulk.Sink
	dlq           *bulk.DeadLetterWriter
	ledger        *bulk.IndexLedger
	idempotency   bulk.IdempotencyCache
	group         *servicemap.ProcessorGroup
	dispatcher    *peerforwarder.OutboundDispatcher
	receiverSrv   *http.Server
	metricsServer *httpmetrics.Server
}

func initialize(cfg *config.PipelineConfig) (*runtime, error) {
	rt := &runtime{}

	bufCfg := buffer.Config{
		Name:              cfg.Name,
		Capacity:          cfg.Buffer.BufferSize,
		BatchSize:         cfg.Buffer.BatchSize,
		VisibilityTimeout: 30 * time.Second,
	}

	metricsRegistry := httpmetrics.NewRegistry()

	var processors []pipeline.Processor
	var sinks []pipeline.Sink

	if cfg.PeerForwarder != nil {
		pfCfg := cfg.PeerForwarder

		// The receive-buffer registry owns the pipeline's main buffer too,
		// so events arriving over the peer-forwarder RPC endpoint and
		// events falling back to local processing both land in the exact
		// buffer the executor reads from.
		registry := peerforwarder.NewReceiveBufferRegistry()
		rt.buf = registry.GetOrCreate(cfg.Name, "peer_forwarder", bufCfg)

		forwarder := peerforwarder.New(
			peerforwarder.DiscoveryMode(pfCfg.DiscoveryMode),
			pfCfg.StaticEndpoints,
			fmt.Sprintf(":%d", pfCfg.Port),
			pfCfg.VirtualNodesPerPeer,
		)
		client := peerforwarder.NewRPCClient(10 * time.Second)

		dispatcher := peerforwarder.NewOutboundDispatcher(cfg.Name, "peer_forwarder", client,
			localFallback(rt.buf), async.BatchConfig{
				MaxBatchSize:  pfCfg.TargetBatchSize,
				FlushInterval: pfCfg.TargetBatchTimeout(),
			}, pfCfg.MaxBatchesPerSecond)
		rt.dispatcher = dispatcher
		metricsRegistry.Register(dispatcher)

		processors = append(processors, peerforwarder.NewProcessor(forwarder, dispatcher, nil))

		receiver := peerforwarder.NewReceiver(registry)
		rt.receiverSrv = &http.Server{Addr: fmt.Sprintf(":%d", pfCfg.Port), Handler: receiver}
	} else {
		rt.buf = buffer.New(bufCfg)
	}
	metricsRegistry.Register(rt.buf)

	if cfg.ServiceMap != nil {
		smCfg := cfg.ServiceMap
		group, err := servicemap.NewProcessorGroup(servicemap.Config{
			WindowDuration: smCfg.WindowDuration(),
			DBPath:         smCfg.DBPath,
			Workers:        cfg.Workers,
		}, cfg.Name, log.Logger)
		if err != nil {
			return nil, fmt.Errorf("pipelined: initialize service-map processor: %w", err)
		}
		rt.group = group
		metricsRegistry.Register(group)
		processors = append(processors, servicemap.NewProcessor(group))
	}

	if cfg.BulkSink != nil {
		sinkCfg := cfg.BulkSink
		signer, err := signerFor(sinkCfg)
		if err != nil {
			return nil, err
		}
		httpClient := &http.Client{Timeout: sinkCfg.SocketTimeout()}
		var cluster bulk.Cluster = bulk.NewHTTPCluster(sinkCfg.Hosts, httpClient, signer)
		cluster = bulk.NewCircuitBreakingCluster(cluster, cfg.Name+"-bulk-sink")

		indexManager := bulk.NewIndexManager(bulk.IndexManagerConfig{
			Strategy:   indexStrategyFor(sinkCfg.IndexType),
			IndexAlias: sinkCfg.Index,
		}, cluster, log.Logger)

		if sinkCfg.IndexLedger != nil {
			ledger, err := bulk.OpenIndexLedger(sinkCfg.IndexLedger.DSN, time.Duration(sinkCfg.IndexLedger.TimeoutMS)*time.Millisecond)
			if err != nil {
				return nil, fmt.Errorf("pipelined: open index ledger: %w", err)
			}
			rt.ledger = ledger
			indexManager = indexManager.WithLedger(ledger)
		}

		dlqPath := sinkCfg.DLQFile
		if dlqPath == "" {
			dlqPath = fmt.Sprintf("/tmp/data-prepper/%s-dlq.jsonl", cfg.Name)
		}
		dlq, err := bulk.NewDeadLetterWriter(dlqPath, "bulk_sink", cfg.Name)
		if err != nil {
			return nil, fmt.Errorf("pipelined: open dead letter file: %w", err)
		}
		rt.dlq = dlq

		sink := bulk.NewSink(bulk.Config{
			PluginID:             "bulk_sink",
			PipelineName:         cfg.Name,
			BaseIndexName:        sinkCfg.Index,
			MaxBulkSizeBytes:     sinkCfg.BulkSizeBytes(),
			FlushInterval:        time.Second,
			Retry:                retryPolicyFor(sinkCfg.Retry),
			DeadLetterFilePath:   dlqPath,
			MaxRequestsPerSecond: sinkCfg.MaxRequestsPerSec,
		}, cluster, indexManager, dlq, log.Logger)

		if sinkCfg.IdempotencyCache != nil {
			cache := bulk.NewRedisIdempotencyCache(sinkCfg.IdempotencyCache.Addr, time.Duration(sinkCfg.IdempotencyCache.TTLSec)*time.Second)
			rt.idempotency = cache
			sink = sink.WithIdempotencyCache(cache)
		}

		rt.sink = sink
		metricsRegistry.Register(sink)
		sinks = append(sinks, sink)
	}

	rt.executor = pipeline.New(pipeline.Config{
		Name:          cfg.Name,
		Workers:       cfg.Workers,
		ReadBatchSize: cfg.ReadBatchSize,
		ReadTimeout:   cfg.ReadTimeout(),
	}, rt.buf, processors, sinks)
	metricsRegistry.Register(rt.executor)

	rt.metricsServer = httpmetrics.NewServer(":9600", metricsRegistry)

	return rt, nil
}

func (rt *runtime) start() {
	rt.executor.Start()
	if rt.receiverSrv != nil {
		go func() {
			if err := rt.receiverSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("peer-forwarder receiver exited")
			}
		}()
	}
}

func (rt *runtime) shutdown() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if rt.receiverSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		record(rt.receiverSrv.Shutdown(ctx))
		cancel()
	}
	if rt.dispatcher != nil {
		rt.dispatcher.Shutdown()
	}
	record(rt.executor.Shutdown())
	if rt.group != nil {
		record(rt.group.Shutdown())
	}
	if rt.sink != nil {
		record(rt.sink.Shutdown())
	}
	if rt.dlq != nil {
		record(rt.dlq.Close())
	}
	if rt.ledger != nil {
		record(rt.ledger.Close())
	}
	if rt.idempotency != nil {
		record(rt.idempotency.Close())
	}
	rt.buf.Shutdown()
	return firstErr
}

func signerFor(cfg *config.BulkSinkConfig) (bulk.Signer, error) {
	switch {
	case cfg.AWSSigV4 != nil:
		return &bulk.AWSSigV4Signer{
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Region:          cfg.AWSSigV4.Region,
			Service:         cfg.AWSSigV4.Service,
		}, nil
	case cfg.Username != "":
		return bulk.BasicAuthSigner{Username: cfg.Username, Password: cfg.Password}, nil
	default:
		return bulk.NoopSigner{}, nil
	}
}

func indexStrategyFor(t config.IndexType) bulk.IndexStrategy {
	switch t {
	case config.IndexTypeTraceAnalyticsRaw, config.IndexTypeTraceAnalyticsServiceMap:
		return bulk.StrategyAliasManaged
	case config.IndexTypeCustom:
		return bulk.StrategyCustomTemplate
	default:
		return bulk.StrategyPlain
	}
}

func retryPolicyFor(r config.RetryBackoffConfig) bulk.RetryPolicy {
	maxAttempts := r.MaxRetries
	if maxAttempts == 0 {
		maxAttempts = math.MaxInt // max_retries 0 means unbounded
	}
	return bulk.RetryPolicy{
		BaseDelay:   time.Duration(r.BaseMS) * time.Millisecond,
		MaxDelay:    time.Duration(r.MaxMS) * time.Millisecond,
		Jitter:      r.Jitter,
		MaxAttempts: maxAttempts,
	}
}

// localFallback re-enqueues events that a peer rejected (or that the
// dispatcher could not forward) back onto the local buffer for local
// processing, per spec §4.3's local-fallback requirement.
func localFallback(buf *buffer.Buffer) peerforwarder.LocalFallback {
	return func(events []*event.Event) {
		for _, e := range events {
			if err := buf.Write(event.NewRecord(e), time.Second); err != nil {
				log.Warn().Err(err).Msg("local fallback write dropped: buffer unavailable")
			}
		}
	}
}
