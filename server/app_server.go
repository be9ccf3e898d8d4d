package server

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusingest/codecs"
	"github.com/INLOpen/nexusingest/codecs/ipfix"
	"github.com/INLOpen/nexusingest/codecs/syslog"
	"github.com/INLOpen/nexusingest/config"
	"github.com/INLOpen/nexusingest/hooks"
	"github.com/INLOpen/nexusingest/hooks/listeners"
	"github.com/INLOpen/nexusingest/journal"
	"github.com/INLOpen/nexusingest/processing"
	"github.com/INLOpen/nexusingest/ringbuffer"
	"github.com/INLOpen/nexusingest/stage"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const defaultPipelineShutdownTimeout = 30 * time.Second

var (
	currentVars    atomic.Pointer[expvar.Map]
	publishVarsOne sync.Once
)

// publishVars exposes the most recently created app server under the
// "nexusingest" expvar. expvar names can only be published once per process.
func publishVars(m *expvar.Map) {
	currentVars.Store(m)
	publishVarsOne.Do(func() {
		expvar.Publish("nexusingest", expvar.Func(func() any {
			if v := currentVars.Load(); v != nil {
				return json.RawMessage(v.String())
			}
			return nil
		}))
	})
}

type AppServerOptions struct {
	// Output receives decoded messages. Defaults to discarding them.
	Output processing.Output
	Tracer trace.Tracer
	// PipelineShutdownTimeout bounds how long Start waits for the decoding
	// processors to drain after the inputs stopped.
	PipelineShutdownTimeout time.Duration
}

// AppServer wires the inputs, the buffering stages, the journal and the
// decoding processors of one node, plus its health and metrics servers.
type AppServer struct {
	cfg         *config.Config
	logger      *slog.Logger
	hookManager hooks.HookManager

	journal       *journal.Journal
	signal        *stage.Signal
	inputBuffer   *stage.InputBuffer
	processBuffer *stage.ProcessBuffer
	journalReader *stage.JournalReader
	processors    []*processing.Processor
	registry      *processing.Registry
	ipfixWatcher  *ipfix.DefinitionWatcher
	aggregator    *ipfix.Aggregator

	promRegistry    *prometheus.Registry
	inputs          []Transport
	metricsServer   *MetricsServer
	metricsLis      net.Listener
	systemCollector *SystemCollector
	healthServer    *HealthServer
	healthLis       net.Listener
	vars            *expvar.Map

	shutdownTimeout time.Duration
	mu              sync.Mutex
	cancel          context.CancelFunc
	stopped         bool
}

// NewAppServer creates and initializes a new application server. Listeners
// are bound here so that port conflicts surface before Start.
func NewAppServer(cfg *config.Config, logger *slog.Logger, opts AppServerOptions) (s *AppServer, err error) {
	if opts.PipelineShutdownTimeout <= 0 {
		opts.PipelineShutdownTimeout = defaultPipelineShutdownTimeout
	}
	s = &AppServer{
		cfg:             cfg,
		logger:          logger.With("component", "AppServer"),
		hookManager:     hooks.NewHookManager(logger),
		promRegistry:    prometheus.NewRegistry(),
		vars:            new(expvar.Map).Init(),
		shutdownTimeout: opts.PipelineShutdownTimeout,
	}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	s.hookManager.Register(hooks.EventOnMessageDropped, listeners.NewDropCounterListener(10*time.Second, logger))
	s.hookManager.Register(hooks.EventOnJournalUsage, listeners.NewJournalUsageAlerterListener(cfg.Journal.MaxDiskUtilization/100, logger))

	// 1. Stages and journal.
	if err = s.buildPipeline(logger, opts); err != nil {
		return nil, err
	}

	// 2. Codecs and decoding processors.
	if err = s.buildProcessing(logger, opts); err != nil {
		return nil, err
	}

	// 3. Network inputs.
	metrics, err := NewTransportMetrics(s.promRegistry)
	if err != nil {
		return nil, fmt.Errorf("failed to register transport metrics: %w", err)
	}
	if err = s.buildInputs(metrics, logger); err != nil {
		return nil, err
	}

	// 4. Health and metrics servers.
	if cfg.Health.Enabled {
		s.healthLis, err = net.Listen("tcp", cfg.Health.ListenAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on health address %s: %w", cfg.Health.ListenAddress, err)
		}
		s.healthServer = NewHealthServer(HealthServerOptions{
			CheckInterval: config.ParseDuration(cfg.Health.CheckInterval, defaultHealthCheckInterval, logger),
			Check:         s.Ready,
			Logger:        logger,
			HookManager:   s.hookManager,
		})
	} else {
		logger.Info("gRPC health server is disabled.")
	}

	if cfg.Debug.SystemInterval != "" {
		diskPath := cfg.Node.DataDir
		if s.journal != nil {
			diskPath = s.journal.Dir()
		}
		interval := config.ParseDuration(cfg.Debug.SystemInterval, defaultSystemInterval, logger)
		s.systemCollector = NewSystemCollector(diskPath, interval, logger)
		s.vars.Set("system", s.systemCollector.Vars())
	}
	if cfg.Debug.Enabled {
		s.metricsServer = NewMetricsServer(cfg.Debug, s.promRegistry, logger)
		s.metricsLis, err = net.Listen("tcp", s.metricsServer.server.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on debug address %s: %w", s.metricsServer.server.Addr, err)
		}
	}

	publishVars(s.vars)
	return s, nil
}

func (s *AppServer) buildPipeline(logger *slog.Logger, opts AppServerOptions) error {
	cfg := s.cfg
	mode, err := stage.ParseMode(cfg.InputBuffer.Mode)
	if err != nil {
		return err
	}

	if mode == stage.ModeJournal {
		syncMode := journal.SyncMode(cfg.Journal.SyncMode)
		switch syncMode {
		case journal.SyncAlways, journal.SyncInterval, journal.SyncDisabled, "":
		default:
			return fmt.Errorf("unknown journal sync mode %q", cfg.Journal.SyncMode)
		}
		metrics := journal.NewMetrics()
		s.journal, err = journal.Open(journal.Options{
			Dir:                cfg.JournalDir(),
			MaxSegmentSize:     cfg.Journal.SegmentSizeBytes,
			MaxMessageSize:     cfg.Journal.MaxMessageSizeBytes,
			MaxAge:             config.ParseDuration(cfg.Journal.MaxAge, journal.DefaultMaxAge, logger),
			MaxSize:            cfg.Journal.MaxSizeBytes,
			FlushInterval:      config.ParseDuration(cfg.Journal.FlushInterval, journal.DefaultFlushInterval, logger),
			RetentionInterval:  config.ParseDuration(cfg.Journal.RetentionInterval, journal.DefaultRetentionInterval, logger),
			SyncMode:           syncMode,
			Preallocate:        cfg.Journal.Preallocate,
			MaxDiskUtilization: cfg.Journal.MaxDiskUtilization,
			Metrics:            metrics,
			Logger:             logger,
			HookManager:        s.hookManager,
			Tracer:             opts.Tracer,
		})
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		s.vars.Set("journal", metrics.Publish(s.journal))
		s.signal = stage.NewSignal()
	}

	var overflow *stage.OverflowCache
	if cfg.ProcessBuffer.Overflow.Enabled {
		overflow, err = stage.NewOverflowCache(stage.OverflowOptions{
			Dir:         cfg.OverflowDir(),
			MaxSize:     cfg.ProcessBuffer.Overflow.MaxSizeBytes,
			Compression: cfg.ProcessBuffer.Overflow.Compression,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
	}

	processWait, err := ringbuffer.ParseWaitStrategy(cfg.ProcessBuffer.WaitStrategy)
	if err != nil {
		if overflow != nil {
			overflow.Close()
		}
		return fmt.Errorf("process buffer: %w", err)
	}
	var committer stage.Committer
	if s.journal != nil {
		committer = s.journal
	}
	s.processBuffer, err = stage.NewProcessBuffer(stage.ProcessBufferOptions{
		RingSize:     cfg.ProcessBuffer.RingSize,
		WaitStrategy: processWait,
		NodeID:       cfg.Node.ID,
		Overflow:     overflow,
		Committer:    committer,
		StartPaused:  !cfg.ProcessBuffer.ProcessingEnabled,
		PollInterval: config.ParseDuration(cfg.ProcessBuffer.PollInterval, 0, logger),
		Logger:       logger,
		HookManager:  s.hookManager,
	})
	if err != nil {
		if overflow != nil {
			overflow.Close()
		}
		return err
	}
	s.vars.Set("process_buffer", s.processBuffer.Vars())

	inputWait, err := ringbuffer.ParseWaitStrategy(cfg.InputBuffer.WaitStrategy)
	if err != nil {
		return fmt.Errorf("input buffer: %w", err)
	}
	ibOpts := stage.InputBufferOptions{
		RingSize:     cfg.InputBuffer.RingSize,
		WaitStrategy: inputWait,
		Processors:   cfg.InputBuffer.Processors,
		MaxBatch:     cfg.InputBuffer.MaxBatch,
		Mode:         mode,
		DirectPolicy: stage.DirectPolicy(cfg.InputBuffer.DirectPolicy),
		Signal:       s.signal,
		Process:      s.processBuffer,
		Logger:       logger,
		HookManager:  s.hookManager,
	}
	if s.journal != nil {
		ibOpts.Journal = s.journal
	}
	s.inputBuffer, err = stage.NewInputBuffer(ibOpts)
	if err != nil {
		return err
	}
	s.vars.Set("input_buffer", s.inputBuffer.Vars())

	if s.journal != nil {
		s.journalReader, err = stage.NewJournalReader(stage.JournalReaderOptions{
			Journal:     s.journal,
			Signal:      s.signal,
			Process:     s.processBuffer,
			BatchSize:   cfg.Journal.ReaderBatchSize,
			Logger:      logger,
			HookManager: s.hookManager,
		})
		if err != nil {
			return err
		}
		readerVars := new(expvar.Map).Init()
		readerVars.Set("forwarded", s.journalReader.Forwarded)
		readerVars.Set("decode_failures", s.journalReader.DecodeFailures)
		readerVars.Set("read_errors", s.journalReader.ReadErrors)
		s.vars.Set("journal_reader", readerVars)
	}
	return nil
}

func (s *AppServer) buildProcessing(logger *slog.Logger, opts AppServerOptions) error {
	cfg := s.cfg
	var err error
	s.ipfixWatcher, err = ipfix.NewDefinitionWatcher(cfg.IPFIX.DefinitionFiles, logger)
	if err != nil {
		return fmt.Errorf("failed to load IPFIX definitions: %w", err)
	}
	s.registry, err = processing.NewRegistry(processing.RegistryOptions{
		CacheSize: cfg.Processing.CodecCacheSize,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	s.registry.RegisterBuiltins(processing.Shared{
		Resolver:         syslog.NewResolver(config.ParseDuration(cfg.Processing.RDNSCacheTTL, time.Minute, logger)),
		IPFIXDefinitions: s.ipfixWatcher,
		Logger:           logger,
	})

	workers := max(cfg.ProcessBuffer.Processors, 1)
	metrics := processing.NewProcessorMetrics()
	for range workers {
		p, err := processing.NewProcessor(processing.ProcessorOptions{
			Source:        s.processBuffer,
			Registry:      s.registry,
			Output:        opts.Output,
			NodeID:        cfg.Node.ID,
			BatchSize:     cfg.ProcessBuffer.BatchSize,
			RetryInterval: config.ParseDuration(cfg.Processing.RetryInterval, processing.DefaultRetryInterval, logger),
			MaxRetryDelay: config.ParseDuration(cfg.Processing.MaxRetryDelay, processing.DefaultMaxRetryDelay, logger),
			MaxAttempts:   cfg.Processing.MaxAttempts,
			MaxRetryTime:  config.ParseDuration(cfg.Processing.MaxRetryTime, processing.DefaultMaxRetryTime, logger),
			Metrics:       metrics,
			Logger:        logger,
			HookManager:   s.hookManager,
			Tracer:        opts.Tracer,
		})
		if err != nil {
			return err
		}
		s.processors = append(s.processors, p)
	}
	s.vars.Set("processor", s.processors[0].Vars())
	return nil
}

// inputSpec binds one configured input to its constructor.
type inputSpec struct {
	cfg   config.InputConfig
	typ   string
	build func(InputOptions) (Transport, error)
}

func (s *AppServer) buildInputs(metrics *TransportMetrics, logger *slog.Logger) error {
	cfg := s.cfg
	specs := []inputSpec{
		{cfg: cfg.Inputs.SyslogUDP, typ: "syslog_udp", build: func(o InputOptions) (Transport, error) { return NewSyslogUDPInput(o) }},
		{cfg: cfg.Inputs.SyslogTCP, typ: "syslog_tcp", build: func(o InputOptions) (Transport, error) { return NewSyslogTCPInput(o) }},
		{cfg: cfg.Inputs.BeatsTCP, typ: "beats_tcp", build: func(o InputOptions) (Transport, error) { return NewBeatsInput(o) }},
		{cfg: cfg.Inputs.IPFIXUDP, typ: "ipfix_udp", build: s.newIPFIXInput},
	}
	inputVars := new(expvar.Map).Init()
	for _, spec := range specs {
		if !spec.cfg.Enabled {
			continue
		}
		id := spec.cfg.ID
		if id == "" {
			id = spec.typ
		}
		policy, err := ParseBackpressure(spec.cfg.Backpressure)
		if err != nil {
			return fmt.Errorf("input %s: %w", id, err)
		}
		framing, err := ParseFraming(spec.cfg.Framing)
		if err != nil {
			return fmt.Errorf("input %s: %w", id, err)
		}
		emitter, err := NewEmitter(InputDescriptor{
			ID:          id,
			Type:        spec.typ,
			NodeID:      cfg.Node.ID,
			CodecConfig: codecs.Config(spec.cfg.Codec),
		}, s.inputBuffer, policy, metrics, logger)
		if err != nil {
			return err
		}
		in, err := spec.build(InputOptions{
			Address:            spec.cfg.ListenAddress,
			Emitter:            emitter,
			MaxMessageSize:     spec.cfg.MaxMessageSizeBytes,
			MaxConnections:     spec.cfg.MaxConnections,
			IdleTimeout:        config.ParseDuration(spec.cfg.IdleTimeout, 0, logger),
			Framing:            framing,
			StrictFrameTypes:   spec.cfg.StrictFrameTypes,
			Workers:            spec.cfg.Workers,
			QueueSize:          spec.cfg.QueueSize,
			ReceiveBufferBytes: spec.cfg.ReceiveBufferBytes,
			Logger:             logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create input %s: %w", id, err)
		}
		s.inputs = append(s.inputs, in)
		if v, ok := in.(interface{ Vars() *expvar.Map }); ok {
			inputVars.Set(id, v.Vars())
		}
		logger.Info("Input configured", "input", id, "type", spec.typ, "address", in.Addr().String(), "backpressure", policy)
	}
	s.vars.Set("inputs", inputVars)
	if len(s.inputs) == 0 {
		logger.Warn("No inputs are enabled.")
	}
	return nil
}

func (s *AppServer) newIPFIXInput(o InputOptions) (Transport, error) {
	cfg := s.cfg.IPFIX
	s.aggregator = ipfix.NewAggregator(ipfix.AggregatorOptions{
		Definitions:       s.ipfixWatcher,
		TemplateCacheSize: cfg.TemplateCacheSize,
		BufferTTL:         config.ParseDuration(cfg.BufferTTL, ipfix.DefaultBufferTTL, o.Logger),
		MaxBufferedBytes:  cfg.MaxBufferedBytes,
		Logger:            o.Logger,
	})
	s.vars.Set("ipfix_aggregator", s.aggregator.Vars())
	return NewIPFIXInput(o, s.aggregator)
}

// Ready reports whether the node accepts and processes messages.
func (s *AppServer) Ready() error {
	if !s.processBuffer.ProcessingEnabled() {
		return errors.New("message processing is paused")
	}
	if s.journal != nil && s.journal.IsThrottled() {
		return errors.New("journal disk utilization is above the limit")
	}
	return nil
}

// Start runs the pipeline and all servers. It blocks until Stop is called
// or a component fails, then drains the stages in order.
func (s *AppServer) Start() error {
	s.mu.Lock()
	if s.cancel != nil || s.stopped {
		s.mu.Unlock()
		return errors.New("app server already started or stopped")
	}
	g, ctx := errgroup.WithContext(context.Background())
	appCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	// The pipeline outlives the inputs so that it can drain after them.
	lifecycle, stopPipeline := context.WithCancel(context.Background())
	defer stopPipeline()
	pipe, pipeCtx := errgroup.WithContext(lifecycle)

	s.inputBuffer.Start(pipeCtx)
	if s.journalReader != nil {
		pipe.Go(func() error { return s.journalReader.Run(pipeCtx) })
	}
	for _, p := range s.processors {
		pipe.Go(func() error { return p.Run(pipeCtx) })
	}
	// A failing pipeline stops the inputs.
	stopInputs := context.AfterFunc(pipeCtx, cancel)
	defer stopInputs()

	if s.systemCollector != nil {
		s.systemCollector.Start()
	}
	for _, in := range s.inputs {
		g.Go(func() error {
			s.logger.Info("Starting input...", "input", in.Name())
			return in.Start(appCtx)
		})
	}
	if s.cfg.IPFIX.WatchDefinitions && len(s.cfg.IPFIX.DefinitionFiles) > 0 {
		g.Go(func() error { return s.ipfixWatcher.Run(appCtx) })
	}
	if s.healthServer != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.healthServer.Stop()
			}()
			return s.healthServer.Start(s.healthLis)
		})
		g.Go(func() error { return s.healthServer.Run(appCtx) })
	}
	if s.metricsServer != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.metricsServer.Stop()
			}()
			return s.metricsServer.Serve(s.metricsLis)
		})
	}

	s.logger.Info("Application server started. Waiting for servers to exit.")
	err := g.Wait()
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("A server has failed, initiating shutdown.", "error", err)
	} else {
		err = nil
	}

	pipeErr := s.drain(pipe, stopPipeline)
	s.release()
	if err != nil {
		return fmt.Errorf("server group failed: %w", err)
	}
	if pipeErr != nil {
		return fmt.Errorf("pipeline failed: %w", pipeErr)
	}
	s.logger.Info("All servers have stopped gracefully.")
	return nil
}

// drain empties the stages front to back once the inputs are gone.
func (s *AppServer) drain(pipe *errgroup.Group, stopPipeline context.CancelFunc) error {
	s.logger.Info("Draining input buffer...")
	s.inputBuffer.Close()
	if s.journalReader != nil {
		s.journalReader.Stop()
	}
	if err := s.processBuffer.Close(); err != nil {
		s.logger.Error("Failed to close process buffer", "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- pipe.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("Decoding processors did not drain in time; remaining messages stay in the journal", "timeout", s.shutdownTimeout)
		stopPipeline()
		return <-done
	}
}

// release closes what NewAppServer opened. It is safe to call more than once.
func (s *AppServer) release() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.cancel != nil
	s.mu.Unlock()

	if !started {
		// Inputs bind their sockets when created; a cancelled Start
		// releases them.
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		for _, in := range s.inputs {
			in.Start(ctx)
		}
		if s.healthLis != nil {
			s.healthLis.Close()
		}
		if s.metricsLis != nil {
			s.metricsLis.Close()
		}
		if s.processBuffer != nil {
			s.processBuffer.Close()
		}
	}
	if s.systemCollector != nil {
		s.systemCollector.Stop()
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Error("Failed to close journal", "error", err)
		}
	}
	s.hookManager.Stop()
}

// Stop gracefully shuts down all servers. Start returns once the stages
// have drained.
func (s *AppServer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Inputs returns the configured inputs in start order.
func (s *AppServer) Inputs() []Transport { return s.inputs }

// Input returns the input with the given id.
func (s *AppServer) Input(id string) (Transport, bool) {
	for _, in := range s.inputs {
		if in.Name() == id {
			return in, true
		}
	}
	return nil, false
}

func (s *AppServer) HealthAddr() net.Addr {
	if s.healthLis == nil {
		return nil
	}
	return s.healthLis.Addr()
}

func (s *AppServer) MetricsAddr() net.Addr {
	if s.metricsLis == nil {
		return nil
	}
	return s.metricsLis.Addr()
}

func (s *AppServer) Journal() *journal.Journal { return s.journal }

func (s *AppServer) ProcessBuffer() *stage.ProcessBuffer { return s.processBuffer }

func (s *AppServer) Registry() *processing.Registry { return s.registry }

func (s *AppServer) Gatherer() prometheus.Gatherer { return s.promRegistry }

func (s *AppServer) Vars() *expvar.Map { return s.vars }
