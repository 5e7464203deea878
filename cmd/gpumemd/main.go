package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"gpumemd/internal/batch"
	"gpumemd/internal/config"
	"gpumemd/internal/gpu"
	"gpumemd/internal/httpapi"
	"gpumemd/internal/infer"
	"gpumemd/internal/memory"
	"gpumemd/internal/recovery"
	"gpumemd/internal/service"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		cfgPath  string
		logLevel string
	)
	root := &cobra.Command{
		Use:           "gpumemd",
		Short:         "GPU memory pressure governor and inference batcher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to a .toml/.yaml/.json config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring and inference daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, cfgPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return runServe(cfg)
		},
	}
	serve.Flags().String("addr", "", "HTTP listen address, e.g. :8080")
	serve.Flags().Int("devices", 0, "Number of GPU devices to monitor")
	serve.Flags().Int("poll-interval-ms", 0, "Memory poll interval in milliseconds")
	serve.Flags().Float64("warning-pct", 0, "Warning threshold in percent")
	serve.Flags().Float64("critical-pct", 0, "Critical threshold in percent")
	serve.Flags().Float64("emergency-pct", 0, "Emergency threshold in percent")
	serve.Flags().String("profile", "", "Active memory profile name")
	serve.Flags().Int("max-tokens", 0, "Per-batch token budget")
	serve.Flags().Int("flush-interval-ms", 0, "Batcher flush interval in milliseconds")
	serve.Flags().Int("max-queue", 0, "Maximum pending batch requests")
	serve.Flags().Int("bucket-step", 0, "Minimum length bucket size")
	serve.Flags().String("model", "", "Path to a GGUF model (enables the inference engine)")
	serve.Flags().Int("context-size", 0, "Model context size in tokens")
	serve.Flags().Int64("infer-timeout-sec", 0, "Per-request inference timeout in seconds (0 disables)")
	serve.Flags().String("cors-origins", "", "Comma-separated allowed CORS origins (empty disables CORS)")
	root.AddCommand(serve)
	return root
}

// loadConfig reads the optional config file and overlays any flags the user
// set explicitly. Flags win over file values.
func loadConfig(cmd *cobra.Command, path string) (config.Config, error) {
	var cfg config.Config
	if path != "" {
		c, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = c
	}
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Addr, _ = f.GetString("addr")
	}
	if f.Changed("devices") {
		cfg.DeviceCount, _ = f.GetInt("devices")
	}
	if f.Changed("poll-interval-ms") {
		cfg.PollIntervalMS, _ = f.GetInt("poll-interval-ms")
	}
	if f.Changed("warning-pct") {
		cfg.WarningPct, _ = f.GetFloat64("warning-pct")
	}
	if f.Changed("critical-pct") {
		cfg.CriticalPct, _ = f.GetFloat64("critical-pct")
	}
	if f.Changed("emergency-pct") {
		cfg.EmergencyPct, _ = f.GetFloat64("emergency-pct")
	}
	if f.Changed("profile") {
		cfg.DefaultProfile, _ = f.GetString("profile")
	}
	if f.Changed("max-tokens") {
		cfg.MaxTokens, _ = f.GetInt("max-tokens")
	}
	if f.Changed("flush-interval-ms") {
		cfg.FlushIntervalMS, _ = f.GetInt("flush-interval-ms")
	}
	if f.Changed("max-queue") {
		cfg.MaxQueue, _ = f.GetInt("max-queue")
	}
	if f.Changed("bucket-step") {
		cfg.BucketStep, _ = f.GetInt("bucket-step")
	}
	if f.Changed("model") {
		cfg.ModelPath, _ = f.GetString("model")
	}
	if f.Changed("context-size") {
		cfg.ContextSize, _ = f.GetInt("context-size")
	}
	if f.Changed("infer-timeout-sec") {
		cfg.InferTimeoutSec, _ = f.GetInt64("infer-timeout-sec")
	}
	if f.Changed("cors-origins") {
		cfg.CORSOrigins, _ = f.GetString("cors-origins")
	}
	if cfg.Addr == "" {
		if v := os.Getenv("GPUMEMD_ADDR"); v != "" {
			cfg.Addr = v
		} else {
			cfg.Addr = ":8080"
		}
	}
	return cfg, nil
}

func runServe(cfg config.Config) error {
	log := newLogger(cfg.LogLevel)

	// Synthetic stats until a real NVML/DXGI source lands.
	devices := cfg.DeviceCount
	if devices <= 0 {
		devices = 2
	}
	source := gpu.NewSynthetic(devices)

	// The engine is optional; without a model the API still serves memory
	// telemetry and /infer answers 503.
	var eng *infer.Engine
	if cfg.ModelPath != "" {
		ctxSize := cfg.ContextSize
		if ctxSize <= 0 {
			ctxSize = 4096
		}
		e, err := infer.NewEngine(cfg.ModelPath, ctxSize, 0)
		if err != nil {
			log.Warn().Err(err).Str("model", cfg.ModelPath).Msg("engine unavailable, serving without inference")
		} else {
			eng = e
			defer eng.Close()
		}
	}
	var cache infer.CacheClearer = infer.NoopCache{}
	fn := infer.Fn(func(ctx context.Context, batch []infer.Sequence) ([]string, error) {
		return nil, infer.ErrUnavailable("inference engine not loaded")
	})
	if eng != nil {
		cache = eng
		fn = eng.Infer
	}

	rec := recovery.NewManager(log, cache)
	mon := memory.NewMonitor(memory.MonitorConfig{
		Source:       source,
		Recovery:     rec,
		Logger:       log,
		Interval:     time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		WarningPct:   cfg.WarningPct,
		CriticalPct:  cfg.CriticalPct,
		EmergencyPct: cfg.EmergencyPct,
	})
	installProfiles(mon, cfg, log)

	bat := batch.New(fn, batch.Config{
		MaxTokens: cfg.MaxTokens,
		Interval:  time.Duration(cfg.FlushIntervalMS) * time.Millisecond,
		MaxQueue:  cfg.MaxQueue,
		Policy:    batch.Pow2Bucket(cfg.BucketStep),
		Cache:     cache,
		Logger:    log,
	})

	svcCfg := service.Config{Monitor: mon, Batcher: bat}
	if eng != nil {
		svcCfg.Tokenizer = eng
	}
	svc := service.New(svcCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetInferTimeoutSeconds(cfg.InferTimeoutSec)
	if origins := splitCSV(cfg.CORSOrigins); len(origins) > 0 {
		httpapi.SetCORSOptions(true, origins,
			[]string{"GET", "POST", "OPTIONS"},
			[]string{"Accept", "Content-Type", "X-Log-Level"})
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(svc)}

	mon.Start()
	defer mon.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Int("devices", devices).Msg("gpumemd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		return err
	}
	return nil
}

// installProfiles registers the built-in profiles plus any from config, then
// activates the configured one.
func installProfiles(mon *memory.Monitor, cfg config.Config, log zerolog.Logger) {
	for _, p := range memory.DefaultProfiles() {
		mon.RegisterProfile(p)
	}
	for _, pc := range cfg.Profiles {
		if pc.Name == "" {
			continue
		}
		p := memory.NewProfile(pc.Name, pc.BaseMB<<20, pc.PerBatchKB<<10, pc.PerTokenB)
		if pc.GrowthRate > 0 {
			p.GrowthRate = pc.GrowthRate
		}
		if pc.RecoveryBuf > 0 {
			p.RecoveryBuffer = pc.RecoveryBuf
		}
		mon.RegisterProfile(p)
	}
	if cfg.DefaultProfile != "" {
		if !mon.SetActiveProfile(cfg.DefaultProfile) {
			log.Warn().Str("profile", cfg.DefaultProfile).Msg("unknown profile, none activated")
		}
	}
}

func newLogger(level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			lvl = parsed
		}
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// splitCSV splits a comma-separated flag value, trimming whitespace and
// dropping empty entries.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
