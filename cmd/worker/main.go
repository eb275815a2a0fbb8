package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/receipt-forensics/internal/config"
	"github.com/Brownie44l1/receipt-forensics/internal/forensics"
	"github.com/Brownie44l1/receipt-forensics/internal/handlers"
	"github.com/Brownie44l1/receipt-forensics/internal/metrics"
	"github.com/Brownie44l1/receipt-forensics/internal/model"
	"github.com/Brownie44l1/receipt-forensics/internal/protocol"
	"github.com/Brownie44l1/receipt-forensics/internal/verdict"
	"github.com/Brownie44l1/receipt-forensics/internal/worker"
)

func main() {
	configFile := flag.String("config", "", "optional YAML config file")
	envFile := flag.String("env", ".env", "optional .env file")
	modelDir := flag.String("model-dir", "", "directory holding cnn_<name>.onnx and xgb_<name>.onnx")
	reviewThreshold := flag.Float64("review-threshold", -1, "confidence below which results are flagged for review")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := loadConfig(*configFile, *envFile, *modelDir, *reviewThreshold)
	if err != nil {
		reportFatal(os.Stdout, log, err)
		log.WithError(err).Fatal("invalid configuration")
	}
	configureLogger(log, cfg)
	entry := logrus.NewEntry(log)

	var collector *metrics.Collector
	if cfg.MetricsAddr != "" {
		collector = metrics.NewCollector("")
		serveMetrics(cfg.MetricsAddr, collector, entry)
	}

	var registry atomic.Pointer[model.Registry]
	load := func(ctx context.Context) (worker.Handler, error) {
		entry.WithFields(logrus.Fields{
			"model_dir": cfg.ModelDir,
			"models":    len(cfg.Models),
		}).Info("loading models")

		reg, err := model.Load(model.LoadOptions{
			Dir:         cfg.ModelDir,
			LibraryPath: cfg.OrtLibrary,
			Models:      cfg.Models,
		})
		if err != nil {
			return nil, err
		}
		registry.Store(reg)
		for _, name := range reg.Names() {
			entry.WithField("model", name).Info("model loaded")
		}

		var orchestrator *forensics.Orchestrator
		if cfg.ForensicsEnabled {
			orchestrator = forensics.NewDefault(cfg.Forensics, entry)
		}

		return handlers.NewHandler(handlers.Options{
			Scorer:              model.NewScorer(reg, cfg.ReviewThreshold, cfg.ParallelInference),
			Forensics:           orchestrator,
			Aggregator:          verdict.New(cfg.Policy),
			FallbackToForensics: cfg.ForensicsFallback,
			MaxImageBytes:       cfg.MaxImageBytes,
			MaxImagePixels:      cfg.MaxImagePixels,
			CacheSize:           cfg.CacheSize,
			Metrics:             collector,
			Log:                 entry,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.New(worker.Options{
		Load:           load,
		StartupTimeout: cfg.StartupTimeout,
		MaxLineBytes:   cfg.MaxLineBytes,
		Metrics:        collector,
		Log:            entry,
	})
	err = w.Run(ctx, os.Stdin, os.Stdout)
	if reg := registry.Load(); reg != nil {
		reg.Close()
	}
	if err != nil {
		entry.WithError(err).Error("worker stopped with error")
		os.Exit(1)
	}
}

func loadConfig(configFile, envFile, modelDir string, reviewThreshold float64) (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadEnv(envFile); err != nil {
		return nil, err
	}
	if modelDir != "" {
		cfg.ModelDir = modelDir
	}
	if reviewThreshold >= 0 {
		cfg.ReviewThreshold = reviewThreshold
	}
	return cfg, cfg.Validate()
}

// reportFatal writes the fatal startup line. stdout belongs to the caller,
// so config errors are reported like any other startup failure.
func reportFatal(out io.Writer, log logrus.FieldLogger, err error) {
	if werr := protocol.NewWriter(out).Write(protocol.NewFatal(err)); werr != nil {
		log.WithError(werr).Error("failed to report startup failure")
	}
}

func configureLogger(log *logrus.Logger, cfg *config.Config) {
	if cfg.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("log_level", cfg.LogLevel).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}

func serveMetrics(addr string, collector *metrics.Collector, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	go func() {
		log.WithField("addr", addr).Info("metrics listener starting")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Error("metrics listener stopped")
		}
	}()
}
