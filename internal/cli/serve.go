package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	docrelay "github.com/DocRelay/docrelay-go"
	"github.com/DocRelay/docrelay-go/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run workers and the REST API for the chosen engine",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("engine", "queue", "execution engine: pool | queue | cluster | pipeline")
	serveCmd.Flags().Int("concurrency", 2, "conversions running at once in this process")
	serveCmd.Flags().String("http-addr", ":8080", "REST API listen address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("kafka-topic", "convert", "Kafka topic for task announcements")
	serveCmd.Flags().String("kafka-group", "docrelay-workers", "Kafka consumer group")
	serveCmd.Flags().String("runner-url", "http://localhost:8265", "pipeline runner API root")
	bindFlag("engine", serveCmd.Flags(), "engine")
	bindFlag("concurrency", serveCmd.Flags(), "concurrency")
	bindFlag("http_addr", serveCmd.Flags(), "http-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("kafka_topic", serveCmd.Flags(), "kafka-topic")
	bindFlag("kafka_group", serveCmd.Flags(), "kafka-group")
	bindFlag("runner_url", serveCmd.Flags(), "runner-url")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := Load(viper.GetViper())
	zl, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	log := docrelay.NewZapLogger(zl)

	rdb := newRedis(cfg)
	defer func() { _ = rdb.Close() }()
	source := docrelay.NewRedisStore(rdb, cfg.SourceStore)
	target := docrelay.NewRedisStore(rdb, cfg.TargetStore)

	cache := docrelay.NewConverterCache(docrelay.CacheConfig{Logger: log})
	exec := docrelay.ExecConfig{
		Cache:  cache,
		Build:  relayBuilder,
		Source: source,
		Target: target,
		Logger: log,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	orch, err := buildEngine(runCtx, cfg, rdb, target, exec, log, zl)
	if err != nil {
		return err
	}
	defer orch.Stop()

	api, err := httpapi.NewServer(httpapi.Config{
		Orchestrator: orch,
		Source:       source,
		Target:       target,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		zl.Info("http api starting", zap.String("addr", srv.Addr), zap.String("engine", cfg.Engine))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("http server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	<-quit
	zl.Info("shutting down")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		zl.Error("http shutdown error", zap.Error(err))
	}
	zl.Info("stopped")
	return nil
}

// buildEngine wires the orchestrator named by the configuration. The cluster
// engine additionally runs an in-process worker so a single binary forms a
// complete deployment.
func buildEngine(ctx context.Context, cfg Config, rdb redis.UniversalClient, target docrelay.ObjectStore, exec docrelay.ExecConfig, log docrelay.Logger, zl *zap.Logger) (docrelay.Orchestrator, error) {
	switch cfg.Engine {
	case "", "queue":
		return docrelay.NewQueueEngine(docrelay.QueueConfig{
			Redis:       rdb,
			Queue:       cfg.Queue,
			Concurrency: cfg.Concurrency,
			Exec:        exec,
			Logger:      log,
		})
	case "pool":
		return docrelay.NewPoolEngine(docrelay.PoolConfig{
			Workers: cfg.Concurrency,
			Exec:    exec,
			Logger:  log,
		}), nil
	case "cluster":
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		store := docrelay.NewRedisTaskStore(rdb, 0)
		dispatcher, err := docrelay.NewSaramaDispatcher(brokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		engine, err := docrelay.NewClusterEngine(docrelay.ClusterConfig{
			Dispatcher: dispatcher,
			Queue:      cfg.Queue,
			Store:      store,
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		worker, err := docrelay.NewClusterWorker(docrelay.ClusterWorkerConfig{
			Brokers:     brokers,
			Group:       cfg.KafkaGroup,
			Topic:       cfg.KafkaTopic,
			Concurrency: cfg.Concurrency,
			Store:       store,
			Exec:        exec,
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
		go func() {
			if err := worker.Run(ctx); err != nil {
				zl.Error("cluster worker stopped", zap.Error(err))
			}
			_ = worker.Close()
		}()
		return engine, nil
	case "pipeline":
		return docrelay.NewPipelineEngine(docrelay.PipelineConfig{
			BaseURL: cfg.RunnerURL,
			Queue:   cfg.Queue,
			Target:  target,
			Logger:  log,
		})
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}

// relayBuilder returns a converter that copies source bytes to one target key
// per export format. Deployments embed the library and register a real
// document converter; this one keeps the binary runnable end to end.
func relayBuilder(opts docrelay.ConvertOptions) (docrelay.Converter, error) {
	formats := opts.ToFormats
	if len(formats) == 0 {
		formats = []string{"json"}
	}
	return docrelay.ConverterFunc(func(ctx context.Context, in docrelay.Input, target docrelay.ObjectStore, targetPrefix string) (docrelay.Output, error) {
		data, err := in.SourceStore.Get(ctx, in.Key)
		if err != nil {
			return docrelay.Output{}, err
		}
		var out docrelay.Output
		for _, format := range formats {
			key := docrelay.OutputKey(targetPrefix, in.SourcePrefix, format, in.Key)
			if err := target.Put(ctx, key, data); err != nil {
				return docrelay.Output{}, err
			}
			out.Keys = append(out.Keys, key)
		}
		return out, nil
	}), nil
}
