// Command codengine-worker consumes execution requests from Kafka,
// runs each through the same Executor the HTTP server uses, and
// publishes the outcome back to the result topic. It shares a config
// file format with codengine-server; only the kafka section matters
// here, though the rest still needs to be valid for sandbox setup.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ohmygodvt95/codengine/internal/audit"
	"github.com/ohmygodvt95/codengine/internal/config"
	"github.com/ohmygodvt95/codengine/internal/executor"
	"github.com/ohmygodvt95/codengine/internal/queue"
	"github.com/ohmygodvt95/codengine/internal/runtime"
	"github.com/ohmygodvt95/codengine/internal/sandboxprobe"
	"github.com/ohmygodvt95/codengine/pkg/db"
	"github.com/ohmygodvt95/codengine/pkg/logger"
	"github.com/ohmygodvt95/codengine/pkg/mq"
)

const defaultConfigPath = "configs/codengine-worker.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return
	}
	if err := logger.Init(cfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.Kafka.Enabled {
		logger.Error(context.Background(), "kafka async path is disabled in config")
		return
	}

	registry := runtime.New(cfg.Sandbox.PackagesRoot, runtime.DefaultLanguages())
	if err := registry.Scan(); err != nil {
		logger.Error(context.Background(), "initial runtime scan failed", zap.Error(err))
		return
	}
	probe := sandboxprobe.New(cfg.Sandbox.SandboxHelperPath, !cfg.Sandbox.UseSandbox, cfg.Sandbox.ProbeTimeoutMS)
	exec := executor.New(registry, probe, cfg.Sandbox)

	var mysqlDB *db.MySQL
	if cfg.Audit.Enabled && cfg.Database.DSN != "" {
		mysqlDB, err = db.Open(cfg.Database)
		if err != nil {
			logger.Error(context.Background(), "init mysql failed", zap.Error(err))
			return
		}
		defer func() { _ = mysqlDB.Close() }()
	}
	auditLogger, err := audit.New(mysqlDB)
	if err != nil {
		logger.Error(context.Background(), "init audit logger failed", zap.Error(err))
		return
	}

	mqCfg := mq.Config{Brokers: cfg.Kafka.Brokers}
	consumer, err := mq.NewConsumer(mqCfg, cfg.Kafka.RequestTopic, cfg.Kafka.ConsumerGroup)
	if err != nil {
		logger.Error(context.Background(), "init kafka consumer failed", zap.Error(err))
		return
	}
	defer func() { _ = consumer.Close() }()

	producer, err := mq.NewProducer(mqCfg, cfg.Kafka.ResultTopic)
	if err != nil {
		logger.Error(context.Background(), "init kafka producer failed", zap.Error(err))
		return
	}
	defer func() { _ = producer.Close() }()

	worker := queue.NewWorker(consumer, producer, exec, auditLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "codengine worker started",
		zap.String("request_topic", cfg.Kafka.RequestTopic), zap.String("result_topic", cfg.Kafka.ResultTopic))
	if err := worker.Run(ctx); err != nil {
		logger.Error(context.Background(), "worker stopped", zap.Error(err))
	}
}
