// pool-statsd is the process entry point for the share-statistics
// pipeline: depending on -role (or role in config), it runs some subset
// of the sharelog writer, the live-stats server, and the parser/
// aggregator server, fronted by the HTTP query API. Grounded on the
// teacher's cmd/tos-pool/main.go flag/config/signal wiring.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tos-network/pool-stats/internal/api"
	"github.com/tos-network/pool-stats/internal/config"
	"github.com/tos-network/pool-stats/internal/kafka"
	"github.com/tos-network/pool-stats/internal/kvstore"
	"github.com/tos-network/pool-stats/internal/livestats"
	"github.com/tos-network/pool-stats/internal/mysqlstore"
	"github.com/tos-network/pool-stats/internal/parserserver"
	"github.com/tos-network/pool-stats/internal/profiling"
	"github.com/tos-network/pool-stats/internal/sharelog"
	"github.com/tos-network/pool-stats/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	role := flag.String("role", "", "Override role: combined, writer, live, parser")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pool-statsd v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *role != "" {
		cfg.Role = config.Role(*role)
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -role override: %v\n", err)
			os.Exit(1)
		}
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("pool-statsd v%s starting in %s role", version, cfg.Role)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		util.Fatalf("failed to create data dir %s: %v", cfg.DataDir, err)
	}

	var mysql *mysqlstore.Store
	if cfg.NeedsMySQL() {
		mysql, err = mysqlstore.Open(cfg.MySQL.DSN, cfg.MySQL.MaxOpenConns)
		if err != nil {
			util.Fatalf("failed to open mysql: %v", err)
		}
	}

	var kv *kvstore.Store
	if cfg.NeedsRedis() {
		kv, err = kvstore.Open(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			cfg.Redis.KeyPrefix, cfg.Redis.KeyExpire, cfg.Redis.PublishPolicy, cfg.Redis.IndexPolicy)
		if err != nil {
			util.Fatalf("failed to open redis: %v", err)
		}
	}

	fetchWaitMax := fetchWaitMaxDuration(cfg)

	var writer *sharelog.Writer
	var writerConsumer *kafka.Consumer
	writerStopCh := make(chan struct{})
	writerDoneCh := make(chan struct{})
	if cfg.NeedsWriter() {
		writer = sharelog.NewWriter(cfg.DataDir)
		go writer.Run()

		writerConsumer = kafka.NewGroupConsumer(cfg.Kafka.Brokers, cfg.Kafka.ShareLogTopic, cfg.Kafka.WriterGroupID, fetchWaitMax)
		go runWriterIngest(writer, writerConsumer, writerStopCh, writerDoneCh)
	}

	var liveServer *livestats.Server
	if cfg.NeedsLive() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		shareConsumer, err := kafka.NewConsumer(ctx, cfg.Kafka.Brokers, cfg.Kafka.ShareLogTopic, 0, cfg.Kafka.ShareLogTailK, fetchWaitMax)
		cancel()
		if err != nil {
			util.Fatalf("failed to open live-stats sharelog consumer: %v", err)
		}

		var eventsConsumer *kafka.Consumer
		if cfg.Kafka.CommonEventsTopic != "" {
			ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
			eventsConsumer, err = kafka.NewConsumer(ctx2, cfg.Kafka.Brokers, cfg.Kafka.CommonEventsTopic, 0, cfg.Kafka.CommonEventsTailK, fetchWaitMax)
			cancel2()
			if err != nil {
				util.Fatalf("failed to open common-events consumer: %v", err)
			}
		}

		liveServer = livestats.NewServer(livestats.Config{
			ShareConsumer:    shareConsumer,
			EventsConsumer:   eventsConsumer,
			MySQL:            mysql,
			KV:               kv,
			RedisConcurrency: cfg.Redis.Concurrency,
			FlushInterval:    cfg.Flush.DBInterval,
			SweepInterval:    cfg.Flush.ExpirySweepInterval,
		})
		liveServer.Start()
	}

	var parserSrv *parserserver.Server
	if cfg.NeedsParser() {
		parserSrv, err = parserserver.NewServer(parserserver.Config{
			DataDir:       cfg.DataDir,
			MySQL:         mysql,
			FlushInterval: cfg.Flush.DBInterval,
			ExpirySweep:   time.Hour,
		})
		if err != nil {
			util.Fatalf("failed to start parser server: %v", err)
		}
		parserSrv.Start()
	}

	var apiServer *api.Server
	if liveServer != nil {
		apiServer = api.NewServer(cfg.HTTPDAddr(), liveServer, parserSrv)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("failed to start api server: %v", err)
		}
	}

	profilingServer := profiling.NewServer(&cfg.Profiling)
	if err := profilingServer.Start(); err != nil {
		util.Fatalf("failed to start profiling server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("pool-statsd started successfully, press Ctrl+C to stop")
	<-sigChan
	util.Info("shutting down...")

	if apiServer != nil {
		apiServer.Stop()
	}
	profilingServer.Stop()
	if parserSrv != nil {
		parserSrv.Stop()
	}
	if liveServer != nil {
		liveServer.Stop()
	}
	if writer != nil {
		close(writerStopCh)
		<-writerDoneCh
		writer.Stop()
		writerConsumer.Close()
	}
	if kv != nil {
		kv.Close()
	}
	if mysql != nil {
		mysql.Close()
	}

	util.Info("pool-statsd stopped")
}

// runWriterIngest feeds the sharelog writer from a dedicated consumer
// group, independent of the live-stats server's own tail-K consumer on
// the same topic, so the writer's progress is never throttled by live
// stats falling behind (spec §2's data-flow fan-out).
func runWriterIngest(w *sharelog.Writer, c *kafka.Consumer, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ctx := context.Background()
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		msg, err := c.Fetch(ctx, 2*time.Second)
		if err != nil {
			var fatal *kafka.ErrFatal
			if errors.As(err, &fatal) {
				util.Fatalf("sharelog writer: fatal consumer error: %v", err)
			}
			util.Warnf("sharelog writer: fetch: %v", err)
			continue
		}
		if msg == nil {
			continue
		}

		rec, err := sharelog.DecodeShare(msg.Value)
		if err != nil {
			util.Warnf("sharelog writer: invalid share payload: %v", err)
			continue
		}
		if !rec.Valid() {
			util.Warnf("sharelog writer: dropping invalid share: %+v", rec)
			continue
		}
		if err := w.Submit(rec); err != nil {
			util.Errorf("sharelog writer: submit failed: %v", err)
			continue
		}

		if err := c.CommitMessages(ctx, *msg); err != nil {
			util.Warnf("sharelog writer: commit offset: %v", err)
		}
	}
}

func fetchWaitMaxDuration(cfg *config.Config) time.Duration {
	ms := cfg.Kafka.FetchWaitMaxMS
	if ms <= 0 {
		ms = 200
	}
	return time.Duration(ms) * time.Millisecond
}
