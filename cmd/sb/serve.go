package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/alert"
	"github.com/zulandar/switchboard/internal/command"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/consumer"
	"github.com/zulandar/switchboard/internal/correlator"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/registry"
	"github.com/zulandar/switchboard/internal/session"
	"github.com/zulandar/switchboard/internal/status"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the controller: consume worker responses, serve status",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd, cfg)
		},
	}
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Queue.Backend != config.QueueBackendMemory {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	commands, err := queue.New(cfg.Queue, rdb, "commands")
	if err != nil {
		return err
	}
	results, err := queue.New(cfg.Queue, rdb, "results")
	if err != nil {
		return err
	}

	sessions, err := session.NewStore(gormDB)
	if err != nil {
		return err
	}
	reg, err := registry.NewRegistry(registry.RegistryOpts{
		DB:               gormDB,
		HeartbeatTimeout: time.Duration(cfg.Workers.HeartbeatTimeoutSec) * time.Second,
	})
	if err != nil {
		return err
	}
	dispatcher, err := command.NewDispatcher(command.DispatcherOpts{
		Resolver: reg,
		Commands: commands,
		Out:      out,
	})
	if err != nil {
		return err
	}
	notifier, err := notify.NewNotifier(notify.NotifierOpts{
		Sessions:   sessions,
		Dispatcher: dispatcher,
	})
	if err != nil {
		return err
	}
	if err := notifier.Start(); err != nil {
		return err
	}
	defer notifier.Stop()

	corr, err := correlator.New(correlator.CorrelatorOpts{
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Errors:     notifier,
		Out:        out,
	})
	if err != nil {
		return err
	}

	alerts, err := alert.NewMulti(cfg.Alerts)
	if err != nil {
		return err
	}

	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 1m", func() {
		if n, err := sessions.FailExpired(); err != nil {
			log.Printf("serve: session sweep: %v", err)
		} else if n > 0 {
			fmt.Fprintf(out, "Swept %d expired sessions\n", n)
		}
	}); err != nil {
		return fmt.Errorf("serve: schedule session sweep: %w", err)
	}
	if _, err := sweeper.AddFunc("@every 1m", func() {
		sweepStaleWorkers(ctx, reg, alerts, out)
	}); err != nil {
		return fmt.Errorf("serve: schedule worker sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	runner, err := consumer.NewRunner(consumer.RunnerOpts{
		Queue:          results,
		Handler:        resultHandler(corr),
		PollInterval:   time.Duration(cfg.Queue.PollIntervalSec) * time.Second,
		MaxConcurrency: cfg.Queue.MaxConcurrency,
		Out:            out,
		OnDrop: func(msg queue.Message, err error) {
			alerts.Alert(ctx, "Result dropped",
				fmt.Sprintf("A worker result for partition %q exhausted its retries: %v", msg.Key, err))
		},
	})
	if err != nil {
		return err
	}

	go func() {
		if err := status.Start(ctx, status.StartOpts{
			DB:       gormDB,
			Registry: reg,
			Port:     cfg.Status.Port,
			Out:      out,
		}); err != nil {
			log.Printf("serve: status server: %v", err)
		}
	}()

	fmt.Fprintf(out, "Switchboard serving (queue backend %s)\n", cfg.Queue.Backend)
	return runner.Run(ctx)
}

// resultHandler decodes a queued worker response and hands it to the
// correlator.
func resultHandler(corr *correlator.Correlator) consumer.Handler {
	return func(ctx context.Context, msg queue.Message) error {
		var resp command.Response
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			// Malformed payloads never become processable; drop, don't retry.
			log.Printf("serve: undecodable result payload: %v", err)
			return nil
		}
		return corr.Handle(ctx, resp)
	}
}

// sweepStaleWorkers marks lapsed workers offline and raises an alert.
func sweepStaleWorkers(ctx context.Context, reg *registry.Registry, alerts *alert.Multi, out io.Writer) {
	stale, err := reg.Stale()
	if err != nil {
		log.Printf("serve: stale workers: %v", err)
		return
	}
	for _, w := range stale {
		fmt.Fprintf(out, "Worker %d stale (last heartbeat %s), marking offline\n",
			w.BotUserID, w.LastHeartbeat.Format(time.RFC3339))
		if err := reg.MarkOffline(w.BotUserID); err != nil {
			log.Printf("serve: mark offline %d: %v", w.BotUserID, err)
			continue
		}
		alerts.Alert(ctx, "Worker offline",
			fmt.Sprintf("Worker for account %d missed its heartbeat and was marked offline.", w.BotUserID))
	}
}
