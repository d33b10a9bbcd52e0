package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v2"

	"github.com/mastomod/vigil/detect"
	"github.com/mastomod/vigil/enforce"
	"github.com/mastomod/vigil/mastodon"
	"github.com/mastomod/vigil/queue"
	"github.com/mastomod/vigil/rules"
	"github.com/mastomod/vigil/scanner"
	"github.com/mastomod/vigil/store"
	"github.com/mastomod/vigil/webhooks"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the sidecar",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for shared rate limits, rule cache, and webhook dedupe",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for webhook and admin APIs",
			Value:   ":8080",
			EnvVars: []string{"VIGIL_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics",
			Value:   ":8081",
			EnvVars: []string{"VIGIL_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token protecting the admin API; unset disables it",
			EnvVars: []string{"ADMIN_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "webhook-secret",
			Usage:   "HMAC secret for inbound webhook verification; unset disables intake",
			EnvVars: []string{"WEBHOOK_SECRET"},
		},
		&cli.StringFlag{
			Name:    "signature-header",
			Value:   webhooks.DefaultSignatureHeader,
			EnvVars: []string{"WEBHOOK_SIGNATURE_HEADER"},
		},
		&cli.StringFlag{
			Name:    "policy-version",
			Usage:   "opaque label for the current moderation policy, part of report dedupe keys",
			Value:   "v1",
			EnvVars: []string{"POLICY_VERSION"},
		},
		&cli.IntFlag{
			Name:    "batch-size",
			Usage:   "accounts per admin listing page",
			Value:   50,
			EnvVars: []string{"BATCH_SIZE"},
		},
		&cli.IntFlag{
			Name:    "max-pages-per-poll",
			Value:   10,
			EnvVars: []string{"MAX_PAGES_PER_POLL"},
		},
		&cli.IntFlag{
			Name:    "max-statuses",
			Usage:   "recent statuses fetched per account scan",
			Value:   40,
			EnvVars: []string{"MAX_STATUSES"},
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "parallel job handlers",
			Value:   4,
			EnvVars: []string{"VIGIL_WORKERS"},
		},
		&cli.DurationFlag{
			Name:    "poll-local-interval",
			Value:   3 * time.Minute,
			EnvVars: []string{"POLL_LOCAL_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "poll-remote-interval",
			Value:   5 * time.Minute,
			EnvVars: []string{"POLL_REMOTE_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "federated-sweep-interval",
			Value:   24 * time.Hour,
			EnvVars: []string{"FEDERATED_SWEEP_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "report-category",
			Value:   mastodon.ReportCategorySpam,
			EnvVars: []string{"REPORT_CATEGORY"},
		},
		&cli.BoolFlag{
			Name:    "forward-remote-reports",
			Usage:   "forward reports about remote accounts to their home instance",
			EnvVars: []string{"FORWARD_REMOTE_REPORTS"},
		},
	},
	Action: runServer,
}

func runServer(cctx *cli.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if cctx.String("instance-host") == "" || cctx.String("access-token") == "" {
		return fmt.Errorf("instance-host and access-token are required")
	}

	db, err := store.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return err
	}
	if err := store.Migrate(db); err != nil {
		return err
	}
	st := store.NewStore(db)

	var rdb *redis.Client
	var limits mastodon.RateLimitStore
	var dedupe webhooks.DedupeStore
	if redisURL := cctx.String("redis-url"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("parsing redis-url: %w", err)
		}
		rdb = redis.NewClient(opt)
		if _, err := rdb.Ping(cctx.Context).Result(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		limits = &mastodon.RedisRateLimitStore{Client: rdb}
		dedupe = webhooks.NewRedisDedupeStore(rdb)
	} else {
		logger.Warn("no redis-url configured; rate limits and caches are process-local")
	}

	client := mastodon.NewClient(cctx.String("instance-host"), cctx.String("access-token"), limits)
	if inst, err := client.GetInstance(cctx.Context); err != nil {
		logger.Warn("could not fetch instance info", "err", err)
	} else {
		logger.Info("connected to instance", "uri", inst.URI, "version", inst.Version)
	}

	ruleCache := rules.NewCache(st, rules.DefaultTTL, rdb)
	ruleSvc := rules.NewService(st, ruleCache)
	engine := detect.NewEngine(ruleCache, st)
	enforcer := enforce.NewEnforcer(client, st, cctx.String("policy-version"))

	jobs := queue.NewQueue(db)
	if err := jobs.Migrate(); err != nil {
		return err
	}

	sc := scanner.NewScanner(st, client, engine, ruleCache, jobs, scanner.Config{
		BatchSize:          cctx.Int("batch-size"),
		MaxPagesPerPoll:    cctx.Int("max-pages-per-poll"),
		MaxStatusesToFetch: cctx.Int("max-statuses"),
	})
	pipeline := scanner.NewPipeline(sc, enforcer, cctx.String("report-category"), cctx.Bool("forward-remote-reports"))
	registerHandlers(jobs, sc, pipeline, enforcer)

	sched := queue.NewScheduler(jobs, queue.Intervals{
		PollLocal:      cctx.Duration("poll-local-interval"),
		PollRemote:     cctx.Duration("poll-remote-interval"),
		FederatedSweep: cctx.Duration("federated-sweep-interval"),
	})

	srv := webhooks.NewServer(st, ruleSvc, jobs, dedupe, webhooks.Config{
		Bind:            cctx.String("bind"),
		WebhookSecret:   cctx.String("webhook-secret"),
		SignatureHeader: cctx.String("signature-header"),
		AdminToken:      cctx.String("admin-token"),
	})

	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	errCh := make(chan error, 4)
	go func() {
		errCh <- jobs.Run(ctx, cctx.Int("workers"))
	}()
	go func() {
		errCh <- sched.Run(ctx)
	}()
	go func() {
		errCh <- srv.RunAPI()
	}()
	go func() {
		if err := runMetrics(cctx.String("metrics-listen")); err != nil {
			errCh <- err
		}
	}()

	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("vigil running", "bind", cctx.String("bind"), "instance", cctx.String("instance-host"))
	select {
	case sig := <-exitSignals:
		logger.Info("received OS exit signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Error("subsystem failed, shutting down", "err", err)
		}
	}

	cancel()
	if err := srv.Shutdown(); err != nil {
		logger.Error("HTTP server shutdown error", "err", err)
	}
	return nil
}

// jsonHandler adapts a typed pipeline method into a queue handler. Payloads
// that do not decode are terminal; API errors that will never succeed on
// retry are terminal too.
func jsonHandler[T any](fn func(context.Context, T) error) queue.HandlerFunc {
	return func(ctx context.Context, payload []byte) error {
		var p T
		if err := json.Unmarshal(payload, &p); err != nil {
			return queue.Terminal(fmt.Errorf("decoding payload: %w", err))
		}
		if err := fn(ctx, p); err != nil {
			if mastodon.IsTerminal(err) {
				return queue.Terminal(err)
			}
			return err
		}
		return nil
	}
}

func registerHandlers(jobs *queue.Queue, sc *scanner.Scanner, pipeline *scanner.Pipeline, enforcer *enforce.Enforcer) {
	jobs.Register(scanner.JobPollAccounts, jsonHandler(func(ctx context.Context, p scanner.PollPayload) error {
		return sc.PollAccounts(ctx, p.Origin)
	}))
	jobs.Register(scanner.JobAnalyzeAccount, jsonHandler(func(ctx context.Context, p scanner.AnalyzePayload) error {
		_, err := pipeline.AnalyzeAndMaybeReport(ctx, p)
		return err
	}))
	jobs.Register(scanner.JobProcessNewStatus, jsonHandler(pipeline.ProcessNewStatus))
	jobs.Register(scanner.JobProcessNewReport, jsonHandler(pipeline.ProcessNewReport))
	jobs.Register(scanner.JobFederatedSweep, jsonHandler(func(ctx context.Context, p scanner.SweepPayload) error {
		return sc.FederatedSweep(ctx, p.Domains)
	}))
	jobs.Register(scanner.JobDomainCheck, jsonHandler(func(ctx context.Context, _ struct{}) error {
		return sc.CheckDomainViolations(ctx)
	}))
	jobs.Register(scanner.JobReverseExpired, jsonHandler(func(ctx context.Context, _ struct{}) error {
		_, err := enforcer.ReverseExpired(ctx, time.Now())
		return err
	}))
	jobs.Register(scanner.JobFlagStaleScans, jsonHandler(func(ctx context.Context, _ struct{}) error {
		return sc.FlagStaleScans(ctx)
	}))
}
