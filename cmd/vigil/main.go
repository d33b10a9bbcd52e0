// vigil is a moderation sidecar for a Mastodon instance: it polls accounts,
// evaluates them against an admin-managed rule set, applies moderation
// actions, and files deduplicated reports.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v2"

	"github.com/mastomod/vigil/mastodon"
	"github.com/mastomod/vigil/store"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "vigil",
		Usage:   "moderation sidecar for a Mastodon instance",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "instance-host",
			Usage:   "base URL of the Mastodon instance (https://...)",
			EnvVars: []string{"INSTANCE_HOST"},
		},
		&cli.StringFlag{
			Name:    "access-token",
			Usage:   "admin-scoped API access token",
			EnvVars: []string{"ACCESS_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/vigil/vigil.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		checkCmd,
	}

	return app.Run(args)
}

var checkCmd = &cli.Command{
	Name:  "check",
	Usage: "verify database, redis, credentials, and instance connectivity, then exit",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL (redis://...); checked when set",
			EnvVars: []string{"REDIS_URL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		db, err := store.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}
		if err := db.Exec("SELECT 1").Error; err != nil {
			return err
		}
		logger.Info("database reachable", "url", cctx.String("database-url"))

		cctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		if redisURL := cctx.String("redis-url"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				return fmt.Errorf("parsing redis url: %w", err)
			}
			rdb := redis.NewClient(opt)
			if _, err := rdb.Ping(cctxTimeout).Result(); err != nil {
				return fmt.Errorf("pinging redis: %w", err)
			}
			logger.Info("redis reachable", "url", redisURL)
		}

		client := mastodon.NewClient(cctx.String("instance-host"), cctx.String("access-token"), nil)

		inst, err := client.GetInstance(cctxTimeout)
		if err != nil {
			return err
		}
		logger.Info("instance reachable", "uri", inst.URI, "version", inst.Version)

		self, err := client.VerifyCredentials(cctxTimeout)
		if err != nil {
			return err
		}
		logger.Info("credentials valid", "acct", self.Acct)
		return nil
	},
}
