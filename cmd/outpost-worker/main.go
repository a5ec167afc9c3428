/*
Outpost MTA - queue-first outbound mail relay.
Copyright © 2024 The Outpost MTA Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// The outpost-worker command drives SMTP deliveries for one sending
// zone. It claims deliveries from the master over RPC, runs the
// resolve/dial/send pipeline and reports RELEASE, DEFER or BOUNCE.
// The master respawns the connection state on disconnect, so the worker
// may be restarted at any point without losing mail.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/outpost-mta/outpost/framework/dns"
	"github.com/outpost-mta/outpost/framework/log"
	"github.com/outpost-mta/outpost/internal/blob"
	"github.com/outpost-mta/outpost/internal/config"
	"github.com/outpost-mta/outpost/internal/hooks"
	"github.com/outpost-mta/outpost/internal/msgid"
	"github.com/outpost-mta/outpost/internal/rpc"
	"github.com/outpost-mta/outpost/internal/smtpout"
	"github.com/outpost-mta/outpost/internal/smtpout/dial"
	"github.com/outpost-mta/outpost/internal/smtpout/resolve"
	"github.com/outpost-mta/outpost/internal/ttlcache"
)

// How long one delivery attempt may take end to end (resolve, dial and
// the SMTP transaction). Well below the master's lock TTL.
const attemptTimeout = 10 * time.Minute

func main() {
	app := &cli.App{
		Name:  "outpost-worker",
		Usage: "outbound delivery worker for one sending zone",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the config file",
				EnvVars: []string{"OUTPOST_CONFIG"},
			},
			&cli.StringFlag{
				Name:     "zone",
				Usage:    "sending zone to deliver for",
				Required: true,
				EnvVars:  []string{"OUTPOST_ZONE"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("fatal", err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return err
	}
	if cliCtx.Bool("debug") || cfg.Debug {
		log.DefaultLogger.Debug = true
	}
	logger := log.Logger{Name: "worker", Out: log.DefaultLogger.Out, Debug: log.DefaultLogger.Debug}

	zoneSet, err := cfg.ZoneSet()
	if err != nil {
		return err
	}
	zoneName := cliCtx.String("zone")
	zone, ok := zoneSet.Zone(zoneName)
	if !ok {
		return fmt.Errorf("unknown zone %q", zoneName)
	}
	if cfg.DNS.PreferIPv6 {
		zone.PreferIPv6 = true
	}
	deny, err := cfg.DNS.DenyNets()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bodies, cleanup, err := openBodies(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	var inner dns.Resolver
	if len(cfg.DNS.Nameservers) > 0 {
		inner = dns.NewServerResolver(cfg.DNS.Nameservers)
	} else {
		inner = dns.DefaultResolver()
	}

	dialer := dial.New(&hooks.Registry{}, ttlcache.New())
	dialer.Domains = zoneSet

	courier := &smtpout.Courier{
		Resolver: resolve.New(dns.NewCachingResolver(inner, cfg.DNS.CacheSize, cfg.DNS.CacheTTL)),
		Dialer:   dialer,
		Sender: &smtpout.SMTPSender{
			Hostname:          cfg.Hostname,
			CommandTimeout:    2 * time.Minute,
			SubmissionTimeout: attemptTimeout,
		},
		Bodies:     bodies,
		Zone:       zone,
		Deny:       deny,
		IgnoreIPv6: cfg.DNS.IgnoreIPv6,
		Log:        log.Logger{Name: "smtpout", Out: logger.Out, Debug: logger.Debug},
	}

	holder := fmt.Sprintf("%s/%s/%d-%s", cfg.Instance, zoneName, os.Getpid(), msgid.New().Short())
	logger.Msg("worker started",
		"zone", zoneName, "holder", holder,
		"sessions", zone.Connections, "master", cfg.RPCListen)

	for ctx.Err() == nil {
		client, err := rpc.Dial(ctx, cfg.RPCListen, zoneName, holder)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("cannot reach master, retrying", err, "addr", cfg.RPCListen)
			sleep(ctx, 5*time.Second)
			continue
		}

		err = runSessions(ctx, client, zone.Connections, courier, logger)
		client.Close()
		if ctx.Err() == nil {
			logger.Error("connection to master lost, reconnecting", err)
			sleep(ctx, time.Second)
		}
	}
	return nil
}

func openBodies(ctx context.Context, cfg *config.Config) (blob.Store, func(), error) {
	if cfg.Blob.Backend == "s3" {
		bodies, err := blob.NewS3(cfg.Blob.S3)
		if err != nil {
			return nil, nil, fmt.Errorf("blob store: %w", err)
		}
		return bodies, func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	bodies, err := blob.NewGridFS(client.Database(cfg.Mongo.Database))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("blob store: %w", err)
	}
	return bodies, func() {
		_ = client.Disconnect(context.Background())
	}, nil
}

// runSessions drives zone.Connections concurrent delivery loops over one
// shared RPC connection. Returns when the connection breaks or the
// context is canceled.
func runSessions(ctx context.Context, client *rpc.Client, sessions int, courier *smtpout.Courier, logger log.Logger) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < sessions; i++ {
		group.Go(func() error {
			return session(groupCtx, client, courier, logger)
		})
	}
	return group.Wait()
}

func session(ctx context.Context, client *rpc.Client, courier *smtpout.Courier, logger log.Logger) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		d, err := client.Get(ctx)
		if err != nil {
			return err
		}
		if d == nil {
			sleep(ctx, time.Second)
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		deliverErr := courier.Deliver(attemptCtx, d)
		cancel()

		if deliverErr == nil {
			if err := client.Release(ctx, d); err != nil {
				return err
			}
			continue
		}

		response, temporary := smtpout.Classify(deliverErr)
		if temporary {
			attempt := d.DeferCount + 1
			logLine := fmt.Sprintf("attempt %d failed: %s", attempt, response)
			logger.Msg("delivery deferred",
				"id", d.ID, "seq", d.Seq, "recipient", d.Recipient, "response", response)
			if err := client.Defer(ctx, d, smtpout.RetryDelay(attempt), response, logLine, courier.NewMarks(d)); err != nil {
				return err
			}
			continue
		}

		logger.Msg("delivery failed permanently",
			"id", d.ID, "seq", d.Seq, "recipient", d.Recipient, "response", response)
		if err := client.Bounce(ctx, d, response); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
