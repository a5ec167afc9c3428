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

// The outpost command is the master process: it owns the queue, the
// scheduler, the HTTP API and the worker RPC endpoint. Delivery itself
// happens in outpost-worker processes connecting over RPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/outpost-mta/outpost/framework/log"
	"github.com/outpost-mta/outpost/internal/api"
	"github.com/outpost-mta/outpost/internal/blob"
	"github.com/outpost-mta/outpost/internal/config"
	"github.com/outpost-mta/outpost/internal/dsn"
	"github.com/outpost-mta/outpost/internal/hooks"
	"github.com/outpost-mta/outpost/internal/msgid"
	"github.com/outpost-mta/outpost/internal/queue"
	"github.com/outpost-mta/outpost/internal/router"
	"github.com/outpost-mta/outpost/internal/rpc"
	"github.com/outpost-mta/outpost/internal/scheduler"
	"github.com/outpost-mta/outpost/internal/suppress"
)

func main() {
	app := &cli.App{
		Name:  "outpost",
		Usage: "outbound mail relay master process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the config file",
				EnvVars: []string{"OUTPOST_CONFIG"},
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
	logger := log.Logger{Name: "outpost", Out: log.DefaultLogger.Out, Debug: log.DefaultLogger.Debug}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("mongo connect: %w", err)
	}
	defer func() {
		_ = client.Disconnect(context.Background())
	}()
	if err := client.Ping(connectCtx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}
	db := client.Database(cfg.Mongo.Database)

	store := queue.NewMongoStore(db)
	if err := store.EnsureIndexes(connectCtx); err != nil {
		return fmt.Errorf("queue indexes: %w", err)
	}

	var bodies blob.Store
	switch cfg.Blob.Backend {
	case "s3":
		bodies, err = blob.NewS3(cfg.Blob.S3)
		if err != nil {
			return fmt.Errorf("blob store: %w", err)
		}
	default:
		bodies, err = blob.NewGridFS(db)
		if err != nil {
			return fmt.Errorf("blob store: %w", err)
		}
	}

	zoneSet, err := cfg.ZoneSet()
	if err != nil {
		return err
	}

	suppression := suppress.NewMongo(db)
	if err := suppression.Reload(connectCtx); err != nil {
		return fmt.Errorf("suppression load: %w", err)
	}

	reg := &hooks.Registry{}
	rtr := router.New(store, zoneSet, reg)
	ids := msgid.New()

	bouncer := dsn.NewBouncer(rtr, bodies, ids, cfg.Hostname)
	bouncer.Register(reg)

	sched := scheduler.New(store, bodies, zoneSet, suppression, reg, scheduler.Config{
		Instance:     cfg.Instance,
		LockTTL:      cfg.Queue.LockTTL,
		EmptyTTL:     cfg.Queue.EmptyTTL,
		DeleteDelay:  cfg.Queue.DeleteDelay,
		BodyGrace:    cfg.Queue.BodyGrace,
		MaxQueueTime: cfg.Queue.MaxQueueTime,
		DisableGC:    cfg.Queue.DisableGC,
	})

	apiSrv := api.New(store, bodies, rtr, ids, zoneSet)
	apiSrv.Suppression = suppression
	apiSrv.Processed = sched
	apiSrv.Updater = sched

	rpcListener, err := net.Listen("tcp", cfg.RPCListen)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	httpSrv := &http.Server{
		Addr:         cfg.APIListen,
		Handler:      apiSrv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		sched.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		suppression.Run(groupCtx, cfg.Suppression.ReloadInterval)
		return nil
	})
	group.Go(func() error {
		return rpc.NewServer(sched, zoneSet).Serve(groupCtx, rpcListener)
	})
	group.Go(func() error {
		err := httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	logger.Msg("master started",
		"instance", cfg.Instance, "api", cfg.APIListen, "rpc", cfg.RPCListen,
		"blob", cfg.Blob.Backend)
	return group.Wait()
}
