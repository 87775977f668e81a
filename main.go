package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deemkeen/fedletic/activitypub"
	"github.com/deemkeen/fedletic/cache"
	"github.com/deemkeen/fedletic/db"
	"github.com/deemkeen/fedletic/domain"
	"github.com/deemkeen/fedletic/events"
	"github.com/deemkeen/fedletic/logging"
	"github.com/deemkeen/fedletic/telemetry"
	"github.com/deemkeen/fedletic/util"
	"github.com/deemkeen/fedletic/web"
	"github.com/deemkeen/fedletic/workouts"
)

func main() {
	createActor := flag.String("create-actor", "", "register a local actor with this username and exit")
	displayName := flag.String("display-name", "", "display name for -create-actor")
	follow := flag.String("follow", "", "queue a Follow of this handle or actor URL (needs -as) and exit")
	unfollow := flag.String("unfollow", "", "queue an Undo of the follow of this handle or actor URL (needs -as) and exit")
	as := flag.String("as", "", "local username acting for -follow and -unfollow")
	flag.Parse()

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	if err := logging.InitLogger(conf.Conf.LogLevel, conf.Conf.LogFormat); err != nil {
		log.Fatalln(err)
	}
	defer logging.Sync()
	logger := logging.GetLogger()

	logger.Info("Starting "+util.GetNameAndVersion(), zap.String("domain", conf.Conf.SslDomain))

	if err := conf.ResolveDataPaths(); err != nil {
		logger.Fatal("Failed to prepare data directories", zap.Error(err))
	}

	database, err := db.Open(conf.Conf.DatabasePath)
	if err != nil {
		logger.Fatal("Failed to open database", zap.String("path", conf.Conf.DatabasePath), zap.Error(err))
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *createActor != "" {
		actor, err := activitypub.CreateLocalActor(ctx, database, conf, *createActor, *displayName)
		if err != nil {
			logger.Fatal("Failed to create actor", zap.String("username", *createActor), zap.Error(err))
		}
		fmt.Printf("Created %s (%s)\n", actor.Webfinger, actor.ActorURL)
		return
	}

	tel, err := telemetry.Init(telemetry.Config{
		Enabled:     conf.Conf.MetricsEnabled,
		ServiceName: util.Name,
		Version:     util.GetVersion(),
	})
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer tel.Shutdown(context.Background())

	var actorCache cache.ActorCache = cache.NewMemory(conf.Conf.ActorCacheTtl)
	redisCache, err := cache.NewRedis(conf.Conf.RedisUrl, conf.Conf.ActorCacheTtl)
	if err != nil {
		logger.Warn("Falling back to in-memory actor cache", zap.Error(err))
	} else if redisCache != nil {
		defer redisCache.Close()
		actorCache = redisCache
	}

	client := activitypub.NewHTTPClient(conf.Conf.HttpTimeout)
	dir := activitypub.NewDirectory(database, actorCache, client, conf)
	bus := events.NewBus()

	worker := activitypub.NewWorker(database, conf)
	processor := activitypub.NewProcessor(database, bus, conf)
	publisher := activitypub.NewPublisher(database, dir, client, conf, worker.Wake)
	inbox := activitypub.NewInbox(database, activitypub.NewVerifier(dir, conf.Conf.SignatureMaxSkew), worker.Wake)
	worker.Handle(domain.TaskProcess, processor.HandleTask)
	worker.Handle(domain.TaskPublish, publisher.HandleTask)

	if *follow != "" || *unfollow != "" {
		if err := runFollowCommand(ctx, dir, publisher, *as, *follow, *unfollow); err != nil {
			logger.Fatal("Follow command failed", zap.Error(err))
		}
		return
	}

	if _, err := workouts.NewService(database, publisher, conf).Register(bus); err != nil {
		logger.Fatal("Failed to register workout listener", zap.Error(err))
	}

	metrics := tel.Handler()
	if !tel.Enabled() {
		metrics = nil
	}
	server := web.NewServer(conf, database, dir, inbox, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return
	}
	logger.Info("Shut down cleanly")
}

// runFollowCommand queues a Follow or an Undo for the next server run to deliver.
func runFollowCommand(ctx context.Context, dir *activitypub.Directory, publisher *activitypub.Publisher, as, follow, unfollow string) error {
	if as == "" {
		return fmt.Errorf("-as is required")
	}
	local, err := dir.ResolveLocal(ctx, as)
	if err != nil {
		return err
	}

	if follow != "" {
		activity, err := publisher.Follow(ctx, local, follow)
		if err != nil {
			return err
		}
		fmt.Printf("Queued %s\n", activity.ID)
	}
	if unfollow != "" {
		activity, err := publisher.Unfollow(ctx, local, unfollow)
		if err != nil {
			return err
		}
		fmt.Printf("Queued %s\n", activity.ID)
	}
	return nil
}
