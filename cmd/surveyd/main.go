// Command surveyd runs the respondent runtime: the HTTP surface, the
// outbox relay and the background sweepers, wired over MongoDB, Redis
// and Pulse.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"canvass.dev/canvass/api"
	cacheredis "canvass.dev/canvass/features/cache/redis"
	respondmongo "canvass.dev/canvass/features/respond/mongo"
	pulsebus "canvass.dev/canvass/features/stream/pulse"
	clientspulse "canvass.dev/canvass/features/stream/pulse/clients/pulse"
	surveymongo "canvass.dev/canvass/features/survey/mongo"
	"canvass.dev/canvass/runtime/outbox"
	"canvass.dev/canvass/runtime/quota"
	"canvass.dev/canvass/runtime/respond"
	"canvass.dev/canvass/runtime/settings"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		addrF   = flag.String("http-addr", "", "HTTP listen address (overrides config)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "failed to load configuration")
	}
	if *addrF != "" {
		cfg.HTTP.Addr = *addrF
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTP.Addr},
		log.KV{K: "mongo-db", V: cfg.Mongo.Database})

	// Backend clients.
	connCtx, cancelConn := context.WithTimeout(ctx, 10*time.Second)
	mongoClient, err := mongo.Connect(connCtx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	cancelConn()
	if err != nil {
		log.Fatalf(ctx, err, "failed to connect to MongoDB")
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Stores.
	surveys, err := surveymongo.New(surveymongo.Options{
		Client:   mongoClient,
		Database: cfg.Mongo.Database,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build survey store")
	}
	sessions, err := respondmongo.New(respondmongo.Options{
		Client:   mongoClient,
		Database: cfg.Mongo.Database,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build session store")
	}

	// Domain services.
	quotaMgr, err := quota.NewManager(quota.ManagerOptions{Store: sessions})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build quota manager")
	}
	ctrl, err := respond.NewController(respond.ControllerOptions{
		Surveys:  surveys,
		Sessions: sessions,
		Quota:    quotaMgr,
		Settings: settings.NewEngine(nil),
		Notifier: logNotifier{},
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build session controller")
	}

	// Event pipeline: outbox relay → Pulse bus, Redis hot counters.
	pulseClient, err := clientspulse.New(clientspulse.Options{Redis: redisClient})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build pulse client")
	}
	bus, err := pulsebus.NewBus(pulsebus.BusOptions{Client: pulseClient})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build event bus")
	}
	recorder, err := cacheredis.NewRecorder(cacheredis.Options{Redis: redisClient})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build cache recorder")
	}
	relay, err := outbox.NewRelay(outbox.RelayOptions{
		Store:        sessions,
		Bus:          bus,
		Cache:        recorder,
		PollInterval: cfg.Relay.PollInterval.Std(),
		BatchSize:    cfg.Relay.BatchSize,
		PublishRate:  rate.Limit(cfg.Relay.PublishRate),
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build outbox relay")
	}

	srv, err := api.New(api.Options{
		Controller: ctrl,
		Pingers: []health.Pinger{
			surveys,
			sessions,
			redisPinger{client: redisClient},
		},
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build http server")
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	if err := relay.Start(ctx); err != nil {
		log.Fatalf(ctx, err, "failed to start outbox relay")
	}
	startSweepers(ctx, &wg, cfg.Sweep, quotaMgr, ctrl)
	handleHTTPServer(ctx, cfg.HTTP.Addr, srv, &wg, errc, *dbgF)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	relay.Stop()
	wg.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		log.Errorf(shutdownCtx, err, "mongo disconnect")
	}
	if err := redisClient.Close(); err != nil {
		log.Errorf(shutdownCtx, err, "redis close")
	}
	log.Printf(ctx, "exited")
}

// startSweepers launches the expired-reservation and idle-session
// sweepers. Both are periodic, idempotent and safe to run on every
// replica.
func startSweepers(ctx context.Context, wg *sync.WaitGroup, cfg SweepConfig, qm *quota.Manager, ctrl *respond.Controller) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.ReservationInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := qm.CleanupExpired(ctx)
				if err != nil {
					log.Errorf(ctx, err, "reservation sweep")
					continue
				}
				if n > 0 {
					log.Printf(ctx, "released %d expired reservations", n)
				}
			}
		}
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.AbandonInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := ctrl.AbandonIdle(ctx, cfg.AbandonAfter.Std(), cfg.AbandonBatch)
				if err != nil {
					log.Errorf(ctx, err, "abandon sweep")
					continue
				}
				if n > 0 {
					log.Printf(ctx, "abandoned %d idle sessions", n)
				}
			}
		}
	}()
}

// logNotifier stands in for the delivery pipeline: completions are
// logged, nothing is sent.
type logNotifier struct{}

func (logNotifier) SessionCompleted(ctx context.Context, s respond.Session, _ settings.Completion) {
	log.Printf(ctx, "session %s completed (survey %s)", s.ID, s.SurveyID)
}

// redisPinger adapts the Redis client to the health checker.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
