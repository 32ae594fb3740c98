// Command consumer boots a full taskforge consumer runtime: worker pool,
// scheduler loop, and (optionally) periodic loop, wired to the backend
// pair chosen by --queue-backend/--result-backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxforge/taskforge/internal/backend"
	"github.com/fluxforge/taskforge/internal/backend/memory"
	"github.com/fluxforge/taskforge/internal/backend/postgres"
	"github.com/fluxforge/taskforge/internal/backend/redis"
	"github.com/fluxforge/taskforge/internal/consumer"
	"github.com/fluxforge/taskforge/internal/events"
	"github.com/fluxforge/taskforge/internal/events/wsevents"
	"github.com/fluxforge/taskforge/internal/httpmiddleware"
	"github.com/fluxforge/taskforge/internal/invoker"
	"github.com/fluxforge/taskforge/internal/registry"
	"github.com/fluxforge/taskforge/internal/schedule"
	"github.com/fluxforge/taskforge/internal/task"
	"github.com/fluxforge/taskforge/internal/tasks"
)

func main() {
	var (
		workers       = flag.Int("workers", 4, "number of worker goroutines")
		periodic      = flag.Bool("periodic", true, "enable the periodic loop")
		noPeriodic    = flag.Bool("no-periodic", false, "disable the periodic loop (same as --periodic=false)")
		utc           = flag.Bool("utc", false, "run the consumer's clock in UTC")
		logfile       = flag.String("logfile", "", "path to append logs to (default: stderr)")
		verbose       = flag.Bool("verbose", false, "enable verbose logging")
		queueBackend  = flag.String("queue-backend", "memory", "queue backend: memory|redis")
		resultBackend = flag.String("result-backend", "memory", "result backend: memory|redis|postgres")
		redisAddr     = flag.String("redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "redis address for --queue-backend/--result-backend=redis")
		postgresDSN   = flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "postgres connection string for --result-backend=postgres")
		metricsAddr   = flag.String("metrics-addr", "", "address to serve /metrics on (empty disables)")
		eventsWSAddr  = flag.String("events-ws-addr", "", "address to serve the /events websocket stream on (empty disables)")
	)
	flag.Parse()
	if *noPeriodic {
		*periodic = false
	}

	if *logfile != "" {
		f, err := os.OpenFile(*logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatalf("consumer: failed to open logfile %q: %v", *logfile, err)
		}
		defer f.Close()
		log.SetOutput(f)
	}
	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}

	reg := registry.New()
	tasks.RegisterBuiltins(reg)

	q, results, scheduleStore, err := buildBackends(*queueBackend, *resultBackend, *redisAddr, *postgresDSN)
	if err != nil {
		log.Fatalf("consumer: backend initialization failed: %v", err)
	}

	clock := task.WallClock{UTC: *utc}
	inv := invoker.New(q, results, reg, clock, invoker.Options{})
	sched := schedule.New(scheduleStore, reg)

	emitter := buildEmitter(*eventsWSAddr)

	cfg := consumer.Config{
		Workers:  *workers,
		Periodic: *periodic,
		UTC:      *utc,
	}
	c := consumer.New(reg, inv, sched, emitter, clock, cfg)

	var httpServers []*http.Server
	if *metricsAddr != "" {
		httpServers = append(httpServers, serveMetrics(*metricsAddr))
	}
	if hub, ok := emitter.(*wsevents.Hub); ok && *eventsWSAddr != "" {
		httpServers = append(httpServers, serveEvents(*eventsWSAddr, hub))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if hub, ok := emitter.(*wsevents.Hub); ok {
		go hub.Run(ctx)
	}

	if err := c.Start(ctx); err != nil {
		log.Fatalf("consumer: start failed: %v", err)
	}
	log.Printf("consumer: running (workers=%d periodic=%v queue=%s results=%s)", *workers, *periodic, *queueBackend, *resultBackend)

	<-ctx.Done()
	log.Println("consumer: shutdown signal received, draining in-flight tasks")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		log.Printf("consumer: shutdown did not complete cleanly: %v", err)
		shutdownServers(httpServers)
		os.Exit(1)
	}

	shutdownServers(httpServers)
	log.Println("consumer: clean shutdown")
}

func buildBackends(queueBackend, resultBackend, redisAddr, postgresDSN string) (backend.Queue, backend.ResultStore, backend.ScheduleStore, error) {
	var (
		q       backend.Queue
		results backend.ResultStore
		err     error
	)

	switch queueBackend {
	case "memory":
		q = memory.NewQueue()
	case "redis":
		q, err = redis.NewQueue(redisAddr, "", 0, "taskforge:queue")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("queue backend %q: %w", queueBackend, err)
		}
	default:
		return nil, nil, nil, fmt.Errorf("unknown queue backend %q", queueBackend)
	}

	switch resultBackend {
	case "memory":
		results = memory.NewResultStore()
	case "redis":
		results, err = redis.NewResultStore(redisAddr, "", 0, "taskforge:result:")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("result backend %q: %w", resultBackend, err)
		}
	case "postgres":
		results, err = postgres.NewResultStore(context.Background(), postgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("result backend %q: %w", resultBackend, err)
		}
	default:
		return nil, nil, nil, fmt.Errorf("unknown result backend %q", resultBackend)
	}

	// The Schedule snapshot shares whatever key-value store backs results;
	// it is a distinct logical namespace (one well-known key), not a
	// distinct backend.
	return q, results, results, nil
}

func buildEmitter(eventsWSAddr string) events.Emitter {
	if eventsWSAddr != "" {
		return wsevents.NewHub()
	}
	return events.NewLogEmitter()
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: httpmiddleware.CORS(mux)}
	go func() {
		log.Printf("consumer: serving /metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("consumer: metrics server stopped: %v", err)
		}
	}()
	return srv
}

func serveEvents(addr string, hub *wsevents.Hub) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/events", hub)
	srv := &http.Server{Addr: addr, Handler: httpmiddleware.CORS(mux)}
	go func() {
		log.Printf("consumer: serving /events on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("consumer: events server stopped: %v", err)
		}
	}()
	return srv
}

func shutdownServers(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("consumer: http server shutdown: %v", err)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
