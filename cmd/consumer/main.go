package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-bidding/internal/cache"
	"github.com/example/ride-bidding/internal/ledger"
	"github.com/example/ride-bidding/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total bid events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	projections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_summary_projections_total",
		Help: "Total successful ride summary projections",
	})
	projectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_summary_projection_errors_total",
		Help: "Total failed ride summary projections",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, projections, projectionErrors)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokers := []string{"localhost:9092"}
	if env := os.Getenv("KAFKA_BROKERS"); env != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(env, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}
	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "bid-events"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "ride-bidding-consumer"
	}

	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		log.Fatal("PG_DSN is required")
	}
	store, err := ledger.NewPostgresStore(dsn)
	if err != nil {
		log.Fatalf("cannot connect to postgres: %v", err)
	}
	defer store.Close()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	prefix := os.Getenv("REDIS_KEY_PREFIX")
	if prefix == "" {
		prefix = "ride:bids"
	}
	summaries := cache.NewSummaryCache(redisAddr, os.Getenv("REDIS_PASSWORD"), prefix)
	defer summaries.Close()

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := summaries.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ev models.BidEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.RideID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		// A voided ride leaves the dashboard; drop its entry instead of
		// re-projecting a view of all-rejected threads.
		if ev.Kind == models.EventRideVoided {
			if err := summaries.Invalidate(ctx, ev.RideID); err != nil {
				projectionErrors.Inc()
				log.Printf("summary invalidation failed for ride=%s: %v", ev.RideID, err)
			}
			continue
		}

		if err := projectWithRetry(ctx, store, summaries, ev.RideID, 3, 200*time.Millisecond); err != nil {
			projectionErrors.Inc()
			log.Printf("summary projection failed for ride=%s: %v", ev.RideID, err)
			continue
		}
		projections.Inc()
	}
}

// SummarySource reads the collapsed per-thread view from the ledger.
type SummarySource interface {
	RideSummaries(ctx context.Context, rideID string) ([]models.RideBidSummary, error)
}

// SummarySink writes the projection; covered by the redis cache in production.
type SummarySink interface {
	Put(ctx context.Context, rideID string, sums []models.RideBidSummary) error
}

// projectWithRetry re-reads a ride's summaries and writes them to the sink
// with retry/backoff.
func projectWithRetry(ctx context.Context, src SummarySource, dst SummarySink, rideID string, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		sums, err := src.RideSummaries(ctx, rideID)
		if err != nil {
			lastErr = err
			continue
		}
		if err := dst.Put(ctx, rideID, sums); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
