package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/CedrosPay/microcharge/internal/logger"
	"github.com/CedrosPay/microcharge/internal/metrics"
	"github.com/CedrosPay/microcharge/internal/orchestrator"
	"github.com/CedrosPay/microcharge/pkg/microcharge"
)

// Fires concurrent logical charges at a running payment authority and
// prints how they ended.
func main() {
	var (
		cfgPath     = flag.String("config", "", "path to YAML config file (optional)")
		envFile     = flag.String("env-file", ".env", "dotenv file loaded before the config (ignored if missing)")
		serverURL   = flag.String("server", "", "payment authority base URL (overrides client.payments_url)")
		identities  = flag.Int("identities", 10, "number of distinct identities")
		perIdentity = flag.Int("charges", 6, "charges per identity")
		workers     = flag.Int("concurrency", 8, "concurrent charges in flight")
		rps         = flag.Float64("rps", 20, "charges started per second (0 = unlimited)")
		subject     = flag.String("subject", "song-1", "subject ID for every charge")
		logLevel    = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load %s: %v", *envFile, err)
	}

	cfg, err := microcharge.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *serverURL != "" {
		cfg.Client.PaymentsURL = *serverURL
	}
	if *identities < 1 || *perIdentity < 1 || *workers < 1 {
		log.Fatal("identities, charges and concurrency must be positive")
	}

	appLogger := logger.New(logger.Config{
		Level:   *logLevel,
		Format:  "console",
		Service: "loadtest",
	})
	metricsCollector := metrics.New(prometheus.NewRegistry())
	client, _ := microcharge.NewPaymentClient(cfg, metricsCollector, appLogger)
	defer client.Close()

	orch := orchestrator.New(client, microcharge.OrchestratorConfig(cfg.Client),
		orchestrator.WithLogger(appLogger),
		orchestrator.WithMetrics(metricsCollector),
	)

	limit := rate.Inf
	if *rps > 0 {
		limit = rate.Limit(*rps)
	}
	limiter := rate.NewLimiter(limit, 1)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	type job struct{ identity string }
	jobs := make(chan job)
	results := make(chan orchestrator.Result)

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results <- orch.Charge(ctx, j.identity, *subject, cfg.Payments.UnitAmount)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for round := 0; round < *perIdentity; round++ {
			for id := 0; id < *identities; id++ {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				jobs <- job{identity: fmt.Sprintf("user-%03d", id)}
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	start := time.Now()
	s := newSummary()
	for r := range results {
		s.add(r)
	}
	s.print(os.Stdout, time.Since(start), cfg.Client.PaymentsURL)
}

type summary struct {
	total    int
	byStatus map[string]int
	byOut    map[string]int
	attempts int
}

func newSummary() *summary {
	return &summary{
		byStatus: make(map[string]int),
		byOut:    make(map[string]int),
	}
}

func (s *summary) add(r orchestrator.Result) {
	s.total++
	s.byStatus[string(r.Status)]++
	s.byOut[string(r.Outcome)]++
	s.attempts += r.Attempts
}

func (s *summary) print(w io.Writer, elapsed time.Duration, target string) {
	fmt.Fprintf(w, "target:   %s\n", target)
	fmt.Fprintf(w, "charges:  %d in %s\n", s.total, elapsed.Round(time.Millisecond))
	if s.total > 0 {
		fmt.Fprintf(w, "attempts: %d (%.2f per charge)\n", s.attempts, float64(s.attempts)/float64(s.total))
	}
	fmt.Fprintln(w, "\nby status:")
	printCounts(w, s.byStatus)
	fmt.Fprintln(w, "\nby outcome:")
	printCounts(w, s.byOut)
}

func printCounts(w io.Writer, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-18s %d\n", k, counts[k])
	}
}
