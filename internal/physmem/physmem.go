package physmem

import (
	"context"
	net_http "net/http"
	"strings"
	"sync"
	"time"

	"github.com/cherts/physmem/internal/console"
	"github.com/cherts/physmem/internal/http"
	"github.com/cherts/physmem/internal/log"
	"github.com/cherts/physmem/internal/pmm"
	"github.com/cherts/physmem/internal/queues"
	"github.com/cherts/physmem/internal/reclaim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Start is the application's starting point: it builds the manager from
// the configuration, launches the reclamation workers and serves the
// metrics and diagnostics listener until the context is cancelled.
func Start(ctx context.Context, config *Config) error {
	log.Debug("start application")

	rotation, continuousInterval, sweepInterval, err := config.Intervals()
	if err != nil {
		return err
	}

	node := pmm.NewNode()
	node.SetFreeFill(config.FreeFill)
	node.SetRandomShouldWait(config.RandomShouldWait)
	node.Borrowing().SetLoaningEnabled(config.Borrow.LoaningEnabled)
	node.Borrowing().SetBorrowingEnabled(config.Borrow.BorrowingEnabled)

	arenas, err := config.BuildArenas()
	if err != nil {
		return err
	}
	for _, info := range arenas {
		if err := node.AddArena(info); err != nil {
			return err
		}
	}
	if config.FreeFill {
		node.EnforceFill()
	}

	if len(config.Watermarks) > 0 {
		if err := node.InitReclamation(config.Watermarks, config.Debounce, func(level uint8) {
			log.Infof("memory availability level changed to %d", level)
		}); err != nil {
			return err
		}
	}

	pageQueues := queues.New()

	evictor := reclaim.NewEvictor(node, pageQueues)
	if config.Eviction.Enable {
		evictor.SetDiscardableEvictionsPercent(config.Eviction.DiscardablePercent)
		evictor.SetContinuousEvictionInterval(continuousInterval)
		evictor.EnableEviction()
		if config.Eviction.MinBytes > 0 || config.Eviction.FreeTargetBytes > 0 {
			level := reclaim.OnlyOldest
			if config.Eviction.IncludeNewest {
				level = reclaim.IncludeNewest
			}
			evictor.EnableContinuousEviction(config.Eviction.MinBytes, config.Eviction.FreeTargetBytes, level)
		}
	}

	sweeper := reclaim.NewLoanSweeper(node, pageQueues)
	if err := sweeper.Init(); err != nil {
		return err
	}
	if config.Borrow.LoaningEnabled || config.Borrow.BorrowingEnabled {
		sweeper.Start(sweepInterval)
	}

	node.StartRequestWorker()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	// Periodic reclaim queue aging.
	wg.Add(1)
	go func() {
		defer wg.Done()
		rotateLoop(ctx, pageQueues, rotation)
	}()

	errCh := make(chan error, 2)
	defer close(errCh)

	diag := console.New(node, pageQueues, evictor)

	// Start HTTP metrics listener.
	wg.Add(1)
	go func() {
		if err := runMetricsListener(ctx, config, diag); err != nil {
			errCh <- err
		}
		wg.Done()
	}()

	// Waiting for errors or context cancelling.
	var runErr error
	select {
	case <-ctx.Done():
		log.Info("exit signaled, stop application")
	case e := <-errCh:
		runErr = e
	}
	cancel()

	// Teardown order matters: stop the sweeper, then the evictor, then
	// drain the request worker.
	sweeper.Close()
	evictor.Close()
	node.Close()
	wg.Wait()
	return runErr
}

func rotateLoop(ctx context.Context, q *queues.PageQueues, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.RotateReclaimQueues()
		}
	}
}

// getMetricsHandler return http handler function to /metrics endpoint
func getMetricsHandler() func(w net_http.ResponseWriter, r *net_http.Request) {
	return func(w net_http.ResponseWriter, r *net_http.Request) {
		h := promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}),
		)
		h.ServeHTTP(w, r)
	}
}

// getConsoleHandler return http handler function to /debug/pmm endpoint
func getConsoleHandler(diag *console.Console) func(w net_http.ResponseWriter, r *net_http.Request) {
	return func(w net_http.ResponseWriter, r *net_http.Request) {
		cmd := r.URL.Query().Get("cmd")
		if cmd == "" {
			net_http.Error(w, "missing cmd parameter", http.StatusBadRequest)
			return
		}
		if err := diag.Exec(w, strings.Fields(cmd)); err != nil {
			log.Errorf("pmm console command %q failed: %s", cmd, err)
		}
	}
}

// runMetricsListener start HTTP listener accordingly to passed configuration.
func runMetricsListener(ctx context.Context, config *Config, diag *console.Console) error {
	sCfg := http.ServerConfig{
		Addr:       config.ListenAddress,
		AuthConfig: config.AuthConfig,
	}
	srv := http.NewServer(sCfg, getMetricsHandler(), getConsoleHandler(diag))

	// Buffered so the listener goroutine can report a late error without
	// anyone left to receive it.
	errCh := make(chan error, 1)

	// Run default listener.
	go func() {
		errCh <- srv.Serve()
	}()

	// Waiting for errors or context cancelling.
	select {
	case <-ctx.Done():
		log.Info("exit signaled, stop metrics listener")
		return nil
	case err := <-errCh:
		return err
	}
}
