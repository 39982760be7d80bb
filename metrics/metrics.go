package metrics

import (
	"context"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/facebookgo/grace/gracenet"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	// DefaultStatusAddress is where the status server listens when enabled without an address
	DefaultStatusAddress = "localhost:20250"

	defaultShutdownTimeout = time.Second * 15
	startupTime            = time.Millisecond * 500
)

// Config is the set of handlers served by the status server.
type Config struct {
	Ready    *ReadyServer
	Gatherer prometheus.Gatherer

	ShutdownTimeout time.Duration
}

func newStatusHandler(config Config) http.Handler {
	gatherer := config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK\n"))
	})
	if config.Ready != nil {
		router.Get("/ready", config.Ready.ServeHTTP)
		router.Get("/status", config.Ready.StatusHandler)
	}
	return router
}

// CreateStatusListener opens the status listener through gracenet so that it is inherited
// by the process started after an update.
func CreateStatusListener(listeners *gracenet.Net, address string) (net.Listener, error) {
	if address == "" {
		address = DefaultStatusAddress
	}
	return listeners.Listen("tcp", address)
}

// ServeStatus serves /metrics, /healthz, /ready and /status until ctx is done.
func ServeStatus(ctx context.Context, l net.Listener, config Config, log *zerolog.Logger) (err error) {
	var wg sync.WaitGroup
	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      newStatusHandler(config),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err = server.Serve(l)
	}()
	log.Info().Msgf("Starting status server on %s", l.Addr())
	// server.Serve will hang if server.Shutdown is called before the server is
	// fully started up. So add artificial delay.
	time.Sleep(startupTime)

	<-ctx.Done()
	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	_ = server.Shutdown(shutdownCtx)
	cancel()

	wg.Wait()
	if err == http.ErrServerClosed {
		log.Info().Msg("Status server stopped")
		return nil
	}
	log.Err(err).Msg("Status server quit with error")
	return err
}

// RegisterBuildInfo exposes the version of the running binary.
func RegisterBuildInfo(registerer prometheus.Registerer, buildType, buildTime, version string) error {
	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			// Don't namespace build_info, since we want it to be consistent across services
			Name: "build_info",
			Help: "Build and version information",
		},
		[]string{"goversion", "type", "revision", "version"},
	)
	if err := registerer.Register(buildInfo); err != nil {
		return err
	}
	buildInfo.WithLabelValues(runtime.Version(), buildType, buildTime, version).Set(1)
	return nil
}
