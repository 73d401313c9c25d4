// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"

	"github.com/usbip-hostagent/deviceplane/internal/clock"
	"github.com/usbip-hostagent/deviceplane/internal/discovery"
	"github.com/usbip-hostagent/deviceplane/internal/metrics"
	"github.com/usbip-hostagent/deviceplane/internal/monitor"
	"github.com/usbip-hostagent/deviceplane/internal/registry"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var availableLogLevels = strings.Join([]string{
	logLevelAll,
	logLevelDebug,
	logLevelInfo,
	logLevelWarn,
	logLevelError,
	logLevelNone,
}, ", ")

// Main is the principal function for the binary, wrapped only by `main` for
// convenience, following the teacher's own Main/main split.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	retryPolicy, err := getRetryPolicy()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	discoveryMetrics := metrics.NewDiscovery(reg)
	monitorMetrics := metrics.NewMonitor(reg)

	clk := clock.Real{}

	events, err := registry.NewNetlinkEventSource(log.With(logger, "component", "registry"))
	if err != nil {
		return fmt.Errorf("failed to open udev event source: %w", err)
	}
	regCap := registry.NewSysfsCapability(os.DirFS("/sys"), events, log.With(logger, "component", "registry"))

	cache := discovery.NewCache(clk, getCacheTTL())
	cache.SetCounters(discoveryMetrics.CacheHits.Inc, discoveryMetrics.CacheMisses.Inc)

	retrier := discovery.NewRetrier(retryPolicy, clk, log.With(logger, "component", "retrier"))
	retrier.SetMetrics(func(operation, outcome string) {
		discoveryMetrics.RegistryRetries.WithLabelValues(operation, outcome).Inc()
	})

	disc := discovery.New(regCap, cache, retrier, log.With(logger, "component", "discovery"))

	mon := monitor.New(disc, clk, log.With(logger, "component", "monitor"))
	mon.SetMetrics(func(n int) { monitorMetrics.KnownDevices.Set(float64(n)) }, func(kind string) {
		monitorMetrics.DeviceEvents.WithLabelValues(kind).Inc()
	})

	var g run.Group
	{
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	{
		cancel := make(chan struct{})
		g.Add(func() error {
			if err := mon.Start(); err != nil {
				return fmt.Errorf("failed to start device monitor: %w", err)
			}
			<-cancel
			return nil
		}, func(error) {
			mon.Stop()
			close(cancel)
		})
	}

	{
		stop := make(chan struct{})
		done := make(chan struct{})
		g.Add(func() error {
			ticker := clk.After(getCacheTTL())
			for {
				select {
				case <-stop:
					close(done)
					return nil
				case <-ticker:
					discoveryMetrics.CacheSize.Set(float64(cache.Size()))
					ticker = clk.After(getCacheTTL())
				}
			}
		}, func(error) {
			close(stop)
			<-done
		})
	}

	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
