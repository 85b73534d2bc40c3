// Package metrics exports the mirrored device state as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beaumanvienna/pamanager/events"
)

type Config struct {
	ListenAddr string `dialsdesc:"Address of the Prometheus /metrics endpoint (empty disables it)"`
}

func DefaultConfig() *Config {
	return &Config{ListenAddr: ""}
}

// State is the part of the manager sampled on every scrape.
type State interface {
	GetVolume() int
	IsReady() bool
}

// Collector tracks device counts, output volume, readiness and event totals.
type Collector struct {
	reg *prometheus.Registry
	log slog.Logger

	devices *prometheus.GaugeVec
	volume  prometheus.GaugeFunc
	ready   prometheus.GaugeFunc
	events  *prometheus.CounterVec
}

func New(log slog.Logger, state State) *Collector {
	if log == nil {
		log = slog.Disabled
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &Collector{
		reg: reg,
		log: log,

		devices: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pamanager_devices",
			Help: "Number of known devices",
		}, []string{"direction"}),
		volume: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pamanager_output_volume",
			Help: "Volume of the default output in percent",
		}, func() float64 {
			return float64(state.GetVolume())
		}),
		ready: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pamanager_ready",
			Help: "1 while the device state is synchronized",
		}, func() float64 {
			if state.IsReady() {
				return 1
			}
			return 0
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pamanager_events_total",
			Help: "Events delivered to the application",
		}, []string{"kind"}),
	}
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// Observe updates the metrics for e.
func (c *Collector) Observe(e events.Event) {
	c.events.WithLabelValues(e.Kind().String()).Inc()
	switch e := e.(type) {
	case events.OutputDeviceListChanged:
		c.devices.WithLabelValues("output").Set(float64(e.Count))
	case events.InputDeviceListChanged:
		c.devices.WithLabelValues("input").Set(float64(e.Count))
	}
}

// Follow observes every event received on ch until it is closed or ctx is
// done.
func (c *Collector) Follow(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// Serve runs the /metrics endpoint on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	promHandler := promhttp.InstrumentMetricHandler(
		c.reg, promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}),
	)
	mux.Handle("/metrics", promHandler)
	hs := http.Server{
		Addr:        addr,
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     mux,
	}
	c.log.Infof("Exposing prometheus metrics on %s", addr)
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	}()
	err := hs.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
