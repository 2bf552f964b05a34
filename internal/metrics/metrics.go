// Package metrics exposes refresh and command counters plus per-thermostat
// readings from the coordinator's current graph.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dskrypa/hass-nest-web/internal/coordinator"
	"github.com/dskrypa/hass-nest-web/internal/hass"
	"github.com/dskrypa/hass-nest-web/internal/nest"
)

// GraphSource is the part of the coordinator read at scrape time.
type GraphSource interface {
	Graph() *coordinator.Graph
}

// GraphFunc adapts a function to GraphSource.
type GraphFunc func() *coordinator.Graph

func (f GraphFunc) Graph() *coordinator.Graph { return f() }

// Collector implements prometheus.Collector, coordinator.Observer and
// hass.CommandRecorder.
type Collector struct {
	graph GraphSource

	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	lastRefresh     prometheus.Gauge
	commands        *prometheus.CounterVec

	currentTemp *prometheus.GaugeVec
	targetTemp  *prometheus.GaugeVec
	humidity    *prometheus.GaugeVec
	away        *prometheus.GaugeVec
}

// NewCollector creates the collector. graph may be nil.
func NewCollector(graph GraphSource) *Collector {
	labels := []string{"serial", "name"}
	return &Collector{
		graph: graph,
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nest_web_refresh_total",
			Help: "Refresh attempts by result (refreshed, skipped, failed)",
		}, []string{"result"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nest_web_refresh_duration_seconds",
			Help:    "Duration of refreshes that reached the Nest service",
			Buckets: prometheus.DefBuckets,
		}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nest_web_last_refresh_timestamp_seconds",
			Help: "Last successful refresh timestamp (epoch seconds)",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nest_web_commands_total",
			Help: "Thermostat commands by command and result (ok, rejected, failed)",
		}, []string{"command", "result"}),
		currentTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nest_web_current_temperature_celsius",
			Help: "Current temperature per thermostat",
		}, labels),
		targetTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nest_web_target_temperature_celsius",
			Help: "Target temperature per thermostat and bound (single, low, high)",
		}, append(labels, "bound")),
		humidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nest_web_humidity_percent",
			Help: "Humidity per thermostat",
		}, labels),
		away: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nest_web_structure_away_bool",
			Help: "Structure away flag (1=away, 0=home)",
		}, []string{"structure"}),
	}
}

func (c *Collector) ObserveRefresh(e coordinator.RefreshEvent) {
	result := e.Result()
	c.refreshes.WithLabelValues(result).Inc()
	if result == "skipped" {
		return
	}
	c.refreshDuration.Observe(e.Duration.Seconds())
	if result == "refreshed" {
		c.lastRefresh.Set(float64(e.Time.Add(e.Duration).Unix()))
	}
}

func (c *Collector) RecordCommand(_ context.Context, rec hass.CommandRecord) {
	c.commands.WithLabelValues(rec.Command, rec.Result()).Inc()
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.refreshes.Describe(ch)
	c.refreshDuration.Describe(ch)
	c.lastRefresh.Describe(ch)
	c.commands.Describe(ch)
	c.currentTemp.Describe(ch)
	c.targetTemp.Describe(ch)
	c.humidity.Describe(ch)
	c.away.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.collectGraph()

	c.refreshes.Collect(ch)
	c.refreshDuration.Collect(ch)
	c.lastRefresh.Collect(ch)
	c.commands.Collect(ch)
	c.currentTemp.Collect(ch)
	c.targetTemp.Collect(ch)
	c.humidity.Collect(ch)
	c.away.Collect(ch)
}

func (c *Collector) collectGraph() {
	c.currentTemp.Reset()
	c.targetTemp.Reset()
	c.humidity.Reset()
	c.away.Reset()

	if c.graph == nil {
		return
	}
	g := c.graph.Graph()
	if g == nil {
		return
	}

	for _, s := range g.Structures {
		away := 0.0
		if s.Away {
			away = 1
		}
		c.away.WithLabelValues(s.Name).Set(away)
	}
	for _, grp := range g.Groups {
		serial, name := grp.Device.Serial, grp.Device.Description()
		c.currentTemp.WithLabelValues(serial, name).Set(grp.Shared.CurrentTemperature)
		c.humidity.WithLabelValues(serial, name).Set(grp.Device.Humidity)
		if grp.Shared.TargetTemperatureType == nest.ModeRange {
			low, high := grp.Shared.TargetRange()
			c.targetTemp.WithLabelValues(serial, name, "low").Set(low)
			c.targetTemp.WithLabelValues(serial, name, "high").Set(high)
		} else {
			c.targetTemp.WithLabelValues(serial, name, "single").Set(grp.Shared.TargetTemperature)
		}
	}
}

// NewRegistry returns a registry holding c and the Go runtime collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
