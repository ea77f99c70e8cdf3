// Package expvarom wraps expvar with OpenMetrics-ish naming and rendering,
// so counters registered here show up both on /debug/vars (plain expvar)
// and on /metrics in a format Prometheus can scrape. The package was used
// by the teacher but its source was not part of the retrieved corpus;
// this reimplementation follows the call shape every caller in the pack
// expects: NewInt(name, help) and NewMap(name, tag, help).
package expvarom

import (
	"expvar"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
)

var (
	mu      sync.Mutex
	metrics []metric
)

type metric interface {
	name() string
	help() string
	writeTo(w io.Writer)
}

// Int is a monotonically-adjustable integer counter, exported both via
// expvar and via the /metrics OpenMetrics handler.
type Int struct {
	v *expvar.Int
	n string
	h string
}

// NewInt registers and returns a new integer counter named name, with the
// given help text used as its OpenMetrics HELP comment.
func NewInt(name, help string) *Int {
	i := &Int{v: expvar.NewInt(name), n: name, h: help}
	register(i)
	return i
}

// Add adds delta to the counter.
func (i *Int) Add(delta int64) { i.v.Add(delta) }

// Set sets the counter to value.
func (i *Int) Set(value int64) { i.v.Set(value) }

func (i *Int) name() string { return i.n }
func (i *Int) help() string { return i.h }
func (i *Int) writeTo(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %s\n",
		metricName(i.n), i.h, metricName(i.n), metricName(i.n), i.v.String())
}

// Map is a counter broken down by a single string tag, e.g. a result code
// or command name, exported as one OpenMetrics series per observed tag
// value.
type Map struct {
	v   *expvar.Map
	n   string
	tag string
	h   string
}

// NewMap registers and returns a new tagged counter named name. tag names
// the label used to distinguish series (e.g. "result", "command").
func NewMap(name, tag, help string) *Map {
	m := &Map{v: expvar.NewMap(name), n: name, tag: tag, h: help}
	register(m)
	return m
}

// Add adds delta to the counter for the given tag value.
func (m *Map) Add(key string, delta int64) { m.v.Add(key, delta) }

func (m *Map) name() string { return m.n }
func (m *Map) help() string { return m.h }
func (m *Map) writeTo(w io.Writer) {
	name := metricName(m.n)
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", name, m.h, name)
	m.v.Do(func(kv expvar.KeyValue) {
		fmt.Fprintf(w, "%s{%s=%q} %s\n", name, m.tag, kv.Key, kv.Value.String())
	})
}

func register(m metric) {
	mu.Lock()
	defer mu.Unlock()
	metrics = append(metrics, m)
}

func metricName(n string) string {
	return strings.ReplaceAll(strings.ReplaceAll(n, "/", "_"), "-", "_")
}

// MetricsHandler serves every registered counter in OpenMetrics text
// format, for Prometheus-style scraping.
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	mu.Lock()
	snap := make([]metric, len(metrics))
	copy(snap, metrics)
	mu.Unlock()

	sort.Slice(snap, func(i, j int) bool { return snap[i].name() < snap[j].name() })

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, m := range snap {
		m.writeTo(w)
	}
}
