package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All internal counters are exposed as a single metric with an `event` label,
// plus a small set of gauges from the latest collector sample.
func PrometheusHandler(m *Metrics, c *Collector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP consult_signaling_events_total Internal event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE consult_signaling_events_total counter")
		escaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "consult_signaling_events_total{event=\"%s\"} %d\n", escaper.Replace(k), snap[k])
		}

		if c == nil {
			return
		}
		sample, ok := c.Latest()
		if !ok {
			return
		}
		_, _ = fmt.Fprintln(w, "# HELP consult_signaling_active_rooms Rooms with at least one participant slot.")
		_, _ = fmt.Fprintln(w, "# TYPE consult_signaling_active_rooms gauge")
		_, _ = fmt.Fprintf(w, "consult_signaling_active_rooms %d\n", sample.ActiveRooms)
		_, _ = fmt.Fprintln(w, "# TYPE consult_signaling_connections gauge")
		_, _ = fmt.Fprintf(w, "consult_signaling_connections %d\n", sample.Connections)
		_, _ = fmt.Fprintln(w, "# TYPE consult_signaling_participants gauge")
		_, _ = fmt.Fprintf(w, "consult_signaling_participants %d\n", sample.Participants)
		_, _ = fmt.Fprintln(w, "# TYPE consult_signaling_avg_latency_ms gauge")
		_, _ = fmt.Fprintf(w, "consult_signaling_avg_latency_ms %g\n", sample.AvgLatencyMs)
	})
}
