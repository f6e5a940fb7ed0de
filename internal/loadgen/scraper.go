package loadgen

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// metricSnapshot holds the tracked relay metrics at one point in time.
type metricSnapshot struct {
	timestamp   time.Time
	connections float64
	sessions    float64
	members     float64
	events      float64 // summed over every event label
	failed      float64
	joinSum     float64
	joinCount   float64
}

// Scraper periodically fetches the relay's /metrics endpoint during a run.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper for metricsURL that fetches every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx is
// done or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the scraper and waits for its final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	req, err := http.NewRequest(http.MethodGet, s.metricsURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := s.client.Do(req)
	if err != nil {
		// The relay may not be up yet.
		return
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// parseSnapshot decodes a Prometheus text exposition and extracts the relay
// metrics. A partial parse that still yielded families is accepted.
func parseSnapshot(r io.Reader) (metricSnapshot, error) {
	snap := metricSnapshot{timestamp: time.Now()}

	parser := expfmt.NewTextParser(model.UTF8Validation)
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return snap, fmt.Errorf("loadgen: parse metrics: %w", err)
	}

	snap.connections = sumFamily(mfs["snippet_relay_connections_total"])
	snap.sessions = sumFamily(mfs["snippet_relay_active_sessions"])
	snap.members = sumFamily(mfs["snippet_relay_session_members"])
	snap.events = sumFamily(mfs["snippet_relay_events_total"])
	snap.failed = sumFamily(mfs["snippet_relay_deliveries_failed_total"])
	if mf := mfs["snippet_relay_join_latency_seconds"]; mf != nil {
		for _, m := range mf.GetMetric() {
			snap.joinSum += m.GetHistogram().GetSampleSum()
			snap.joinCount += float64(m.GetHistogram().GetSampleCount())
		}
	}
	return snap, nil
}

// sumFamily adds up the counter, gauge or untyped values of every series in
// mf. A missing family counts as 0.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}

// Report writes the initial, final and peak values of each tracked metric.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]metricSnapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Relay Metrics (no data collected) ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Relay Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(metricSnapshot) float64
	}{
		{"Connections", func(m metricSnapshot) float64 { return m.connections }},
		{"Sessions", func(m metricSnapshot) float64 { return m.sessions }},
		{"Members", func(m metricSnapshot) float64 { return m.members }},
		{"Events", func(m metricSnapshot) float64 { return m.events }},
		{"Failed Sends", func(m metricSnapshot) float64 { return m.failed }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-14s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, row := range rows {
		initial, final := row.extract(first), row.extract(last)
		fmt.Fprintf(w, "  %-14s %10.0f %10.0f %10.0f %10.0f\n",
			row.label, initial, final, final-initial, peakValue(snaps, row.extract))
	}

	fmt.Fprintln(w)
	if n := last.joinCount - first.joinCount; n > 0 {
		fmt.Fprintf(w, "  %-14s avg: %.4fs  (%.0f observations)\n", "Join Latency", (last.joinSum-first.joinSum)/n, n)
	} else {
		fmt.Fprintf(w, "  %-14s avg: N/A  (no observations)\n", "Join Latency")
	}
}

func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
