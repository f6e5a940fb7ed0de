// Package loadgen drives synthetic editing sessions against a running relay
// and reports connect, join and fan-out latencies alongside the relay's own
// Prometheus metrics.
package loadgen

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates measurements from many concurrent clients. All
// methods are goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	joinLatencies    []time.Duration
	fanoutLatencies  []time.Duration
	errors           int
	connections      int
	sent             int
	expected         int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a metrics scraper whose findings are included in
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection and its handshake latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddJoin records the time from join-snippet to snippet-joined.
func (c *Collector) AddJoin(d time.Duration) {
	c.mu.Lock()
	c.joinLatencies = append(c.joinLatencies, d)
	c.mu.Unlock()
}

// AddFanout records the time from a code-change leaving its sender to its
// arrival at one recipient.
func (c *Collector) AddFanout(d time.Duration) {
	c.mu.Lock()
	c.fanoutLatencies = append(c.fanoutLatencies, d)
	c.mu.Unlock()
}

// AddSent records one code-change sent and the number of deliveries it
// should produce.
func (c *Collector) AddSent(recipients int) {
	c.mu.Lock()
	c.sent++
	c.expected += recipients
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Delivered returns the number of fan-out deliveries observed and the number
// expected from the changes sent so far.
func (c *Collector) Delivered() (got, want int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fanoutLatencies), c.expected
}

// Report writes a summary of the run to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Relay Bench Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	fmt.Fprintf(w, "Changes sent: %d\n", c.sent)
	fmt.Fprintf(w, "Deliveries:   %d/%d\n", len(c.fanoutLatencies), c.expected)

	for _, section := range []struct {
		title string
		data  []time.Duration
	}{
		{"Connect Latency", c.connectLatencies},
		{"Join Latency", c.joinLatencies},
		{"Fan-out Latency", c.fanoutLatencies},
	} {
		if len(section.data) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", section.title)
		fmt.Fprintf(w, "  %s\n", Summarize(section.data))
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// Summary is a latency distribution.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N,
	)
}

// Summarize computes the distribution of durations. It sorts a copy, leaving
// the input untouched.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: sorted[int(math.Ceil(float64(n)*0.95))-1],
		P99: sorted[int(math.Ceil(float64(n)*0.99))-1],
		Max: sorted[n-1],
	}
}
