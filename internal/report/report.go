package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/palisade/palisade/internal/logging"
)

// Summary aggregates a window of decision-log lines. Site and rule keys are
// the full ids the gateway logged; "main" stands in for the empty site.
type Summary struct {
	Total        int            `json:"total"`
	Allowed      int            `json:"allowed"`
	Blocked      int            `json:"blocked"`
	Detected     int            `json:"detected"`
	RateLimited  int            `json:"rate_limited"`
	Alerts       int            `json:"alerts"`
	Observations int            `json:"observations"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
	TopRules     []CountItem    `json:"top_rules"`
	TopTags      []CountItem    `json:"top_tags"`
	TopSites     []CountItem    `json:"top_sites"`
	TopBlockedIP []CountItem    `json:"top_blocked_ips"`
	TopRateLimit []CountItem    `json:"top_rate_limits"`
	BlockPhases  []CountItem    `json:"block_phases"`
	Latency      LatencySummary `json:"latency"`
	Upstream     LatencySummary `json:"upstream"`
}

type CountItem struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type LatencySummary struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type Reader struct {
	Since time.Time
}

func (r *Reader) Read(path string) ([]logging.Decision, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var decisions []logging.Decision
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var d logging.Decision
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			return nil, err
		}
		if !r.Since.IsZero() && d.Timestamp.Before(r.Since) {
			continue
		}
		decisions = append(decisions, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return decisions, nil
}

func Summarize(decisions []logging.Decision) Summary {
	var summary Summary
	if len(decisions) == 0 {
		return summary
	}

	summary.Start = decisions[0].Timestamp
	summary.End = decisions[0].Timestamp

	ruleCounts := map[string]int{}
	tagCounts := map[string]int{}
	siteCounts := map[string]int{}
	blockedIPs := map[string]int{}
	ratelimitCounts := map[string]int{}
	phaseCounts := map[string]int{}
	latencies := make([]int64, 0, len(decisions))
	var upstream []int64

	for _, d := range decisions {
		summary.Total++
		if d.Timestamp.Before(summary.Start) {
			summary.Start = d.Timestamp
		}
		if d.Timestamp.After(summary.End) {
			summary.End = d.Timestamp
		}

		switch d.Disposition {
		case logging.DispositionAllow:
			summary.Allowed++
		case logging.DispositionBlock:
			summary.Blocked++
			blockedIPs[d.ClientIP]++
			if p := terminalPhase(d.Phases); p != "" {
				phaseCounts[p]++
			}
		case logging.DispositionDetect:
			summary.Detected++
		}

		if d.RateLimited {
			summary.RateLimited++
			ratelimitCounts[d.ClientIP]++
		}

		site := d.Site
		if site == "" {
			site = "main"
		}
		if d.Disposition != logging.DispositionAllow {
			siteCounts[site]++
		}

		for _, ev := range d.Events {
			ruleCounts[ev.RuleID]++
			for _, tag := range ev.Tags {
				tagCounts[tag]++
			}
			if ev.Kind == "alert" {
				summary.Alerts++
			} else {
				summary.Observations++
			}
		}

		latencies = append(latencies, d.DurationMS)
		if d.UpstreamMS > 0 {
			upstream = append(upstream, d.UpstreamMS)
		}
	}

	summary.TopRules = topCounts(ruleCounts, 5)
	summary.TopTags = topCounts(tagCounts, 5)
	summary.TopSites = topCounts(siteCounts, 5)
	summary.TopBlockedIP = topCounts(blockedIPs, 5)
	summary.TopRateLimit = topCounts(ratelimitCounts, 5)
	summary.BlockPhases = topCounts(phaseCounts, len(phaseCounts))
	summary.Latency = latencySummary(latencies)
	summary.Upstream = latencySummary(upstream)

	return summary
}

// terminalPhase is the last phase walked before postprocess, which is where
// a blocked transaction actually died.
func terminalPhase(phases []string) string {
	for i := len(phases) - 1; i >= 0; i-- {
		if phases[i] != "POSTPROCESS" {
			return phases[i]
		}
	}
	return ""
}

func topCounts(counts map[string]int, n int) []CountItem {
	items := make([]CountItem, 0, len(counts))
	for key, count := range counts {
		items = append(items, CountItem{Key: key, Count: count})
	}
	if len(items) == 0 {
		return nil
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Count == items[j].Count {
			return items[i].Key < items[j].Key
		}
		return items[i].Count > items[j].Count
	})

	if len(items) > n {
		items = items[:n]
	}
	return items
}

func latencySummary(values []int64) LatencySummary {
	if len(values) == 0 {
		return LatencySummary{}
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencySummary{
		P50: quantile(sorted, 0.50),
		P95: quantile(sorted, 0.95),
		P99: quantile(sorted, 0.99),
	}
}

// quantile interpolates linearly between the two nearest ranks.
func quantile(sorted []int64, q float64) float64 {
	if len(sorted) == 1 {
		return float64(sorted[0])
	}
	pos := float64(len(sorted)-1) * q
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return float64(sorted[lo])
	}
	frac := pos - float64(lo)
	return float64(sorted[lo]) + frac*float64(sorted[hi]-sorted[lo])
}

func RenderText(summary Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transactions: %d (allow %d, block %d, detect %d)\n",
		summary.Total, summary.Allowed, summary.Blocked, summary.Detected)
	if summary.Total > 0 {
		fmt.Fprintf(&b, "Block rate: %.1f%%\n", 100*float64(summary.Blocked)/float64(summary.Total))
	}
	fmt.Fprintf(&b, "Rate limited: %d\n", summary.RateLimited)
	fmt.Fprintf(&b, "Events: %d alerts, %d observations\n", summary.Alerts, summary.Observations)
	fmt.Fprintf(&b, "Latency p50/p95/p99 (ms): %.0f/%.0f/%.0f\n", summary.Latency.P50, summary.Latency.P95, summary.Latency.P99)
	fmt.Fprintf(&b, "Upstream p50/p95/p99 (ms): %.0f/%.0f/%.0f\n", summary.Upstream.P50, summary.Upstream.P95, summary.Upstream.P99)

	writeCounts(&b, "Top event rules", summary.TopRules)
	writeCounts(&b, "Top event tags", summary.TopTags)
	writeCounts(&b, "Top non-allow sites", summary.TopSites)
	writeCounts(&b, "Blocks by phase", summary.BlockPhases)
	writeCounts(&b, "Top blocked clients", summary.TopBlockedIP)
	writeCounts(&b, "Top rate-limited", summary.TopRateLimit)

	return b.String()
}

func RenderMarkdown(summary Summary) string {
	var b strings.Builder
	b.WriteString("# Palisade Report\n\n")
	b.WriteString("## Totals\n\n")
	fmt.Fprintf(&b, "- Transactions: %d\n", summary.Total)
	fmt.Fprintf(&b, "- Allowed: %d\n", summary.Allowed)
	fmt.Fprintf(&b, "- Blocked: %d\n", summary.Blocked)
	fmt.Fprintf(&b, "- Detected: %d\n", summary.Detected)
	fmt.Fprintf(&b, "- Rate limited: %d\n", summary.RateLimited)
	fmt.Fprintf(&b, "- Events: %d alerts, %d observations\n", summary.Alerts, summary.Observations)
	fmt.Fprintf(&b, "- Latency p50/p95/p99 (ms): %.0f/%.0f/%.0f\n", summary.Latency.P50, summary.Latency.P95, summary.Latency.P99)
	fmt.Fprintf(&b, "- Upstream p50/p95/p99 (ms): %.0f/%.0f/%.0f\n\n", summary.Upstream.P50, summary.Upstream.P95, summary.Upstream.P99)

	writeCountsMarkdown(&b, "Top event rules", summary.TopRules)
	writeCountsMarkdown(&b, "Top event tags", summary.TopTags)
	writeCountsMarkdown(&b, "Top non-allow sites", summary.TopSites)
	writeCountsMarkdown(&b, "Blocks by phase", summary.BlockPhases)
	writeCountsMarkdown(&b, "Top blocked clients", summary.TopBlockedIP)
	writeCountsMarkdown(&b, "Top rate-limited", summary.TopRateLimit)

	return b.String()
}

func RenderJSON(summary Summary) ([]byte, error) {
	return json.MarshalIndent(summary, "", "  ")
}

func writeCounts(b *strings.Builder, title string, items []CountItem) {
	if len(items) == 0 {
		fmt.Fprintf(b, "%s: none\n", title)
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s: %d\n", item.Key, item.Count)
	}
}

func writeCountsMarkdown(b *strings.Builder, title string, items []CountItem) {
	b.WriteString("## ")
	b.WriteString(title)
	b.WriteString("\n\n")
	if len(items) == 0 {
		b.WriteString("- none\n\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s: %d\n", item.Key, item.Count)
	}
	b.WriteString("\n")
}

func WriteOutput(path string, content []byte) error {
	if path == "" {
		_, err := io.Copy(os.Stdout, bytes.NewReader(content))
		return err
	}
	return os.WriteFile(path, content, 0o600)
}
