package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/palisade/palisade/internal/logging"
)

func TestSummarize(t *testing.T) {
	decisions := []logging.Decision{
		{
			Timestamp:   time.Unix(0, 0),
			Disposition: logging.DispositionAllow,
			DurationMS:  10,
			UpstreamMS:  8,
			Phases:      []string{"REQUEST_HEADER", "REQUEST_BODY", "RESPONSE_HEADER", "RESPONSE_BODY", "POSTPROCESS"},
		},
		{
			Timestamp:   time.Unix(1, 0),
			Site:        "shop",
			ClientIP:    "1.1.1.1",
			Disposition: logging.DispositionBlock,
			DurationMS:  30,
			RateLimited: true,
			Phases:      []string{"REQUEST_HEADER", "POSTPROCESS"},
			Events: []logging.RuleEvent{
				{RuleID: "site/shop/100", Kind: "alert", Tags: []string{"sqli", "input"}},
			},
		},
		{
			Timestamp:   time.Unix(2, 0),
			Disposition: logging.DispositionDetect,
			DurationMS:  20,
			UpstreamMS:  12,
			Events: []logging.RuleEvent{
				{RuleID: "main/700", Kind: "observation", Tags: []string{"input"}},
			},
		},
	}

	summary := Summarize(decisions)
	if summary.Total != 3 {
		t.Fatalf("expected total 3, got %d", summary.Total)
	}
	if summary.Allowed != 1 || summary.Blocked != 1 || summary.Detected != 1 {
		t.Fatalf("unexpected disposition counts: %+v", summary)
	}
	if summary.RateLimited != 1 {
		t.Fatalf("expected 1 rate limited, got %d", summary.RateLimited)
	}
	if summary.Alerts != 1 || summary.Observations != 1 {
		t.Fatalf("unexpected event kinds: alerts %d observations %d", summary.Alerts, summary.Observations)
	}
	if len(summary.TopRules) != 2 {
		t.Fatalf("expected 2 top rules, got %d", len(summary.TopRules))
	}
	if summary.TopTags[0].Key != "input" || summary.TopTags[0].Count != 2 {
		t.Fatalf("expected input tag on top, got %+v", summary.TopTags)
	}
	if len(summary.TopSites) != 2 {
		t.Fatalf("expected 2 non-allow sites, got %+v", summary.TopSites)
	}
	if summary.TopRateLimit[0].Key != "1.1.1.1" {
		t.Fatalf("expected rate limited client, got %+v", summary.TopRateLimit)
	}
	if summary.TopBlockedIP[0].Key != "1.1.1.1" {
		t.Fatalf("expected blocked client, got %+v", summary.TopBlockedIP)
	}
	if len(summary.BlockPhases) != 1 || summary.BlockPhases[0].Key != "REQUEST_HEADER" {
		t.Fatalf("expected the block counted in REQUEST_HEADER, got %+v", summary.BlockPhases)
	}
	if summary.Latency.P50 != 20 {
		t.Fatalf("expected p50 20, got %.0f", summary.Latency.P50)
	}
	if summary.Upstream.P50 != 10 {
		t.Fatalf("expected upstream p50 interpolated to 10, got %.0f", summary.Upstream.P50)
	}
}

func TestTerminalPhase(t *testing.T) {
	cases := []struct {
		phases []string
		want   string
	}{
		{[]string{"REQUEST_HEADER", "POSTPROCESS"}, "REQUEST_HEADER"},
		{[]string{"REQUEST_HEADER", "RESPONSE_BODY", "POSTPROCESS"}, "RESPONSE_BODY"},
		{[]string{"POSTPROCESS"}, ""},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := terminalPhase(tc.phases); got != tc.want {
			t.Fatalf("terminalPhase(%v) = %q, want %q", tc.phases, got, tc.want)
		}
	}
}

func TestReaderSince(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decisions.jsonl")
	content := `{"ts":"2026-02-01T00:00:00Z","tx_id":"a","disposition":"allow"}
{"ts":"2026-02-03T00:00:00Z","tx_id":"b","disposition":"block"}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r := &Reader{Since: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)}
	decisions, err := r.Read(path)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if len(decisions) != 1 || decisions[0].TxID != "b" {
		t.Fatalf("expected only the newer decision, got %+v", decisions)
	}
}

func TestRenderJSON(t *testing.T) {
	_, err := RenderJSON(Summary{Total: 1})
	if err != nil {
		t.Fatalf("expected json render ok: %v", err)
	}
}

func TestRenderTextEmptySections(t *testing.T) {
	out := RenderText(Summary{Total: 1, Allowed: 1})
	if out == "" {
		t.Fatalf("expected rendered text")
	}
	if !strings.Contains(out, "Block rate: 0.0%") {
		t.Fatalf("expected a block rate line, got:\n%s", out)
	}
}
