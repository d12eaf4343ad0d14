package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"
)

const transportError = "transport_error"

// latency: сводка выборки в миллисекундах, перцентили по nearest-rank.
type latency struct {
	Min  float64 `json:"min_ms"`
	Mean float64 `json:"mean_ms"`
	P50  float64 `json:"p50_ms"`
	P90  float64 `json:"p90_ms"`
	P99  float64 `json:"p99_ms"`
	Max  float64 `json:"max_ms"`
}

type callReport struct {
	Name     string           `json:"name"`
	Calls    int64            `json:"calls"`
	OK       int64            `json:"ok"`
	Failed   int64            `json:"failed"`
	FailRate float64          `json:"fail_rate"`
	Statuses map[string]int64 `json:"statuses"`
	Latency  latency          `json:"latency"`
}

type report struct {
	Mode            string       `json:"mode"`
	Target          string       `json:"target"`
	StartedAt       time.Time    `json:"started_at"`
	ElapsedSeconds  float64      `json:"elapsed_seconds"`
	Scenarios       int64        `json:"scenarios"`
	Completed       int64        `json:"completed"`
	Failed          int64        `json:"failed"`
	FailRate        float64      `json:"fail_rate"`
	Throughput      float64      `json:"scenarios_per_second"`
	ScenarioLatency latency      `json:"scenario_latency"`
	Calls           []callReport `json:"calls"`
}

// call ищет отчёт по имени вызова; нулевой отчёт, если вызовов не было.
func (r report) call(name string) callReport {
	for _, c := range r.Calls {
		if c.Name == name {
			return c
		}
	}
	return callReport{Name: name}
}

// succeeded: 2xx и 409. Конфликт за единицу под нагрузкой ожидаем.
func succeeded(status int) bool {
	return status >= 200 && status < 300 || status == 409
}

type tally struct {
	ok        int64
	failed    int64
	statuses  map[string]int64
	durations []time.Duration
}

func (t *tally) summary(name string) callReport {
	calls := t.ok + t.failed
	statuses := make(map[string]int64, len(t.statuses))
	for k, v := range t.statuses {
		statuses[k] = v
	}
	return callReport{
		Name:     name,
		Calls:    calls,
		OK:       t.ok,
		Failed:   t.failed,
		FailRate: share(t.failed, calls),
		Statuses: statuses,
		Latency:  summarize(t.durations),
	}
}

// collector копит исходы вызовов со всех воркеров.
type collector struct {
	mu     sync.Mutex
	tallys map[string]*tally
}

func newCollector() *collector {
	return &collector{tallys: make(map[string]*tally)}
}

// record: status 0 означает, что ответа не было.
func (c *collector) record(name string, took time.Duration, status int) {
	key := transportError
	if status > 0 {
		key = strconv.Itoa(status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.tallys[name]
	if t == nil {
		t = &tally{statuses: make(map[string]int64)}
		c.tallys[name] = t
	}
	if succeeded(status) {
		t.ok++
	} else {
		t.failed++
	}
	t.statuses[key]++
	t.durations = append(t.durations, took)
}

func (c *collector) snapshot(startedAt time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := report{StartedAt: startedAt.UTC(), ElapsedSeconds: elapsed.Seconds()}
	for name, t := range c.tallys {
		if name != scenarioLabel {
			out.Calls = append(out.Calls, t.summary(name))
			continue
		}
		s := t.summary(name)
		out.Scenarios, out.Completed, out.Failed = s.Calls, s.OK, s.Failed
		out.FailRate = s.FailRate
		out.ScenarioLatency = s.Latency
	}
	sort.Slice(out.Calls, func(i, j int) bool { return out.Calls[i].Name < out.Calls[j].Name })
	if elapsed > 0 {
		out.Throughput = float64(out.Scenarios) / elapsed.Seconds()
	}
	return out
}

func summarize(durations []time.Duration) latency {
	if len(durations) == 0 {
		return latency{}
	}
	ms := make([]float64, len(durations))
	var total float64
	for i, d := range durations {
		ms[i] = float64(d) / float64(time.Millisecond)
		total += ms[i]
	}
	sort.Float64s(ms)

	return latency{
		Min:  ms[0],
		Mean: total / float64(len(ms)),
		P50:  nearestRank(ms, 50),
		P90:  nearestRank(ms, 90),
		P99:  nearestRank(ms, 99),
		Max:  ms[len(ms)-1],
	}
}

// nearestRank: наименьшее значение, не меньше которого p% выборки.
func nearestRank(sorted []float64, p int) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := (p*n + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func share(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

// writeJSONReport пишет отчёт в файл внутри рабочего каталога.
func writeJSONReport(path string, r report) error {
	clean := filepath.Clean(path)
	if clean == "." || !filepath.IsLocal(clean) {
		return fmt.Errorf("report path %q must name a file under the working directory", path)
	}
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(clean, append(raw, '\n'), 0o644)
}

func printReport(w io.Writer, r report) {
	_, _ = fmt.Fprintf(w, "loadtest mode=%s run=%s elapsed=%.2fs\n", r.Mode, r.Target, r.ElapsedSeconds)
	_, _ = fmt.Fprintf(w, "scenarios=%d completed=%d failed=%d fail_rate=%.4f throughput=%.2f/s\n",
		r.Scenarios, r.Completed, r.Failed, r.FailRate, r.Throughput)
	s := r.ScenarioLatency
	_, _ = fmt.Fprintf(w, "scenario ms: min=%.2f mean=%.2f p50=%.2f p90=%.2f p99=%.2f max=%.2f\n\n",
		s.Min, s.Mean, s.P50, s.P90, s.P99, s.Max)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CALL\tCALLS\tOK\tFAILED\tP90 MS\tSTATUSES")
	for _, c := range r.Calls {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.2f\t%s\n", c.Name, c.Calls, c.OK, c.Failed, c.Latency.P90, formatStatuses(c.Statuses))
	}
	_ = tw.Flush()
}

func formatStatuses(statuses map[string]int64) string {
	keys := make([]string, 0, len(statuses))
	for k := range statuses {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s:%d", k, statuses[k])
	}
	return out
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return fmt.Sprintf("duration:%s", cfg.duration)
	}
}
