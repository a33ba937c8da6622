// Package stats accumulates cache counters: hits and misses, per-operation
// latency (count, cumulative, average and DDSketch quantiles), per-code error
// counts with a bounded recent-error history, and the aggregate size of the
// cache. Snapshots are point-in-time copies safe to hand to other goroutines.
package stats

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"gopkg.in/yaml.v3"

	"github.com/any-hub/catalog-cache/internal/cacheerr"
)

const (
	sketchAccuracy     = 0.01
	defaultHistorySize = 50
)

type opStats struct {
	count  int64
	total  time.Duration
	sketch *ddsketch.DDSketch
}

func newOpStats() *opStats {
	sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	if err != nil {
		sketch = nil
	}
	return &opStats{sketch: sketch}
}

// ErrorRecord 是最近错误历史中的一条记录。
type ErrorRecord struct {
	Time    time.Time     `json:"time" yaml:"time"`
	Code    cacheerr.Code `json:"code" yaml:"code"`
	Op      string        `json:"op,omitempty" yaml:"op,omitempty"`
	Section string        `json:"section,omitempty" yaml:"section,omitempty"`
	Message string        `json:"message" yaml:"message"`
}

// OpSnapshot 汇总一种操作的耗时。
type OpSnapshot struct {
	Count   int64   `json:"count" yaml:"count"`
	TotalMs float64 `json:"totalMs" yaml:"totalMs"`
	AvgMs   float64 `json:"avgMs" yaml:"avgMs"`
	P50Ms   float64 `json:"p50Ms" yaml:"p50Ms"`
	P95Ms   float64 `json:"p95Ms" yaml:"p95Ms"`
	P99Ms   float64 `json:"p99Ms" yaml:"p99Ms"`
}

// Snapshot 是 Tracker 的时间点快照。
type Snapshot struct {
	Hits         int64                   `json:"hits" yaml:"hits"`
	Misses       int64                   `json:"misses" yaml:"misses"`
	HitRatio     float64                 `json:"hitRatio" yaml:"hitRatio"`
	TotalSize    int64                   `json:"totalSize" yaml:"totalSize"`
	SectionCount int                     `json:"sectionCount" yaml:"sectionCount"`
	Operations   map[string]OpSnapshot   `json:"operations" yaml:"operations"`
	Errors       map[cacheerr.Code]int64 `json:"errors" yaml:"errors"`
	RecentErrors []ErrorRecord           `json:"recentErrors" yaml:"recentErrors"`
	StartedAt    time.Time               `json:"startedAt" yaml:"startedAt"`
}

// YAML 以 yaml 格式导出快照，供 CLI -stats 使用。
func (s Snapshot) YAML() ([]byte, error) {
	return yaml.Marshal(s)
}

// Tracker 是并发安全的统计累加器。
type Tracker struct {
	mu          sync.Mutex
	now         func() time.Time
	historySize int

	hits         int64
	misses       int64
	totalSize    int64
	sectionCount int
	ops          map[string]*opStats
	errors       map[cacheerr.Code]int64
	history      []ErrorRecord
	startedAt    time.Time
}

// NewTracker 创建 Tracker，historySize <= 0 时保留最近 50 条错误。
func NewTracker(historySize int) *Tracker {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	t := &Tracker{now: time.Now, historySize: historySize}
	t.resetLocked()
	return t
}

func (t *Tracker) resetLocked() {
	t.hits = 0
	t.misses = 0
	t.ops = make(map[string]*opStats)
	t.errors = make(map[cacheerr.Code]int64, len(cacheerr.Codes())+1)
	for _, code := range cacheerr.Codes() {
		t.errors[code] = 0
	}
	t.errors[cacheerr.CodeUnknown] = 0
	t.history = nil
	t.startedAt = t.now()
}

// Reset 清零计数器与历史，totalSize 与 sectionCount 反映存储现状，保持不变。
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

func (t *Tracker) RecordHit() {
	t.mu.Lock()
	t.hits++
	t.mu.Unlock()
}

func (t *Tracker) RecordMiss() {
	t.mu.Lock()
	t.misses++
	t.mu.Unlock()
}

// RecordOp 记录一次操作耗时。
func (t *Tracker) RecordOp(op string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.ops[op]
	if !ok {
		s = newOpStats()
		t.ops[op] = s
	}
	s.count++
	s.total += d
	if s.sketch != nil {
		_ = s.sketch.Add(float64(d) / float64(time.Millisecond))
	}
}

// Time 返回一个在调用时记录耗时的函数，用法：defer tracker.Time("save")()。
func (t *Tracker) Time(op string) func() {
	start := t.now()
	return func() {
		t.RecordOp(op, t.now().Sub(start))
	}
}

// RecordError 按错误码计数并写入有界历史，返回归类后的错误码。
func (t *Tracker) RecordError(err error) cacheerr.Code {
	if err == nil {
		return ""
	}
	record := ErrorRecord{Code: cacheerr.CodeOf(err), Message: err.Error()}
	var coded *cacheerr.Error
	if errors.As(err, &coded) {
		record.Op = coded.Op
		record.Section = coded.Section
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	record.Time = t.now()
	t.errors[record.Code]++
	t.history = append(t.history, record)
	if over := len(t.history) - t.historySize; over > 0 {
		t.history = append(t.history[:0:0], t.history[over:]...)
	}
	return record.Code
}

// SetTotals 直接设置聚合大小，通常在初始化时根据存储重新计算。
func (t *Tracker) SetTotals(totalSize int64, sectionCount int) {
	t.mu.Lock()
	t.totalSize = totalSize
	t.sectionCount = sectionCount
	t.mu.Unlock()
}

// AdjustTotals 以增量方式更新聚合大小，结果不会小于 0。
func (t *Tracker) AdjustTotals(sizeDelta int64, countDelta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalSize += sizeDelta
	if t.totalSize < 0 {
		t.totalSize = 0
	}
	t.sectionCount += countDelta
	if t.sectionCount < 0 {
		t.sectionCount = 0
	}
}

// Snapshot 返回当前统计的副本。
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Hits:         t.hits,
		Misses:       t.misses,
		TotalSize:    t.totalSize,
		SectionCount: t.sectionCount,
		Operations:   make(map[string]OpSnapshot, len(t.ops)),
		Errors:       make(map[cacheerr.Code]int64, len(t.errors)),
		RecentErrors: append([]ErrorRecord(nil), t.history...),
		StartedAt:    t.startedAt,
	}
	if lookups := t.hits + t.misses; lookups > 0 {
		snap.HitRatio = float64(t.hits) / float64(lookups)
	}
	for code, n := range t.errors {
		snap.Errors[code] = n
	}
	for name, s := range t.ops {
		op := OpSnapshot{
			Count:   s.count,
			TotalMs: float64(s.total) / float64(time.Millisecond),
		}
		if s.count > 0 {
			op.AvgMs = op.TotalMs / float64(s.count)
		}
		if s.sketch != nil && !s.sketch.IsEmpty() {
			op.P50Ms, _ = s.sketch.GetValueAtQuantile(0.50)
			op.P95Ms, _ = s.sketch.GetValueAtQuantile(0.95)
			op.P99Ms, _ = s.sketch.GetValueAtQuantile(0.99)
		}
		snap.Operations[name] = op
	}
	return snap
}

// Report 生成便于人阅读的多行摘要。
func (t *Tracker) Report() string {
	snap := t.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "sections: %d (%s)\n", snap.SectionCount, humanBytes(snap.TotalSize))
	fmt.Fprintf(&b, "lookups: %d hits, %d misses, hit ratio %.1f%%\n", snap.Hits, snap.Misses, snap.HitRatio*100)

	names := make([]string, 0, len(snap.Operations))
	for name := range snap.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		op := snap.Operations[name]
		fmt.Fprintf(&b, "op %-12s count=%d avg=%.2fms p95=%.2fms\n", name, op.Count, op.AvgMs, op.P95Ms)
	}

	codes := make([]string, 0, len(snap.Errors))
	for code, n := range snap.Errors {
		if n > 0 {
			codes = append(codes, fmt.Sprintf("%s=%d", code, n))
		}
	}
	sort.Strings(codes)
	if len(codes) == 0 {
		b.WriteString("errors: none\n")
	} else {
		fmt.Fprintf(&b, "errors: %s\n", strings.Join(codes, " "))
	}
	return b.String()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
