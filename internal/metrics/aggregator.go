package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/samber/lo"
	"lessonflow/internal/failure"
	"lessonflow/internal/models"
)

// ErrInvalidWindow is returned when a window does not end after it starts.
var ErrInvalidWindow = errors.New("invalid window")

// trendThreshold is the relative change between window halves that counts as a trend.
const trendThreshold = 0.10

// Window is the half-open interval [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// LastDays returns the window of the days before now.
func LastDays(now time.Time, days int) Window {
	return Window{From: now.AddDate(0, 0, -days), To: now}
}

// Trend is the direction failures moved over a window.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// EventSource lists processing history.
type EventSource interface {
	ListEvents(ctx context.Context, from, to time.Time) ([]models.ProcessingEvent, error)
}

// SeriesPoint counts failures in one period.
type SeriesPoint struct {
	Start    time.Time `json:"start"`
	Failures int       `json:"failures"`
}

// TrendSummary compares the two halves of the window.
type TrendSummary struct {
	Direction     Trend   `json:"direction"`
	FirstHalf     int     `json:"first_half"`
	SecondHalf    int     `json:"second_half"`
	ChangePercent float64 `json:"change_percent"`
}

// PresetStat is the failure rate of one preset of one stage.
type PresetStat struct {
	Stage       models.Stage `json:"stage"`
	Preset      string       `json:"preset"`
	Runs        int          `json:"runs"`
	Failures    int          `json:"failures"`
	FailureRate float64      `json:"failure_rate"`
}

// BatchSizeStat is the failure rate of lessons in batches of similar size.
type BatchSizeStat struct {
	Bucket      string  `json:"bucket"`
	Outcomes    int     `json:"outcomes"`
	Failures    int     `json:"failures"`
	FailureRate float64 `json:"failure_rate"`
}

// Performance summarizes successful work.
type Performance struct {
	CompletedUnits      int                      `json:"completed_units"`
	AverageTotalSeconds float64                  `json:"average_total_seconds"`
	AverageStageSeconds map[models.Stage]float64 `json:"average_stage_seconds"`
	StageRuns           map[models.Stage]int     `json:"stage_runs"`
}

// Impact estimates the cost of failed work.
type Impact struct {
	WastedSeconds float64 `json:"wasted_seconds"`
	WastedHours   float64 `json:"wasted_hours"`
	CostPerHour   float64 `json:"cost_per_hour"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// Report is the failure and performance analysis of a window.
// Preset and batch-size rates show correlation only; nothing acts on them.
type Report struct {
	Window         Window                   `json:"window"`
	TotalFailures  int                      `json:"total_failures"`
	TotalCompleted int                      `json:"total_completed"`
	FailureRate    float64                  `json:"failure_rate"`
	ByCategory     map[failure.Category]int `json:"by_category"`
	BySeverity     map[failure.Severity]int `json:"by_severity"`
	Recoverable    int                      `json:"recoverable"`
	Daily          []SeriesPoint            `json:"daily"`
	Hourly         [24]int                  `json:"hourly"`
	PeakHour       int                      `json:"peak_hour"`
	Trend          TrendSummary             `json:"trend"`
	Presets        []PresetStat             `json:"presets"`
	BatchSizes     []BatchSizeStat          `json:"batch_sizes"`
	Performance    Performance              `json:"performance"`
	Impact         Impact                   `json:"impact"`
	RecentFailures []failure.Record         `json:"recent_failures"`
}

// maxRecentFailures caps Report.RecentFailures.
const maxRecentFailures = 10

// Aggregator builds reports from processing history. It only reads.
type Aggregator struct {
	events      EventSource
	classifier  *failure.Classifier
	costPerHour float64
}

// NewAggregator creates an Aggregator. A nil classifier uses the default rules.
func NewAggregator(events EventSource, classifier *failure.Classifier, costPerHour float64) *Aggregator {
	if classifier == nil {
		classifier = failure.NewClassifier(nil)
	}
	return &Aggregator{events: events, classifier: classifier, costPerHour: costPerHour}
}

// Aggregate computes the report of w.
func (a *Aggregator) Aggregate(ctx context.Context, w Window) (*Report, error) {
	if !w.To.After(w.From) {
		return nil, fmt.Errorf("%w: %s is not after %s", ErrInvalidWindow, w.To.Format(time.RFC3339), w.From.Format(time.RFC3339))
	}
	events, err := a.events.ListEvents(ctx, w.From, w.To)
	if err != nil {
		return nil, fmt.Errorf("list processing events: %w", err)
	}
	return a.build(w, events), nil
}

func (a *Aggregator) build(w Window, events []models.ProcessingEvent) *Report {
	failed := lo.Filter(events, func(e models.ProcessingEvent, _ int) bool { return e.Kind == models.EventFailed })
	completed := lo.Filter(events, func(e models.ProcessingEvent, _ int) bool { return e.Kind == models.EventCompleted })
	records := lo.Map(failed, func(e models.ProcessingEvent, _ int) failure.Record { return a.classifier.NewRecord(e) })

	r := &Report{
		Window:         w,
		TotalFailures:  len(failed),
		TotalCompleted: len(completed),
		FailureRate:    ratio(len(failed), len(failed)+len(completed)),
		ByCategory:     make(map[failure.Category]int, len(failure.Categories)),
		BySeverity:     make(map[failure.Severity]int, 3),
	}
	for _, c := range failure.Categories {
		r.ByCategory[c] = 0
	}
	for _, rec := range records {
		r.ByCategory[rec.Category]++
		r.BySeverity[rec.Severity]++
		if rec.Recoverable {
			r.Recoverable++
		}
	}

	r.Daily = dailySeries(w, failed)
	for _, e := range failed {
		r.Hourly[e.OccurredAt.UTC().Hour()]++
	}
	r.PeakHour = peak(r.Hourly)
	r.Trend = trend(w, failed)
	r.Presets = presetStats(events)
	r.BatchSizes = batchSizeStats(events)
	r.Performance = performance(events, completed)

	wasted := lo.SumBy(records, func(rec failure.Record) float64 { return rec.WastedSeconds })
	r.Impact = Impact{
		WastedSeconds: wasted,
		WastedHours:   wasted / 3600,
		CostPerHour:   a.costPerHour,
		EstimatedCost: round2(wasted / 3600 * a.costPerHour),
	}

	r.RecentFailures = make([]failure.Record, 0, min(len(records), maxRecentFailures))
	for i := len(records) - 1; i >= 0 && len(r.RecentFailures) < maxRecentFailures; i-- {
		r.RecentFailures = append(r.RecentFailures, records[i])
	}
	return r
}

// dailySeries counts failures per UTC day from the day of w.From up to w.To.
func dailySeries(w Window, failed []models.ProcessingEvent) []SeriesPoint {
	byDay := lo.CountValuesBy(failed, func(e models.ProcessingEvent) time.Time { return day(e.OccurredAt) })
	var out []SeriesPoint
	for d := day(w.From); d.Before(w.To); d = d.AddDate(0, 0, 1) {
		out = append(out, SeriesPoint{Start: d, Failures: byDay[d]})
	}
	return out
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// trend compares failures in the first and second halves of the window.
func trend(w Window, failed []models.ProcessingEvent) TrendSummary {
	mid := w.From.Add(w.To.Sub(w.From) / 2)
	first := lo.CountBy(failed, func(e models.ProcessingEvent) bool { return e.OccurredAt.Before(mid) })
	second := len(failed) - first

	t := TrendSummary{Direction: TrendStable, FirstHalf: first, SecondHalf: second}
	switch {
	case first == 0 && second == 0:
	case first == 0:
		t.Direction = TrendIncreasing
		t.ChangePercent = 100
	default:
		change := float64(second-first) / float64(first)
		t.ChangePercent = round2(change * 100)
		if change > trendThreshold {
			t.Direction = TrendIncreasing
		} else if change < -trendThreshold {
			t.Direction = TrendDecreasing
		}
	}
	return t
}

type presetKey struct {
	stage  models.Stage
	preset string
}

// presetStats relates stage outcomes to the preset they ran with. A run is a
// completed stage or a failure during that stage.
func presetStats(events []models.ProcessingEvent) []PresetStat {
	runs := lo.Filter(events, func(e models.ProcessingEvent, _ int) bool {
		return e.Stage != "" && (e.Kind == models.EventStageCompleted || e.Kind == models.EventFailed)
	})
	groups := lo.GroupBy(runs, func(e models.ProcessingEvent) presetKey { return presetKey{e.Stage, e.Preset} })

	out := make([]PresetStat, 0, len(groups))
	for k, evs := range groups {
		failures := lo.CountBy(evs, func(e models.ProcessingEvent) bool { return e.Kind == models.EventFailed })
		out = append(out, PresetStat{
			Stage:       k.stage,
			Preset:      k.preset,
			Runs:        len(evs),
			Failures:    failures,
			FailureRate: ratio(failures, len(evs)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage.Index() < out[j].Stage.Index()
		}
		return out[i].Preset < out[j].Preset
	})
	return out
}

var batchBuckets = []struct {
	label string
	max   int
}{
	{"1-5", 5},
	{"6-20", 20},
	{"21-50", 50},
	{"51+", math.MaxInt},
}

// BatchBucket returns the size bucket label of a batch.
func BatchBucket(size int) string {
	for _, b := range batchBuckets {
		if size <= b.max {
			return b.label
		}
	}
	return batchBuckets[len(batchBuckets)-1].label
}

// batchSizeStats relates lesson outcomes to the size of their batch.
func batchSizeStats(events []models.ProcessingEvent) []BatchSizeStat {
	outcomes := lo.Filter(events, func(e models.ProcessingEvent, _ int) bool {
		return e.BatchSize > 0 && (e.Kind == models.EventCompleted || e.Kind == models.EventFailed)
	})
	groups := lo.GroupBy(outcomes, func(e models.ProcessingEvent) string { return BatchBucket(e.BatchSize) })

	out := make([]BatchSizeStat, 0, len(batchBuckets))
	for _, b := range batchBuckets {
		evs := groups[b.label]
		failures := lo.CountBy(evs, func(e models.ProcessingEvent) bool { return e.Kind == models.EventFailed })
		out = append(out, BatchSizeStat{
			Bucket:      b.label,
			Outcomes:    len(evs),
			Failures:    failures,
			FailureRate: ratio(failures, len(evs)),
		})
	}
	return out
}

func performance(events, completed []models.ProcessingEvent) Performance {
	p := Performance{
		CompletedUnits:      len(completed),
		AverageStageSeconds: make(map[models.Stage]float64),
		StageRuns:           make(map[models.Stage]int),
	}
	if len(completed) > 0 {
		total := lo.SumBy(completed, func(e models.ProcessingEvent) float64 { return e.DurationSeconds })
		p.AverageTotalSeconds = round2(total / float64(len(completed)))
	}

	stages := lo.Filter(events, func(e models.ProcessingEvent, _ int) bool { return e.Kind == models.EventStageCompleted })
	for st, evs := range lo.GroupBy(stages, func(e models.ProcessingEvent) models.Stage { return e.Stage }) {
		sum := lo.SumBy(evs, func(e models.ProcessingEvent) float64 { return e.DurationSeconds })
		p.StageRuns[st] = len(evs)
		p.AverageStageSeconds[st] = round2(sum / float64(len(evs)))
	}
	return p
}

func peak(hourly [24]int) int {
	best := 0
	for h, n := range hourly {
		if n > hourly[best] {
			best = h
		}
	}
	return best
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return round2(float64(n) / float64(d))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
