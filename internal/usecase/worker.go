package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"WorkflowScanner/internal/domain"
	"WorkflowScanner/internal/logging"
	"WorkflowScanner/internal/metrics"
	"WorkflowScanner/internal/ports"
)

// DefaultMaxConcurrency bounds simultaneous scrapes when none is configured.
const DefaultMaxConcurrency = 3

// PairScraper scrapes one (visa type, country) pair.
type PairScraper interface {
	ScrapeAndProcess(ctx context.Context, visaTypeCode, countryCode string) domain.ScrapeResult
}

// VisaTypeCatalog lists the visa types a cycle covers.
type VisaTypeCatalog interface {
	ActiveVisaTypes(ctx context.Context) ([]domain.VisaType, error)
}

var _ VisaTypeCatalog = (ports.WorkflowRepository)(nil)

// WorkerDeps wires the cycle runner.
type WorkerDeps struct {
	Scraper        PairScraper
	VisaTypes      VisaTypeCatalog
	Countries      []string
	MaxConcurrency int
	// RatePerSecond throttles task launches; zero disables throttling.
	RatePerSecond float64
	Burst         int
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// CycleReport summarizes one batch over the visa type by country matrix.
type CycleReport struct {
	Pairs      int           `json:"pairs"`
	Succeeded  int           `json:"succeeded"`
	Duplicates int           `json:"duplicates"`
	Failed     int           `json:"failed"`
	Cancelled  int           `json:"cancelled"`
	Duration   time.Duration `json:"duration"`
}

func (r *CycleReport) add(res domain.ScrapeResult) {
	switch {
	case res.HasMessage(domain.MsgCancelled):
		r.Cancelled++
	case !res.Success:
		r.Failed++
	default:
		r.Succeeded++
		if res.IsDuplicate {
			r.Duplicates++
		}
	}
}

// Worker runs scrape cycles with bounded concurrency, isolating per-pair failures.
type Worker struct {
	scraper        PairScraper
	visaTypes      VisaTypeCatalog
	countries      []string
	maxConcurrency int
	limiter        *rate.Limiter
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// NewWorker constructs the cycle runner.
func NewWorker(deps WorkerDeps) *Worker {
	maxConc := deps.MaxConcurrency
	if maxConc <= 0 {
		maxConc = DefaultMaxConcurrency
	}

	var limiter *rate.Limiter
	if deps.RatePerSecond > 0 {
		burst := deps.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(deps.RatePerSecond), burst)
	}

	countries := make([]string, 0, len(deps.Countries))
	seen := make(map[string]bool, len(deps.Countries))
	for _, c := range deps.Countries {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		countries = append(countries, c)
	}

	return &Worker{
		scraper:        deps.Scraper,
		visaTypes:      deps.VisaTypes,
		countries:      countries,
		maxConcurrency: maxConc,
		limiter:        limiter,
		metrics:        deps.Metrics,
		logger:         logging.OrDiscard(deps.Logger),
	}
}

type pair struct {
	visaType string
	country  string
}

// RunCycle scrapes every active visa type for every configured country. At
// most maxConcurrency scrapes run at once. Cancellation stops new launches and
// is reported through the Cancelled count, not as an error.
func (w *Worker) RunCycle(ctx context.Context) (CycleReport, error) {
	started := time.Now()
	var report CycleReport

	if w.scraper == nil || w.visaTypes == nil {
		return report, fmt.Errorf("worker is not configured")
	}

	visaTypes, err := w.visaTypes.ActiveVisaTypes(ctx)
	if err != nil {
		return report, fmt.Errorf("list visa types: %w", err)
	}

	pairs := make([]pair, 0, len(visaTypes)*len(w.countries))
	for _, vt := range visaTypes {
		for _, country := range w.countries {
			pairs = append(pairs, pair{visaType: vt.Code, country: country})
		}
	}
	report.Pairs = len(pairs)

	w.logger.Info("cycle started", "pairs", len(pairs), "max_concurrency", w.maxConcurrency)

	var (
		sem      = semaphore.NewWeighted(int64(w.maxConcurrency))
		wg       sync.WaitGroup
		mu       sync.Mutex
		launched int
	)

	for _, p := range pairs {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				break
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		launched++

		wg.Add(1)
		go func(p pair) {
			defer wg.Done()
			defer sem.Release(1)

			res := w.runPair(ctx, p)

			mu.Lock()
			report.add(res)
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	report.Cancelled += len(pairs) - launched
	report.Duration = time.Since(started)
	w.metrics.ObserveCycleLatency(report.Duration)

	if ctx.Err() != nil {
		w.logger.Info("cycle cancelled",
			"pairs", report.Pairs, "succeeded", report.Succeeded, "cancelled", report.Cancelled)
		return report, nil
	}

	w.logger.Info("cycle finished",
		"pairs", report.Pairs,
		"succeeded", report.Succeeded,
		"duplicates", report.Duplicates,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return report, nil
}

// RunScheduled adapts RunCycle to the scheduler's job signature.
func (w *Worker) RunScheduled(ctx context.Context, trigger time.Time) {
	w.logger.Debug("scheduled cycle triggered", "trigger", trigger)
	if _, err := w.RunCycle(ctx); err != nil {
		w.logger.Error("cycle failed", "error", err)
	}
}

func (w *Worker) runPair(ctx context.Context, p pair) (res domain.ScrapeResult) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("scrape panicked",
				"visa_type", p.visaType, "country", p.country, "panic", r, "stack", string(debug.Stack()))
			res = domain.ScrapeResult{Errors: []string{}, Messages: []string{}}
			res.Fail(domain.MsgAcquisitionFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	res = w.scraper.ScrapeAndProcess(ctx, p.visaType, p.country)
	if !res.Success && !res.HasMessage(domain.MsgCancelled) {
		w.logger.Warn("scrape failed",
			"visa_type", p.visaType, "country", p.country, "errors", res.Errors, "messages", res.Messages)
	}
	return res
}
