package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"WorkflowScanner/internal/domain"
	"WorkflowScanner/internal/infrastructure/lock"
	"WorkflowScanner/internal/infrastructure/storage"
	"WorkflowScanner/internal/ports"
	"WorkflowScanner/internal/source"
)

type scrapeFunc func(ctx context.Context, visaTypeCode, countryCode string) domain.ScrapeResult

func (f scrapeFunc) ScrapeAndProcess(ctx context.Context, visaTypeCode, countryCode string) domain.ScrapeResult {
	return f(ctx, visaTypeCode, countryCode)
}

type staticCatalog struct {
	visaTypes []domain.VisaType
	err       error
}

func (c staticCatalog) ActiveVisaTypes(context.Context) ([]domain.VisaType, error) {
	return c.visaTypes, c.err
}

func catalogOf(codes ...string) staticCatalog {
	out := make([]domain.VisaType, 0, len(codes))
	for _, code := range codes {
		out = append(out, domain.VisaType{ID: "id-" + code, Code: code, Active: true})
	}
	return staticCatalog{visaTypes: out}
}

func okResult() domain.ScrapeResult {
	return domain.ScrapeResult{Success: true, Errors: []string{}, Messages: []string{domain.MsgDraftCreated}}
}

func TestRunCycleRespectsConcurrencyBound(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	var calls sync.Map

	scraper := scrapeFunc(func(_ context.Context, vt, country string) domain.ScrapeResult {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		calls.Store(vt+"|"+country, true)
		return okResult()
	})

	w := NewWorker(WorkerDeps{
		Scraper:        scraper,
		VisaTypes:      catalogOf("H1B", "B2", "F1", "J1", "O1"),
		Countries:      []string{"US", "FR", "ES"},
		MaxConcurrency: 3,
	})

	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 15, report.Pairs)
	assert.Equal(t, 15, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, report.Duration)

	count := 0
	calls.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 15, count)
}

// countingSource records how many fetches run at once.
type countingSource struct {
	ports.WorkflowSource
	inFlight atomic.Int32
	peak     atomic.Int32
	entries  atomic.Int32
}

func (c *countingSource) enter() func() {
	c.entries.Add(1)
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return func() { c.inFlight.Add(-1) }
}

func (c *countingSource) FetchWorkflow(ctx context.Context, visaTypeCode, countryCode string) (domain.RawWorkflow, error) {
	defer c.enter()()
	time.Sleep(10 * time.Millisecond)
	return c.WorkflowSource.FetchWorkflow(ctx, visaTypeCode, countryCode)
}

func TestRunCycleBoundsConcurrentSourceFetches(t *testing.T) {
	t.Parallel()

	env := newScrapeEnv(t)
	for _, code := range []string{"B2", "F1", "J1"} {
		env.repo.AddVisaType(code, code, true)
		for _, country := range []string{"FR", "AD", "US"} {
			wf := fixture(country, baseSteps())
			wf.VisaType = code
			env.embassy.Put(wf)
		}
	}

	counting := &countingSource{WorkflowSource: env.embassy}
	reg := source.NewRegistry()
	reg.Register(counting)

	w := NewWorker(WorkerDeps{
		Scraper: NewScraper(ScraperDeps{
			Chain:      source.NewChain(reg, []string{domain.SourceEmbassy}, nil),
			Repository: env.repo,
			Mappings:   env.repo,
			Locker:     lock.NewKeyedLocker(),
		}),
		VisaTypes:      env.repo,
		Countries:      []string{"US", "FR", "AD"},
		MaxConcurrency: 3,
	})

	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, report.Pairs)
	assert.Equal(t, 12, report.Succeeded)
	assert.Equal(t, int32(12), counting.entries.Load())
	assert.LessOrEqual(t, counting.peak.Load(), int32(3))
	assert.Positive(t, counting.peak.Load())
}

func TestRunCycleIsolatesFailures(t *testing.T) {
	t.Parallel()

	scraper := scrapeFunc(func(_ context.Context, vt, country string) domain.ScrapeResult {
		switch {
		case vt == "B2" && country == "FR":
			res := domain.ScrapeResult{Errors: []string{}, Messages: []string{}}
			res.Fail(domain.MsgSourcesUnavailable, "all sources unavailable")
			return res
		case vt == "F1" && country == "US":
			panic("parser exploded")
		case vt == "H1B" && country == "FR":
			res := okResult()
			res.IsDuplicate = true
			res.Messages = []string{domain.MsgDuplicate}
			return res
		}
		return okResult()
	})

	w := NewWorker(WorkerDeps{
		Scraper:   scraper,
		VisaTypes: catalogOf("H1B", "B2", "F1"),
		Countries: []string{"us", "FR", "fr", " "},
	})

	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, report.Pairs)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 4, report.Succeeded)
	assert.Equal(t, 1, report.Duplicates)
	assert.Zero(t, report.Cancelled)
}

func TestRunCycleCountsUnlaunchedPairsAsCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	w := NewWorker(WorkerDeps{
		Scraper: scrapeFunc(func(context.Context, string, string) domain.ScrapeResult {
			calls.Add(1)
			return okResult()
		}),
		VisaTypes: catalogOf("H1B", "B2"),
		Countries: []string{"US", "FR"},
	})

	report, err := w.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Pairs)
	assert.Equal(t, 4, report.Cancelled)
	assert.Zero(t, calls.Load())
}

func TestRunCycleStopsLaunchingAfterCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	w := NewWorker(WorkerDeps{
		Scraper: scrapeFunc(func(ctx context.Context, _, _ string) domain.ScrapeResult {
			if calls.Add(1) == 1 {
				cancel()
			}
			<-ctx.Done()
			res := domain.ScrapeResult{Errors: []string{}, Messages: []string{}}
			res.Fail(domain.MsgCancelled, ctx.Err().Error())
			return res
		}),
		VisaTypes:      catalogOf("H1B", "B2", "F1"),
		Countries:      []string{"US", "FR", "ES"},
		MaxConcurrency: 1,
	})

	report, err := w.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, report.Pairs)
	assert.Equal(t, 9, report.Cancelled)
	assert.Zero(t, report.Succeeded)
	assert.Zero(t, report.Failed)
}

func TestRunCycleFailsWhenVisaTypesCannotBeListed(t *testing.T) {
	t.Parallel()

	w := NewWorker(WorkerDeps{
		Scraper:   scrapeFunc(func(context.Context, string, string) domain.ScrapeResult { return okResult() }),
		VisaTypes: staticCatalog{err: errors.New("db down")},
		Countries: []string{"US"},
	})

	_, err := w.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list visa types")
}

func TestRunCycleThrottlesLaunches(t *testing.T) {
	t.Parallel()

	w := NewWorker(WorkerDeps{
		Scraper:        scrapeFunc(func(context.Context, string, string) domain.ScrapeResult { return okResult() }),
		VisaTypes:      catalogOf("H1B"),
		Countries:      []string{"US", "FR", "ES", "DE"},
		MaxConcurrency: 4,
		RatePerSecond:  50,
		Burst:          1,
	})

	started := time.Now()
	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Succeeded)
	// one token up front, then three more at 20ms apart
	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
}

func TestRunCycleEndToEndWithMemoryAdapters(t *testing.T) {
	t.Parallel()

	env := newScrapeEnv(t)
	env.repo.AddVisaType("B2", "Visitor", true)
	env.repo.AddVisaType("F1", "Student", false)
	for _, country := range []string{"FR", "AD", "US"} {
		wf := fixture(country, baseSteps())
		wf.VisaType = "B2"
		env.embassy.Put(wf)
	}

	w := NewWorker(WorkerDeps{
		Scraper:   env.scraper,
		VisaTypes: env.repo,
		Countries: []string{"US", "FR", "AD"},
	})

	first, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, first.Pairs)
	assert.Equal(t, 6, first.Succeeded)
	assert.Zero(t, first.Duplicates)

	second, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, second.Succeeded)
	assert.Equal(t, 6, second.Duplicates)
	assert.Len(t, env.repo.Versions(env.h1b.ID, "AD"), 1)
}

func TestRunCycleSameContentAcrossSharedLocker(t *testing.T) {
	t.Parallel()

	env := newScrapeEnv(t)
	reg := source.NewRegistry()
	reg.Register(env.embassy)
	shared := lock.NewKeyedLocker()

	scrapers := make([]*Scraper, 2)
	for i := range scrapers {
		scrapers[i] = NewScraper(ScraperDeps{
			Chain:      source.NewChain(reg, []string{domain.SourceEmbassy}, nil),
			Repository: env.repo,
			Mappings:   env.repo,
			Locker:     shared,
		})
	}

	var wg sync.WaitGroup
	results := make([]domain.ScrapeResult, len(scrapers))
	for i, s := range scrapers {
		wg.Add(1)
		go func(i int, s *Scraper) {
			defer wg.Done()
			results[i] = s.ScrapeAndProcess(context.Background(), "H1B", "US")
		}(i, s)
	}
	wg.Wait()

	require.True(t, results[0].Success)
	require.True(t, results[1].Success)
	assert.NotEqual(t, results[0].IsDuplicate, results[1].IsDuplicate)
	assert.Len(t, env.repo.Versions(env.h1b.ID, "US"), 1)
}

var _ VisaTypeCatalog = (*storage.MemoryRepository)(nil)
