package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"WorkflowScanner/internal/config"
	"WorkflowScanner/internal/domain"
	"WorkflowScanner/internal/logging"
)

const embassyFixture = `
workflows:
  - visaType: H1B
    country: AD
    services: [PanelPhysician]
    sourceUrls: ["https://ad.usembassy.gov/visas"]
    steps:
      - key: ds160
        ordinal: 1
        title: Complete the DS-160
      - key: medical_exam
        ordinal: 2
        title: Medical examination
panelPhysicians:
  ES:
    - name: Dr. Garcia
      city: Madrid
`

const uscisFixture = `
workflows:
  - visaType: H1B
    country: FR
    steps:
      - key: petition
        ordinal: 1
        title: File Form I-129
`

func testConfig(t *testing.T) config.Config {
	t.Helper()

	dir := t.TempDir()
	embassy := filepath.Join(dir, "embassy.yaml")
	uscis := filepath.Join(dir, "uscis.yaml")
	require.NoError(t, os.WriteFile(embassy, []byte(embassyFixture), 0o600))
	require.NoError(t, os.WriteFile(uscis, []byte(uscisFixture), 0o600))

	return config.Config{
		Logging:   config.LoggingConfig{Level: "error"},
		Scheduler: config.SchedulerConfig{Interval: "PT1H", MaxConcurrency: 2, Countries: []string{"AD", "FR"}},
		Storage:   config.StorageConfig{Driver: config.DriverMemory},
		Lock:      config.LockConfig{Driver: config.DriverMemory},
		Messaging: config.MessagingConfig{Subject: "workflows.draft.created"},
		Sources: []config.SourceConfig{
			{Name: domain.SourceEmbassy, Kind: config.SourceKindFixture, FixturePath: embassy, UnavailableCountries: []string{"FR"}},
			{Name: domain.SourceUSCIS, Kind: config.SourceKindFixture, FixturePath: uscis},
		},
		FallbackChain: []string{domain.SourceEmbassy, domain.SourceUSCIS},
		CountryMappings: []config.CountryMappingConfig{
			{Service: domain.ServicePanelPhysician, FromCountry: "AD", ToCountry: "ES"},
		},
		VisaTypes: []config.VisaTypeConfig{{Code: "H1B", Name: "H-1B"}},
	}
}

func newTestApp(t *testing.T, cfg config.Config) *Application {
	t.Helper()

	a, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestScrapeThroughWiredApplication(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	res := a.Scrape(ctx, "H1B", "AD")
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, domain.SourceEmbassy, res.Source)
	assert.Contains(t, res.Messages, domain.MsgCountryRedirect)

	res = a.Scrape(ctx, "H1B", "FR")
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, domain.SourceUSCIS, res.Source)
	assert.Contains(t, res.Messages, domain.MsgSourceFallback)

	report, err := a.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pairs)
	assert.Equal(t, 2, report.Duplicates)

	count, err := testutil.GatherAndCount(a.registry, "workflowscanner_scrape_outcomes_total")
	require.NoError(t, err)
	// created and duplicate for each of the two producing sources
	assert.Equal(t, 4, count)
}

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	a.Scrape(context.Background(), "H1B", "AD")

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `workflowscanner_scrape_outcomes_total{source="Embassy",status="created"} 1`)
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		count, err := testutil.GatherAndCount(a.registry, "workflowscanner_scrape_outcomes_total")
		return err == nil && count == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{
			name:   "unknown source kind",
			mutate: func(c *config.Config) { c.Sources[1].Kind = "carrier-pigeon" },
			errMsg: "unknown kind",
		},
		{
			name:   "fallback names unregistered source",
			mutate: func(c *config.Config) { c.FallbackChain = []string{"Embassy", "Consulate"} },
			errMsg: "fallback chain",
		},
		{
			name:   "missing fixture file",
			mutate: func(c *config.Config) { c.Sources[0].FixturePath = "/nonexistent/embassy.yaml" },
			errMsg: "source Embassy",
		},
		{
			name:   "unknown storage driver",
			mutate: func(c *config.Config) { c.Storage.Driver = "sqlite" },
			errMsg: "unknown storage driver",
		},
		{
			name:   "unknown lock driver",
			mutate: func(c *config.Config) { c.Lock.Driver = "zookeeper" },
			errMsg: "unknown lock driver",
		},
		{
			name:   "bad redis url",
			mutate: func(c *config.Config) { c.Lock.Driver = config.DriverRedis; c.Lock.RedisURL = "http://nope" },
			errMsg: "parse redis url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(&cfg)

			_, err := New(context.Background(), cfg, logging.Discard())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestShippedFixturesDriveAFullCycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources[0].FixturePath = filepath.Join("..", "..", "configs", "fixtures", "embassy.yaml")
	cfg.Sources[1].FixturePath = filepath.Join("..", "..", "configs", "fixtures", "uscis.yaml")
	cfg.Scheduler.Countries = []string{"US", "FR", "AD", "DE"}
	cfg.VisaTypes = []config.VisaTypeConfig{{Code: "H1B"}, {Code: "B2"}, {Code: "F1"}}

	a := newTestApp(t, cfg)

	report, err := a.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, report.Pairs)
	// H1B: US, FR, AD, DE. B2: US, FR. F1: DE.
	assert.Equal(t, 7, report.Succeeded)
	assert.Equal(t, 5, report.Failed)
}
