package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScrapeResultFailAndNote(t *testing.T) {
	res := ScrapeResult{Success: true}
	res.Note("scrape.source_fallback")
	res.Fail("scrape.sources_unavailable", "all sources unavailable")

	assert.False(t, res.Success)
	assert.Equal(t, []string{"all sources unavailable"}, res.Errors)
	assert.Equal(t, []string{"scrape.source_fallback", "scrape.sources_unavailable"}, res.Messages)
}

func TestNewDraftCreated(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	v := WorkflowVersion{
		ID:          "wf-2",
		CountryCode: "AD",
		Version:     2,
		Source:      SourceEmbassy,
		ScrapeHash:  "h2",
		ScrapedAt:   at,
	}
	diff := DiffResult{
		AddedSteps:    []StepChange{{Key: "interview"}},
		RemovedSteps:  []StepChange{{Key: "fee_payment"}},
		ModifiedSteps: []StepChange{{Key: "medical_exam", ChangeType: "title_changed"}},
		TotalChanges:  3,
	}

	ev := NewDraftCreated(v, "H1B", diff)

	assert.Equal(t, "wf-2", ev.WorkflowID)
	assert.Equal(t, "H1B", ev.VisaTypeCode)
	assert.Equal(t, "AD", ev.CountryCode)
	assert.Equal(t, 2, ev.Version)
	assert.Equal(t, at, ev.ScrapedAt)
	assert.Equal(t, []string{"interview"}, ev.AddedSteps)
	assert.Equal(t, []string{"fee_payment"}, ev.RemovedSteps)
	assert.Equal(t, []string{"medical_exam"}, ev.ModifiedSteps)
	assert.Equal(t, 3, ev.TotalChanges)
}
