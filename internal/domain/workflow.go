package domain

import "time"

// Source names used by the acquisition chain.
const (
	SourceEmbassy = "Embassy"
	SourceUSCIS   = "USCIS"
)

// ServicePanelPhysician is the capability that lists approved panel physicians.
const ServicePanelPhysician = "PanelPhysician"

// VersionStatus enumerates the review lifecycle of a scraped workflow.
type VersionStatus string

const (
	StatusPendingApproval VersionStatus = "pending_approval"
	StatusApproved        VersionStatus = "approved"
	StatusRejected        VersionStatus = "rejected"
)

// VisaType is a visa category the scheduler scrapes for every target country.
type VisaType struct {
	ID     string
	Code   string
	Name   string
	Active bool
}

// WorkflowVersion is one scraped snapshot of a procedure for a (visa type, country) pair.
type WorkflowVersion struct {
	ID          string
	VisaTypeID  string
	CountryCode string
	Version     int
	Status      VersionStatus
	Source      string
	ScrapeHash  string
	ScrapedAt   time.Time
	ApprovedAt  *time.Time
	Steps       []WorkflowStep
	Doctors     []WorkflowDoctor
}

// WorkflowStep is one procedural step owned by a version. Rows are immutable.
type WorkflowStep struct {
	ID             string
	Key            string
	Ordinal        int
	Title          string
	Description    string
	DocumentType   string
	DocumentName   string
	GovernmentLink string
}

// WorkflowDoctor references an approved panel physician. CountryCode is the
// physician's own country, which can differ from the workflow's.
type WorkflowDoctor struct {
	ID          string
	Name        string
	Address     string
	City        string
	CountryCode string
	Phone       string
	SourceURL   string
}

// CountryServiceMapping redirects a service lookup from one country to another.
type CountryServiceMapping struct {
	Service     string
	FromCountry string
	ToCountry   string
	Notes       string
}

// RawWorkflow is the unprocessed payload returned by a workflow source.
type RawWorkflow struct {
	Source     string
	Steps      []RawStep
	Doctors    []RawDoctor
	SourceURLs []string
	// Services lists capabilities this workflow depends on (e.g. PanelPhysician).
	Services []string
}

// RawStep mirrors a step as published upstream; text fields may carry markup.
type RawStep struct {
	Key            string `yaml:"key" json:"key"`
	Ordinal        int    `yaml:"ordinal" json:"ordinal"`
	Title          string `yaml:"title" json:"title"`
	Description    string `yaml:"description" json:"description"`
	DocumentType   string `yaml:"documentType" json:"documentType"`
	DocumentName   string `yaml:"documentName" json:"documentName"`
	GovernmentLink string `yaml:"governmentLink" json:"governmentLink"`
}

// RawDoctor mirrors a panel physician listing entry.
type RawDoctor struct {
	Name        string `yaml:"name" json:"name"`
	Address     string `yaml:"address" json:"address"`
	City        string `yaml:"city" json:"city"`
	CountryCode string `yaml:"countryCode" json:"countryCode"`
	Phone       string `yaml:"phone" json:"phone"`
	SourceURL   string `yaml:"sourceUrl" json:"sourceUrl"`
}

// NormalizedWorkflow is the canonical, order-stable shape produced before persistence.
type NormalizedWorkflow struct {
	Source      string
	Steps       []NormalizedStep
	Doctors     []NormalizedDoctor
	SourceURLs  []string
	ContentHash string
}

// NormalizedStep is a canonical step with a gap-free ordinal.
type NormalizedStep struct {
	Key            string `json:"key"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Ordinal        int    `json:"ordinal"`
	DocumentType   string `json:"documentType,omitempty"`
	DocumentName   string `json:"documentName,omitempty"`
	GovernmentLink string `json:"governmentLink,omitempty"`
}

// NormalizedDoctor is a canonical panel physician entry.
type NormalizedDoctor struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	City        string `json:"city"`
	CountryCode string `json:"countryCode"`
	Phone       string `json:"-"`
	SourceURL   string `json:"-"`
}

// StepChange describes one step that falls into a diff bucket.
type StepChange struct {
	Key        string `json:"key"`
	Ordinal    int    `json:"ordinal"`
	Title      string `json:"title"`
	ChangeType string `json:"changeType"`
}

// DiffResult classifies step-level differences between two workflow snapshots.
type DiffResult struct {
	AddedSteps    []StepChange `json:"addedSteps"`
	RemovedSteps  []StepChange `json:"removedSteps"`
	ModifiedSteps []StepChange `json:"modifiedSteps"`
	TotalChanges  int          `json:"totalChanges"`
}

// ScrapeResult is returned to callers of a single scrape, manual or scheduled.
type ScrapeResult struct {
	Success     bool        `json:"success"`
	WorkflowID  string      `json:"workflowId,omitempty"`
	IsDuplicate bool        `json:"isDuplicate"`
	Source      string      `json:"source,omitempty"`
	Version     int         `json:"version,omitempty"`
	Errors      []string    `json:"errors"`
	Messages    []string    `json:"messages"`
	Diff        *DiffResult `json:"diff,omitempty"`
}

// Fail records an error string together with its message key.
func (r *ScrapeResult) Fail(key, errText string) {
	r.Success = false
	r.Errors = append(r.Errors, errText)
	r.Messages = append(r.Messages, key)
}

// Note appends a message key without touching the outcome.
func (r *ScrapeResult) Note(key string) {
	r.Messages = append(r.Messages, key)
}

// DraftCreated is emitted after a new pending_approval version is stored.
type DraftCreated struct {
	WorkflowID    string    `json:"workflowId"`
	VisaTypeCode  string    `json:"visaTypeCode"`
	CountryCode   string    `json:"countryCode"`
	Version       int       `json:"version"`
	Source        string    `json:"source"`
	ScrapeHash    string    `json:"scrapeHash"`
	ScrapedAt     time.Time `json:"scrapedAt"`
	AddedSteps    []string  `json:"addedSteps"`
	RemovedSteps  []string  `json:"removedSteps"`
	ModifiedSteps []string  `json:"modifiedSteps"`
	TotalChanges  int       `json:"totalChanges"`
}

// NewDraftCreated summarizes a stored draft and its diff for subscribers.
func NewDraftCreated(v WorkflowVersion, visaTypeCode string, diff DiffResult) DraftCreated {
	return DraftCreated{
		WorkflowID:    v.ID,
		VisaTypeCode:  visaTypeCode,
		CountryCode:   v.CountryCode,
		Version:       v.Version,
		Source:        v.Source,
		ScrapeHash:    v.ScrapeHash,
		ScrapedAt:     v.ScrapedAt,
		AddedSteps:    changeKeys(diff.AddedSteps),
		RemovedSteps:  changeKeys(diff.RemovedSteps),
		ModifiedSteps: changeKeys(diff.ModifiedSteps),
		TotalChanges:  diff.TotalChanges,
	}
}

func changeKeys(changes []StepChange) []string {
	keys := make([]string, 0, len(changes))
	for _, c := range changes {
		keys = append(keys, c.Key)
	}
	return keys
}
