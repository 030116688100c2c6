package sources

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"WorkflowScanner/internal/domain"
	"WorkflowScanner/internal/ports"
)

// FixtureFile is the YAML layout consumed by FixtureSource.
type FixtureFile struct {
	Workflows       []FixtureWorkflow             `yaml:"workflows"`
	PanelPhysicians map[string][]domain.RawDoctor `yaml:"panelPhysicians"`
}

// FixtureWorkflow is one canned workflow for a (visa type, country) pair.
type FixtureWorkflow struct {
	VisaType   string             `yaml:"visaType"`
	Country    string             `yaml:"country"`
	Steps      []domain.RawStep   `yaml:"steps"`
	Doctors    []domain.RawDoctor `yaml:"doctors"`
	SourceURLs []string           `yaml:"sourceUrls"`
	Services   []string           `yaml:"services"`
}

// LoadFixtureFile reads fixture data from disk.
func LoadFixtureFile(path string) (FixtureFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FixtureFile{}, fmt.Errorf("read fixtures %s: %w", path, err)
	}
	var file FixtureFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return FixtureFile{}, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	return file, nil
}

// FixtureSource serves canned workflows and can simulate per-country outages.
type FixtureSource struct {
	name string

	mu          sync.RWMutex
	workflows   map[string]FixtureWorkflow
	physicians  map[string][]domain.RawDoctor
	unavailable map[string]bool
}

var _ ports.WorkflowSource = (*FixtureSource)(nil)

// NewFixtureSource builds a source from fixture data; countries in unavailable
// answer with ports.ErrSourceUnavailable.
func NewFixtureSource(name string, data FixtureFile, unavailable []string) *FixtureSource {
	s := &FixtureSource{
		name:        name,
		workflows:   make(map[string]FixtureWorkflow, len(data.Workflows)),
		physicians:  make(map[string][]domain.RawDoctor, len(data.PanelPhysicians)),
		unavailable: make(map[string]bool, len(unavailable)),
	}
	for _, wf := range data.Workflows {
		s.workflows[fixtureKey(wf.VisaType, wf.Country)] = wf
	}
	for country, doctors := range data.PanelPhysicians {
		s.physicians[strings.ToUpper(country)] = doctors
	}
	for _, country := range unavailable {
		s.unavailable[strings.ToUpper(country)] = true
	}
	return s
}

// Name identifies the source inside the registry.
func (s *FixtureSource) Name() string {
	return s.name
}

// Put replaces the canned workflow for a pair.
func (s *FixtureSource) Put(wf FixtureWorkflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[fixtureKey(wf.VisaType, wf.Country)] = wf
}

// PutPanelPhysicians replaces the physician listing for a country.
func (s *FixtureSource) PutPanelPhysicians(country string, doctors []domain.RawDoctor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.physicians[strings.ToUpper(country)] = doctors
}

// MarkUnavailable toggles the simulated outage for a country.
func (s *FixtureSource) MarkUnavailable(country string, unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if unavailable {
		s.unavailable[strings.ToUpper(country)] = true
		return
	}
	delete(s.unavailable, strings.ToUpper(country))
}

// FetchWorkflow returns the canned workflow for the pair.
func (s *FixtureSource) FetchWorkflow(ctx context.Context, visaTypeCode, countryCode string) (domain.RawWorkflow, error) {
	if err := ctx.Err(); err != nil {
		return domain.RawWorkflow{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unavailable[strings.ToUpper(countryCode)] {
		return domain.RawWorkflow{}, fmt.Errorf("%s %s: %w", s.name, countryCode, ports.ErrSourceUnavailable)
	}

	wf, ok := s.workflows[fixtureKey(visaTypeCode, countryCode)]
	if !ok {
		return domain.RawWorkflow{}, fmt.Errorf("%s has no listing for %s/%s: %w", s.name, visaTypeCode, countryCode, ports.ErrSourceUnavailable)
	}

	return domain.RawWorkflow{
		Source:     s.name,
		Steps:      append([]domain.RawStep(nil), wf.Steps...),
		Doctors:    append([]domain.RawDoctor(nil), wf.Doctors...),
		SourceURLs: append([]string(nil), wf.SourceURLs...),
		Services:   append([]string(nil), wf.Services...),
	}, nil
}

// FetchPanelPhysicians returns the physician listing for a country.
func (s *FixtureSource) FetchPanelPhysicians(ctx context.Context, countryCode string) ([]domain.RawDoctor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	country := strings.ToUpper(countryCode)
	if s.unavailable[country] {
		return nil, fmt.Errorf("%s panel physicians %s: %w", s.name, countryCode, ports.ErrSourceUnavailable)
	}
	doctors, ok := s.physicians[country]
	if !ok {
		return nil, fmt.Errorf("%s has no panel physician listing for %s: %w", s.name, countryCode, ports.ErrSourceUnavailable)
	}
	return append([]domain.RawDoctor(nil), doctors...), nil
}

func fixtureKey(visaType, country string) string {
	return strings.ToUpper(strings.TrimSpace(visaType)) + "/" + strings.ToUpper(strings.TrimSpace(country))
}
