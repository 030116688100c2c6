package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"WorkflowScanner/internal/domain"
	"WorkflowScanner/internal/ports"
)

// MemoryRepository keeps workflow versions in process memory. It backs fixture
// mode and tests, and exposes the approval transitions an admin would drive.
type MemoryRepository struct {
	mu        sync.RWMutex
	visaTypes map[string]domain.VisaType
	versions  map[string][]domain.WorkflowVersion
	mappings  map[string]domain.CountryServiceMapping
	now       func() time.Time
}

var (
	_ ports.WorkflowRepository       = (*MemoryRepository)(nil)
	_ ports.CountryMappingRepository = (*MemoryRepository)(nil)
)

// NewMemoryRepository returns an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		visaTypes: make(map[string]domain.VisaType),
		versions:  make(map[string][]domain.WorkflowVersion),
		mappings:  make(map[string]domain.CountryServiceMapping),
		now:       time.Now,
	}
}

// AddVisaType registers a visa type and returns it with a fresh id.
func (m *MemoryRepository) AddVisaType(code, name string, active bool) domain.VisaType {
	vt := domain.VisaType{
		ID:     uuid.NewString(),
		Code:   strings.ToUpper(strings.TrimSpace(code)),
		Name:   name,
		Active: active,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.visaTypes[vt.Code]; ok {
		vt.ID = existing.ID
	}
	m.visaTypes[vt.Code] = vt
	return vt
}

// AddCountryMapping registers a redirect rule.
func (m *MemoryRepository) AddCountryMapping(mapping domain.CountryServiceMapping) {
	mapping.FromCountry = strings.ToUpper(mapping.FromCountry)
	mapping.ToCountry = strings.ToUpper(mapping.ToCountry)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[mappingKey(mapping.Service, mapping.FromCountry)] = mapping
}

// VisaTypeByCode looks a visa type up by its code.
func (m *MemoryRepository) VisaTypeByCode(_ context.Context, code string) (domain.VisaType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vt, ok := m.visaTypes[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return domain.VisaType{}, fmt.Errorf("visa type %s: %w", code, ports.ErrNotFound)
	}
	return vt, nil
}

// ActiveVisaTypes returns active visa types ordered by code.
func (m *MemoryRepository) ActiveVisaTypes(_ context.Context) ([]domain.VisaType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.VisaType, 0, len(m.visaTypes))
	for _, vt := range m.visaTypes {
		if vt.Active {
			out = append(out, vt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// LatestByStatus returns the highest version whose status is one of statuses.
func (m *MemoryRepository) LatestByStatus(_ context.Context, visaTypeID, countryCode string, statuses ...domain.VersionStatus) (domain.WorkflowVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		best  domain.WorkflowVersion
		found bool
	)
	for _, v := range m.versions[pairKey(visaTypeID, countryCode)] {
		if !hasStatus(v.Status, statuses) {
			continue
		}
		if !found || v.Version > best.Version {
			best, found = v, true
		}
	}
	if !found {
		return domain.WorkflowVersion{}, fmt.Errorf("workflow %s/%s: %w", visaTypeID, countryCode, ports.ErrNotFound)
	}
	return cloneVersion(best), nil
}

// MaxVersion returns the highest version number for the pair, or 0.
func (m *MemoryRepository) MaxVersion(_ context.Context, visaTypeID, countryCode string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	maxVersion := 0
	for _, v := range m.versions[pairKey(visaTypeID, countryCode)] {
		if v.Version > maxVersion {
			maxVersion = v.Version
		}
	}
	return maxVersion, nil
}

// CreateVersion stores a new version with its children. Content matching the
// current version is rejected with ports.ErrDuplicate and a repeated version
// number with ports.ErrConflict.
func (m *MemoryRepository) CreateVersion(_ context.Context, version domain.WorkflowVersion) error {
	if version.ID == "" {
		return fmt.Errorf("create version: missing id")
	}
	key := pairKey(version.VisaTypeID, version.CountryCode)

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := currentVersion(m.versions[key]); ok && current.ScrapeHash == version.ScrapeHash {
		return fmt.Errorf("workflow %s matches version %d: %w", key, current.Version, ports.ErrDuplicate)
	}
	for _, v := range m.versions[key] {
		if v.Version == version.Version {
			return fmt.Errorf("workflow %s version %d: %w", key, version.Version, ports.ErrConflict)
		}
	}
	m.versions[key] = append(m.versions[key], cloneVersion(version))
	return nil
}

// currentVersion picks the latest pending draft, else the latest approved version.
func currentVersion(versions []domain.WorkflowVersion) (domain.WorkflowVersion, bool) {
	var pending, approved domain.WorkflowVersion
	for _, v := range versions {
		switch v.Status {
		case domain.StatusPendingApproval:
			if v.Version > pending.Version {
				pending = v
			}
		case domain.StatusApproved:
			if v.Version > approved.Version {
				approved = v
			}
		}
	}
	if pending.Version > 0 {
		return pending, true
	}
	return approved, approved.Version > 0
}

// Versions returns every stored version for the pair, oldest first.
func (m *MemoryRepository) Versions(visaTypeID, countryCode string) []domain.WorkflowVersion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.versions[pairKey(visaTypeID, countryCode)]
	out := make([]domain.WorkflowVersion, 0, len(stored))
	for _, v := range stored {
		out = append(out, cloneVersion(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Approve moves a pending draft to approved and stamps approvedAt.
func (m *MemoryRepository) Approve(_ context.Context, id string) (domain.WorkflowVersion, error) {
	return m.transition(id, domain.StatusApproved)
}

// Reject moves a pending draft to rejected.
func (m *MemoryRepository) Reject(_ context.Context, id string) (domain.WorkflowVersion, error) {
	return m.transition(id, domain.StatusRejected)
}

func (m *MemoryRepository) transition(id string, to domain.VersionStatus) (domain.WorkflowVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, versions := range m.versions {
		for i := range versions {
			if versions[i].ID != id {
				continue
			}
			if versions[i].Status != domain.StatusPendingApproval {
				return domain.WorkflowVersion{}, fmt.Errorf("workflow %s is %s: %w", id, versions[i].Status, ports.ErrConflict)
			}
			versions[i].Status = to
			if to == domain.StatusApproved {
				at := m.now().UTC()
				versions[i].ApprovedAt = &at
			}
			m.versions[key] = versions
			return cloneVersion(versions[i]), nil
		}
	}
	return domain.WorkflowVersion{}, fmt.Errorf("workflow %s: %w", id, ports.ErrNotFound)
}

// Redirect resolves a country redirect for a service.
func (m *MemoryRepository) Redirect(_ context.Context, service, fromCountry string) (domain.CountryServiceMapping, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mapping, ok := m.mappings[mappingKey(service, fromCountry)]
	return mapping, ok, nil
}

func pairKey(visaTypeID, countryCode string) string {
	return visaTypeID + "|" + strings.ToUpper(countryCode)
}

func mappingKey(service, country string) string {
	return canonicalService(service) + "|" + strings.ToUpper(strings.TrimSpace(country))
}

// canonicalService is the case-insensitive form both adapters match mappings on.
func canonicalService(service string) string {
	return strings.ToLower(strings.TrimSpace(service))
}

func hasStatus(status domain.VersionStatus, statuses []domain.VersionStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func cloneVersion(v domain.WorkflowVersion) domain.WorkflowVersion {
	v.Steps = append([]domain.WorkflowStep(nil), v.Steps...)
	v.Doctors = append([]domain.WorkflowDoctor(nil), v.Doctors...)
	if v.ApprovedAt != nil {
		at := *v.ApprovedAt
		v.ApprovedAt = &at
	}
	return v
}
