package ports

import (
	"context"
	"errors"
	"time"

	"WorkflowScanner/internal/domain"
)

// Sentinel errors shared by adapters. Adapters wrap them so the use cases can
// branch with errors.Is.
var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrDuplicate         = errors.New("duplicate content")
)

// WorkflowSource acquires raw procedural data from one upstream publisher.
type WorkflowSource interface {
	Name() string
	FetchWorkflow(ctx context.Context, visaTypeCode, countryCode string) (domain.RawWorkflow, error)
	FetchPanelPhysicians(ctx context.Context, countryCode string) ([]domain.RawDoctor, error)
}

// WorkflowRepository is the persistence boundary owned by the approval state store.
type WorkflowRepository interface {
	VisaTypeByCode(ctx context.Context, code string) (domain.VisaType, error)
	ActiveVisaTypes(ctx context.Context) ([]domain.VisaType, error)
	// LatestByStatus returns the highest version in one of the statuses, or ErrNotFound.
	LatestByStatus(ctx context.Context, visaTypeID, countryCode string, statuses ...domain.VersionStatus) (domain.WorkflowVersion, error)
	MaxVersion(ctx context.Context, visaTypeID, countryCode string) (int, error)
	// CreateVersion stores a draft atomically. It returns ErrDuplicate when the
	// current version (latest pending, else latest approved) already carries
	// the same scrape hash, and ErrConflict when the version number is taken.
	CreateVersion(ctx context.Context, version domain.WorkflowVersion) error
}

// CountryMappingRepository resolves country redirects for a service.
type CountryMappingRepository interface {
	Redirect(ctx context.Context, service, fromCountry string) (domain.CountryServiceMapping, bool, error)
}

// PairLocker serializes work on one (visa type, country) pair.
type PairLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// DraftPublisher announces newly staged drafts to downstream reviewers.
type DraftPublisher interface {
	PublishDraft(ctx context.Context, event domain.DraftCreated) error
}

// Scheduler controls when scrape cycles execute.
type Scheduler interface {
	Start(ctx context.Context, job func(context.Context, time.Time)) error
	Stop(ctx context.Context) error
}
