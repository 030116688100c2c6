package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"WorkflowScanner/internal/diff"
	"WorkflowScanner/internal/domain"
	"WorkflowScanner/internal/logging"
	"WorkflowScanner/internal/metrics"
	"WorkflowScanner/internal/normalize"
	"WorkflowScanner/internal/ports"
	"WorkflowScanner/internal/source"
)

var tracer = otel.Tracer("WorkflowScanner/usecase")

// ScraperDeps wires all driven adapters into the scrape orchestrator.
type ScraperDeps struct {
	Chain      *source.Chain
	Repository ports.WorkflowRepository
	Mappings   ports.CountryMappingRepository
	Locker     ports.PairLocker
	Publisher  ports.DraftPublisher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Scraper acquires, normalizes, deduplicates and stages one (visa type, country) pair.
type Scraper struct {
	chain      *source.Chain
	repository ports.WorkflowRepository
	mappings   ports.CountryMappingRepository
	locker     ports.PairLocker
	publisher  ports.DraftPublisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewScraper constructs the orchestration component.
func NewScraper(deps ScraperDeps) *Scraper {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scraper{
		chain:      deps.Chain,
		repository: deps.Repository,
		mappings:   deps.Mappings,
		locker:     deps.Locker,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		logger:     logging.OrDiscard(deps.Logger),
		now:        clock,
	}
}

// ScrapeAndProcess runs the full pipeline for one pair. Expected failures
// (unavailable sources, malformed content, storage errors) are reported in the
// result and never returned as errors.
func (s *Scraper) ScrapeAndProcess(ctx context.Context, visaTypeCode, countryCode string) (res domain.ScrapeResult) {
	visaTypeCode = strings.ToUpper(strings.TrimSpace(visaTypeCode))
	countryCode = strings.ToUpper(strings.TrimSpace(countryCode))

	ctx, span := tracer.Start(ctx, "scrape")
	defer span.End()
	span.SetAttributes(attribute.String("visa_type", visaTypeCode), attribute.String("country", countryCode))

	started := time.Now()
	defer s.metrics.TrackInFlight()()

	log := s.logger.With("visa_type", visaTypeCode, "country", countryCode)
	res = domain.ScrapeResult{Success: true, Errors: []string{}, Messages: []string{}}

	defer func() {
		s.metrics.ObserveScrapeLatency(time.Since(started))
		s.metrics.IncrementOutcome(outcomeOf(res), res.Source)
		if !res.Success {
			span.SetStatus(codes.Error, strings.Join(res.Errors, "; "))
		}
	}()

	if s.chain == nil || s.repository == nil {
		res.Fail(domain.MsgAcquisitionFailed, "scraper is not configured")
		return res
	}

	visaType, err := s.repository.VisaTypeByCode(ctx, visaTypeCode)
	if err != nil {
		switch {
		case isCancellation(ctx, err):
			s.cancel(ctx, &res, err)
		case errors.Is(err, ports.ErrNotFound):
			res.Fail(domain.MsgVisaTypeUnknown, fmt.Sprintf("unknown visa type %s", visaTypeCode))
		default:
			res.Fail(domain.MsgPersistFailed, fmt.Sprintf("load visa type: %v", err))
		}
		log.Warn("scrape aborted", "error", err)
		return res
	}

	acq, err := s.chain.Acquire(ctx, visaType.Code, countryCode)
	if err != nil {
		switch {
		case isCancellation(ctx, err):
			s.cancel(ctx, &res, err)
		case errors.Is(err, source.ErrAllSourcesUnavailable):
			res.Fail(domain.MsgSourcesUnavailable, err.Error())
		default:
			res.Fail(domain.MsgAcquisitionFailed, err.Error())
		}
		log.Warn("acquisition failed", "error", err)
		return res
	}
	res.Source = acq.Payload.Source
	span.SetAttributes(attribute.String("source", res.Source))

	if len(acq.Skipped) > 0 {
		res.Note(domain.MsgSourceFallback)
		for _, skipped := range acq.Skipped {
			s.metrics.IncrementFallback(skipped)
		}
		log.Info("source fallback used", "skipped", acq.Skipped, "source", res.Source)
	}

	payload, err := s.applyRedirects(ctx, acq, countryCode, &res, log)
	if err != nil {
		if isCancellation(ctx, err) {
			s.cancel(ctx, &res, err)
		} else {
			res.Fail(domain.MsgAcquisitionFailed, err.Error())
		}
		log.Warn("country redirect failed", "error", err)
		return res
	}

	normalized, err := normalize.Normalize(payload)
	if err != nil {
		res.Fail(domain.MsgNormalizationFailed, err.Error())
		log.Warn("normalization failed", "source", res.Source, "error", err)
		return res
	}

	version, existing, err := s.stage(ctx, visaType, countryCode, normalized)
	if err != nil {
		if isCancellation(ctx, err) {
			s.cancel(ctx, &res, err)
		} else {
			res.Fail(domain.MsgPersistFailed, err.Error())
		}
		log.Error("persist failed", "error", err)
		return res
	}

	if existing != nil {
		res.IsDuplicate = true
		res.WorkflowID = existing.ID
		res.Version = existing.Version
		res.Note(domain.MsgDuplicate)
		log.Info("content unchanged", "workflow_id", existing.ID, "version", existing.Version)
		return res
	}

	res.WorkflowID = version.ID
	res.Version = version.Version
	res.Note(domain.MsgDraftCreated)

	changes := s.diffAgainstApproved(ctx, visaType.ID, countryCode, normalized, log)
	res.Diff = &changes

	log.Info("draft created",
		"workflow_id", version.ID,
		"version", version.Version,
		"source", version.Source,
		"total_changes", changes.TotalChanges,
	)

	if s.publisher != nil {
		if err := s.publisher.PublishDraft(ctx, domain.NewDraftCreated(version, visaType.Code, changes)); err != nil {
			res.Note(domain.MsgPublishFailed)
			log.Warn("publish draft event failed", "workflow_id", version.ID, "error", err)
		}
	}

	return res
}

// stage runs dedup and persist under the pair lock. A non-nil existing
// version means the content is unchanged and nothing was written.
func (s *Scraper) stage(ctx context.Context, visaType domain.VisaType, countryCode string, normalized domain.NormalizedWorkflow) (domain.WorkflowVersion, *domain.WorkflowVersion, error) {
	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, visaType.ID+"|"+countryCode)
		if err != nil {
			return domain.WorkflowVersion{}, nil, fmt.Errorf("lock pair: %w", err)
		}
		defer unlock()
	}

	current, found, err := s.current(ctx, visaType.ID, countryCode)
	if err != nil {
		return domain.WorkflowVersion{}, nil, err
	}
	if found && current.ScrapeHash == normalized.ContentHash {
		return domain.WorkflowVersion{}, &current, nil
	}

	maxVersion, err := s.repository.MaxVersion(ctx, visaType.ID, countryCode)
	if err != nil {
		return domain.WorkflowVersion{}, nil, fmt.Errorf("load max version: %w", err)
	}

	version := newVersion(visaType.ID, countryCode, maxVersion+1, normalized, s.now().UTC())
	err = s.repository.CreateVersion(ctx, version)
	if errors.Is(err, ports.ErrDuplicate) {
		// another writer staged the same content after our read
		existing, ok, lookupErr := s.current(ctx, visaType.ID, countryCode)
		if lookupErr != nil {
			return domain.WorkflowVersion{}, nil, lookupErr
		}
		if ok {
			return domain.WorkflowVersion{}, &existing, nil
		}
	}
	if err != nil {
		return domain.WorkflowVersion{}, nil, fmt.Errorf("create version %d: %w", version.Version, err)
	}
	return version, nil, nil
}

// current loads the latest pending draft, else the latest approved version.
func (s *Scraper) current(ctx context.Context, visaTypeID, countryCode string) (domain.WorkflowVersion, bool, error) {
	v, err := s.repository.LatestByStatus(ctx, visaTypeID, countryCode, domain.StatusPendingApproval)
	if errors.Is(err, ports.ErrNotFound) {
		v, err = s.repository.LatestByStatus(ctx, visaTypeID, countryCode, domain.StatusApproved)
	}
	switch {
	case err == nil:
		return v, true, nil
	case errors.Is(err, ports.ErrNotFound):
		return domain.WorkflowVersion{}, false, nil
	default:
		return domain.WorkflowVersion{}, false, fmt.Errorf("load current version: %w", err)
	}
}

// applyRedirects swaps in borrowed listings for services whose country is
// mapped elsewhere. Borrowed records keep their own country code.
func (s *Scraper) applyRedirects(ctx context.Context, acq source.Acquisition, countryCode string, res *domain.ScrapeResult, log *slog.Logger) (domain.RawWorkflow, error) {
	payload := acq.Payload
	if s.mappings == nil {
		return payload, nil
	}

	services := payload.Services
	if len(services) == 0 {
		services = []string{domain.ServicePanelPhysician}
	}

	seen := make(map[string]bool, len(services))
	for _, service := range services {
		if seen[service] {
			continue
		}
		seen[service] = true

		mapping, ok, err := s.mappings.Redirect(ctx, service, countryCode)
		if err != nil {
			return domain.RawWorkflow{}, fmt.Errorf("resolve redirect for %s: %w", service, err)
		}
		target := strings.ToUpper(mapping.ToCountry)
		if !ok || target == "" || target == countryCode {
			continue
		}

		if !strings.EqualFold(strings.TrimSpace(service), domain.ServicePanelPhysician) {
			log.Warn("redirect configured for unsupported service", "service", service, "to_country", target)
			continue
		}

		doctors, err := acq.Source.FetchPanelPhysicians(ctx, target)
		if err != nil {
			return domain.RawWorkflow{}, fmt.Errorf("panel physicians for %s via %s: %w", countryCode, target, err)
		}
		for i := range doctors {
			if strings.TrimSpace(doctors[i].CountryCode) == "" {
				doctors[i].CountryCode = target
			}
		}
		payload.Doctors = doctors
		res.Note(domain.MsgCountryRedirect)
		log.Info("country redirect applied", "service", service, "to_country", target, "doctors", len(doctors))
	}
	return payload, nil
}

func (s *Scraper) diffAgainstApproved(ctx context.Context, visaTypeID, countryCode string, normalized domain.NormalizedWorkflow, log *slog.Logger) domain.DiffResult {
	baseline, err := s.repository.LatestByStatus(ctx, visaTypeID, countryCode, domain.StatusApproved)
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		log.Warn("load approved baseline failed, diffing against empty", "error", err)
	}
	if err != nil {
		baseline = domain.WorkflowVersion{}
	}
	return diff.Diff(baseline, normalized)
}

func (s *Scraper) cancel(ctx context.Context, res *domain.ScrapeResult, err error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	res.Fail(domain.MsgCancelled, err.Error())
}

func newVersion(visaTypeID, countryCode string, number int, n domain.NormalizedWorkflow, scrapedAt time.Time) domain.WorkflowVersion {
	v := domain.WorkflowVersion{
		ID:          uuid.NewString(),
		VisaTypeID:  visaTypeID,
		CountryCode: countryCode,
		Version:     number,
		Status:      domain.StatusPendingApproval,
		Source:      n.Source,
		ScrapeHash:  n.ContentHash,
		ScrapedAt:   scrapedAt,
		Steps:       make([]domain.WorkflowStep, 0, len(n.Steps)),
		Doctors:     make([]domain.WorkflowDoctor, 0, len(n.Doctors)),
	}
	for _, st := range n.Steps {
		v.Steps = append(v.Steps, domain.WorkflowStep{
			ID:             uuid.NewString(),
			Key:            st.Key,
			Ordinal:        st.Ordinal,
			Title:          st.Title,
			Description:    st.Description,
			DocumentType:   st.DocumentType,
			DocumentName:   st.DocumentName,
			GovernmentLink: st.GovernmentLink,
		})
	}
	for _, d := range n.Doctors {
		v.Doctors = append(v.Doctors, domain.WorkflowDoctor{
			ID:          uuid.NewString(),
			Name:        d.Name,
			Address:     d.Address,
			City:        d.City,
			CountryCode: d.CountryCode,
			Phone:       d.Phone,
			SourceURL:   d.SourceURL,
		})
	}
	return v
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func outcomeOf(res domain.ScrapeResult) string {
	switch {
	case res.HasMessage(domain.MsgCancelled):
		return metrics.OutcomeCancelled
	case !res.Success:
		return metrics.OutcomeFailed
	case res.IsDuplicate:
		return metrics.OutcomeDuplicate
	default:
		return metrics.OutcomeCreated
	}
}
