package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"WorkflowScanner/internal/domain"
	"WorkflowScanner/internal/ports"
)

var tracer = otel.Tracer("WorkflowScanner/sources")

// HTTPSourceConfig describes one HTTP-backed publisher.
type HTTPSourceConfig struct {
	Name          string
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// HTTPSource fetches published workflows as JSON from an upstream service.
type HTTPSource struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ ports.WorkflowSource = (*HTTPSource)(nil)

type workflowDocument struct {
	Source     string             `json:"source"`
	Steps      []domain.RawStep   `json:"steps"`
	Doctors    []domain.RawDoctor `json:"doctors"`
	SourceURLs []string           `json:"sourceUrls"`
	Services   []string           `json:"services"`
}

type physiciansDocument struct {
	Doctors []domain.RawDoctor `json:"doctors"`
}

// NewHTTPSource wires an HTTP client; timeout defaults to 20s and the limiter to 2 req/s.
func NewHTTPSource(cfg HTTPSourceConfig, client *http.Client, log *slog.Logger) *HTTPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &HTTPSource{
		name:    cfg.Name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  log,
	}
}

// Name identifies the source inside the registry.
func (h *HTTPSource) Name() string {
	return h.name
}

// FetchWorkflow downloads the workflow document for the pair.
func (h *HTTPSource) FetchWorkflow(ctx context.Context, visaTypeCode, countryCode string) (domain.RawWorkflow, error) {
	endpoint, err := buildEndpoint(h.baseURL, "workflows", visaTypeCode, countryCode)
	if err != nil {
		return domain.RawWorkflow{}, err
	}

	var doc workflowDocument
	if err := h.getJSON(ctx, endpoint, &doc); err != nil {
		return domain.RawWorkflow{}, err
	}

	source := doc.Source
	if source == "" {
		source = h.name
	}
	return domain.RawWorkflow{
		Source:     source,
		Steps:      doc.Steps,
		Doctors:    doc.Doctors,
		SourceURLs: append(doc.SourceURLs, endpoint),
		Services:   doc.Services,
	}, nil
}

// FetchPanelPhysicians downloads the physician listing for a country.
func (h *HTTPSource) FetchPanelPhysicians(ctx context.Context, countryCode string) ([]domain.RawDoctor, error) {
	endpoint, err := buildEndpoint(h.baseURL, "panel-physicians", countryCode)
	if err != nil {
		return nil, err
	}

	var doc physiciansDocument
	if err := h.getJSON(ctx, endpoint, &doc); err != nil {
		return nil, err
	}
	return doc.Doctors, nil
}

func (h *HTTPSource) getJSON(ctx context.Context, endpoint string, v any) error {
	ctx, span := tracer.Start(ctx, "source.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("source", h.name), attribute.String("url", endpoint))

	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "WorkflowScanner/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	h.debug("source response", "source", h.name, "url", endpoint, "status", resp.StatusCode)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone, http.StatusServiceUnavailable:
		return fmt.Errorf("%s returned %s: %w", h.name, resp.Status, ports.ErrSourceUnavailable)
	default:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%s returned %s: %s", h.name, resp.Status, strings.TrimSpace(string(payload)))
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

func buildEndpoint(base string, segments ...string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid source url %s: %w", base, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid source url %s: missing scheme or host", base)
	}
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	return parsed.JoinPath(escaped...).String(), nil
}

func (h *HTTPSource) debug(msg string, args ...any) {
	if h.logger != nil {
		h.logger.Debug(msg, args...)
	}
}
