package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"WorkflowScanner/internal/domain"
	"WorkflowScanner/internal/ports"
)

// ErrAllSourcesUnavailable is returned when every source in the chain reported unavailability.
var ErrAllSourcesUnavailable = errors.New("all sources unavailable")

// Acquisition is the outcome of walking the fallback chain.
type Acquisition struct {
	Payload domain.RawWorkflow
	// Source is the adapter that produced Payload.
	Source ports.WorkflowSource
	// Skipped lists sources that reported unavailability before Source answered.
	Skipped []string
}

// Chain tries sources in priority order, moving on only when a source is unavailable.
type Chain struct {
	registry *Registry
	order    []string
	logger   *slog.Logger
}

// NewChain wires the registry with the configured priority order.
func NewChain(reg *Registry, order []string, log *slog.Logger) *Chain {
	if len(order) == 0 {
		order = []string{domain.SourceEmbassy, domain.SourceUSCIS}
	}
	return &Chain{registry: reg, order: order, logger: log}
}

// Order returns the configured priority order.
func (c *Chain) Order() []string {
	return append([]string(nil), c.order...)
}

// Acquire fetches a workflow from the first available source.
func (c *Chain) Acquire(ctx context.Context, visaTypeCode, countryCode string) (Acquisition, error) {
	if c.registry == nil {
		return Acquisition{}, fmt.Errorf("source registry is not configured")
	}

	var skipped []string
	for _, name := range c.order {
		if err := ctx.Err(); err != nil {
			return Acquisition{}, err
		}

		src, err := c.registry.Resolve(name)
		if err != nil {
			return Acquisition{}, err
		}

		payload, err := src.FetchWorkflow(ctx, visaTypeCode, countryCode)
		if errors.Is(err, ports.ErrSourceUnavailable) {
			c.debug("source unavailable, trying next", "source", name, "visa_type", visaTypeCode, "country", countryCode)
			skipped = append(skipped, name)
			continue
		}
		if err != nil {
			return Acquisition{}, fmt.Errorf("fetch from %s: %w", name, err)
		}

		if payload.Source == "" {
			payload.Source = src.Name()
		}
		return Acquisition{Payload: payload, Source: src, Skipped: skipped}, nil
	}

	return Acquisition{}, fmt.Errorf("%w for %s/%s: tried %s",
		ErrAllSourcesUnavailable, visaTypeCode, countryCode, strings.Join(skipped, ", "))
}

func (c *Chain) debug(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}
