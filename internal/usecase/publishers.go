package usecase

import (
	"context"
	"errors"

	"WorkflowScanner/internal/domain"
	"WorkflowScanner/internal/ports"
)

// Publishers fans one draft out to every channel. A failing channel does not
// stop the others; their errors are joined.
type Publishers []ports.DraftPublisher

var _ ports.DraftPublisher = Publishers(nil)

// PublishDraft delivers the event to each publisher in order.
func (p Publishers) PublishDraft(ctx context.Context, event domain.DraftCreated) error {
	var errs []error
	for _, pub := range p {
		if pub == nil {
			continue
		}
		if err := pub.PublishDraft(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
