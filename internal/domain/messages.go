package domain

// Message keys attached to ScrapeResult.Messages. Callers localize them.
const (
	MsgSourceFallback      = "scrape.source_fallback"
	MsgCountryRedirect     = "scrape.country_redirect"
	MsgDuplicate           = "scrape.duplicate"
	MsgDraftCreated        = "scrape.draft_created"
	MsgSourcesUnavailable  = "scrape.sources_unavailable"
	MsgNormalizationFailed = "scrape.normalization_failed"
	MsgPersistFailed       = "scrape.persist_failed"
	MsgVisaTypeUnknown     = "scrape.visa_type_unknown"
	MsgCancelled           = "scrape.cancelled"
	MsgPublishFailed       = "scrape.publish_failed"
	MsgAcquisitionFailed   = "scrape.acquisition_failed"
)

// HasMessage reports whether key was recorded on the result.
func (r ScrapeResult) HasMessage(key string) bool {
	for _, m := range r.Messages {
		if m == key {
			return true
		}
	}
	return false
}
