package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"WorkflowScanner/internal/domain"
)

// NormalizationError reports malformed source data. It is not retryable.
type NormalizationError struct {
	Field  string
	Index  int
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize: %s[%d]: %s", e.Field, e.Index, e.Reason)
}

// Normalize converts a raw payload into its canonical form and computes the content hash.
func Normalize(raw domain.RawWorkflow) (domain.NormalizedWorkflow, error) {
	if err := checkEncoding(raw); err != nil {
		return domain.NormalizedWorkflow{}, err
	}

	steps, err := normalizeSteps(raw.Steps)
	if err != nil {
		return domain.NormalizedWorkflow{}, err
	}

	doctors, err := normalizeDoctors(raw.Doctors)
	if err != nil {
		return domain.NormalizedWorkflow{}, err
	}

	out := domain.NormalizedWorkflow{
		Source:     strings.TrimSpace(raw.Source),
		Steps:      steps,
		Doctors:    doctors,
		SourceURLs: normalizeURLs(raw.SourceURLs),
	}

	hash, err := ContentHash(out)
	if err != nil {
		return domain.NormalizedWorkflow{}, err
	}
	out.ContentHash = hash

	return out, nil
}

// checkEncoding rejects invalid UTF-8. encoding/json would replace it with
// U+FFFD, so distinct byte sequences would share one hash.
func checkEncoding(raw domain.RawWorkflow) error {
	invalid := func(field string, index int) error {
		return &NormalizationError{Field: field, Index: index, Reason: "invalid UTF-8"}
	}

	if !utf8.ValidString(raw.Source) {
		return invalid("source", 0)
	}
	for i, s := range raw.Steps {
		for _, f := range []struct{ name, value string }{
			{"steps.key", s.Key},
			{"steps.title", s.Title},
			{"steps.description", s.Description},
			{"steps.documentType", s.DocumentType},
			{"steps.documentName", s.DocumentName},
			{"steps.governmentLink", s.GovernmentLink},
		} {
			if !utf8.ValidString(f.value) {
				return invalid(f.name, i)
			}
		}
	}
	for i, d := range raw.Doctors {
		for _, f := range []struct{ name, value string }{
			{"doctors.name", d.Name},
			{"doctors.address", d.Address},
			{"doctors.city", d.City},
			{"doctors.countryCode", d.CountryCode},
			{"doctors.phone", d.Phone},
			{"doctors.sourceUrl", d.SourceURL},
		} {
			if !utf8.ValidString(f.value) {
				return invalid(f.name, i)
			}
		}
	}
	for i, u := range raw.SourceURLs {
		if !utf8.ValidString(u) {
			return invalid("sourceUrls", i)
		}
	}
	return nil
}

func normalizeSteps(raw []domain.RawStep) ([]domain.NormalizedStep, error) {
	ordered := make([]domain.RawStep, len(raw))
	copy(ordered, raw)

	seen := make(map[string]struct{}, len(ordered))
	for i := range ordered {
		ordered[i].Key = strings.TrimSpace(ordered[i].Key)
		if ordered[i].Key == "" {
			return nil, &NormalizationError{Field: "steps.key", Index: i, Reason: "missing"}
		}
		if _, dup := seen[ordered[i].Key]; dup {
			return nil, &NormalizationError{Field: "steps.key", Index: i, Reason: "duplicate key " + ordered[i].Key}
		}
		seen[ordered[i].Key] = struct{}{}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Ordinal != ordered[j].Ordinal {
			return ordered[i].Ordinal < ordered[j].Ordinal
		}
		return ordered[i].Key < ordered[j].Key
	})

	steps := make([]domain.NormalizedStep, 0, len(ordered))
	for i, s := range ordered {
		steps = append(steps, domain.NormalizedStep{
			Key:            s.Key,
			Title:          CanonicalText(s.Title),
			Description:    CanonicalText(s.Description),
			Ordinal:        i + 1,
			DocumentType:   CanonicalText(s.DocumentType),
			DocumentName:   CanonicalText(s.DocumentName),
			GovernmentLink: strings.TrimSpace(s.GovernmentLink),
		})
	}
	return steps, nil
}

func normalizeDoctors(raw []domain.RawDoctor) ([]domain.NormalizedDoctor, error) {
	doctors := make([]domain.NormalizedDoctor, 0, len(raw))
	for i, d := range raw {
		name := CanonicalText(d.Name)
		if name == "" {
			return nil, &NormalizationError{Field: "doctors.name", Index: i, Reason: "missing"}
		}
		doctors = append(doctors, domain.NormalizedDoctor{
			Name:        name,
			Address:     CanonicalText(d.Address),
			City:        CanonicalText(d.City),
			CountryCode: strings.ToUpper(strings.TrimSpace(d.CountryCode)),
			Phone:       strings.TrimSpace(d.Phone),
			SourceURL:   strings.TrimSpace(d.SourceURL),
		})
	}

	sort.SliceStable(doctors, func(i, j int) bool {
		a, b := doctors[i], doctors[j]
		if a.CountryCode != b.CountryCode {
			return a.CountryCode < b.CountryCode
		}
		if a.City != b.City {
			return a.City < b.City
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Address < b.Address
	})
	return doctors, nil
}

func normalizeURLs(raw []string) []string {
	set := make(map[string]struct{}, len(raw))
	urls := make([]string, 0, len(raw))
	for _, u := range raw {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := set[u]; ok {
			continue
		}
		set[u] = struct{}{}
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

// hashPayload fixes the field set and order covered by the content hash.
type hashPayload struct {
	Source     string                  `json:"source"`
	Steps      []domain.NormalizedStep `json:"steps"`
	Doctors    []hashDoctor            `json:"doctors"`
	SourceURLs []string                `json:"sourceUrls"`
}

type hashDoctor struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	City    string `json:"city"`
	Country string `json:"country"`
}

// ContentHash returns the hex SHA-256 of the canonical serialization of n.
// Steps and doctors must already be in canonical order.
func ContentHash(n domain.NormalizedWorkflow) (string, error) {
	payload := hashPayload{
		Source:     n.Source,
		Steps:      n.Steps,
		Doctors:    make([]hashDoctor, 0, len(n.Doctors)),
		SourceURLs: n.SourceURLs,
	}
	if payload.Steps == nil {
		payload.Steps = []domain.NormalizedStep{}
	}
	if payload.SourceURLs == nil {
		payload.SourceURLs = []string{}
	}
	for _, d := range n.Doctors {
		payload.Doctors = append(payload.Doctors, hashDoctor{
			Name:    d.Name,
			Address: d.Address,
			City:    d.City,
			Country: d.CountryCode,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal canonical payload: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalText strips markup, decodes entities and collapses whitespace.
func CanonicalText(value string) string {
	if !strings.ContainsAny(value, "<&") {
		return strings.Join(strings.Fields(value), " ")
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(value))
	if err != nil {
		return strings.Join(strings.Fields(value), " ")
	}

	var parts []string
	collectText(doc.Selection, &parts)
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

func collectText(sel *goquery.Selection, parts *[]string) {
	sel.Contents().Each(func(_ int, child *goquery.Selection) {
		switch goquery.NodeName(child) {
		case "#text":
			*parts = append(*parts, child.Text())
		case "script", "style", "#comment":
		default:
			collectText(child, parts)
		}
	})
}
