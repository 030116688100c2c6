package diff

import (
	"sort"
	"strings"

	"WorkflowScanner/internal/domain"
)

const (
	ChangeAdded   = "added"
	ChangeRemoved = "removed"
)

// field checks run in this order so changeType output is deterministic.
var fieldChecks = []struct {
	name string
	get  func(domain.NormalizedStep) string
}{
	{"title", func(s domain.NormalizedStep) string { return s.Title }},
	{"description", func(s domain.NormalizedStep) string { return s.Description }},
	{"documentType", func(s domain.NormalizedStep) string { return s.DocumentType }},
	{"documentName", func(s domain.NormalizedStep) string { return s.DocumentName }},
	{"governmentLink", func(s domain.NormalizedStep) string { return s.GovernmentLink }},
}

// Diff compares a stored version with a freshly normalized workflow, matching steps by key.
// Doctors are not diffed; each version keeps its full doctor list.
func Diff(previous domain.WorkflowVersion, next domain.NormalizedWorkflow) domain.DiffResult {
	return compare(fromVersion(previous), next.Steps)
}

// DiffVersions compares two stored versions with the same rules as Diff.
func DiffVersions(previous, next domain.WorkflowVersion) domain.DiffResult {
	return compare(fromVersion(previous), fromVersion(next))
}

func compare(prevSteps, nextSteps []domain.NormalizedStep) domain.DiffResult {
	prevByKey := make(map[string]domain.NormalizedStep, len(prevSteps))
	for _, s := range prevSteps {
		prevByKey[s.Key] = s
	}
	nextByKey := make(map[string]struct{}, len(nextSteps))

	result := domain.DiffResult{
		AddedSteps:    []domain.StepChange{},
		RemovedSteps:  []domain.StepChange{},
		ModifiedSteps: []domain.StepChange{},
	}

	for _, n := range nextSteps {
		nextByKey[n.Key] = struct{}{}

		p, ok := prevByKey[n.Key]
		if !ok {
			result.AddedSteps = append(result.AddedSteps, change(n, ChangeAdded))
			continue
		}

		if changed := changedFields(p, n); len(changed) > 0 {
			result.ModifiedSteps = append(result.ModifiedSteps, change(n, strings.Join(changed, ",")))
		}
	}

	for _, p := range prevSteps {
		if _, ok := nextByKey[p.Key]; !ok {
			result.RemovedSteps = append(result.RemovedSteps, change(p, ChangeRemoved))
		}
	}

	sortChanges(result.AddedSteps)
	sortChanges(result.RemovedSteps)
	sortChanges(result.ModifiedSteps)

	result.TotalChanges = len(result.AddedSteps) + len(result.RemovedSteps) + len(result.ModifiedSteps)
	return result
}

func changedFields(prev, next domain.NormalizedStep) []string {
	var changed []string
	for _, check := range fieldChecks {
		if check.get(prev) != check.get(next) {
			changed = append(changed, check.name+"_changed")
		}
	}
	return changed
}

func change(s domain.NormalizedStep, changeType string) domain.StepChange {
	return domain.StepChange{
		Key:        s.Key,
		Ordinal:    s.Ordinal,
		Title:      s.Title,
		ChangeType: changeType,
	}
}

func sortChanges(changes []domain.StepChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Ordinal != changes[j].Ordinal {
			return changes[i].Ordinal < changes[j].Ordinal
		}
		return changes[i].Key < changes[j].Key
	})
}

func fromVersion(v domain.WorkflowVersion) []domain.NormalizedStep {
	steps := make([]domain.NormalizedStep, 0, len(v.Steps))
	for _, s := range v.Steps {
		steps = append(steps, domain.NormalizedStep{
			Key:            s.Key,
			Title:          s.Title,
			Description:    s.Description,
			Ordinal:        s.Ordinal,
			DocumentType:   s.DocumentType,
			DocumentName:   s.DocumentName,
			GovernmentLink: s.GovernmentLink,
		})
	}
	return steps
}
