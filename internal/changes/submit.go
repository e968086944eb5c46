package changes

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"github.com/MarcoPoloResearchLab/patchset/internal/labels"
	"github.com/MarcoPoloResearchLab/patchset/internal/permissions"
)

const (
	opSubmit             = "changes.submit"
	opSubmitRequirements = "changes.submit_requirements"
)

// SubmitStatus is the verdict of a submit rule.
type SubmitStatus string

const (
	SubmitOK        SubmitStatus = "OK"
	SubmitNotReady  SubmitStatus = "NOT_READY"
	SubmitRuleError SubmitStatus = "RULE_ERROR"
)

// Requirement is one unmet or met condition reported by a rule.
type Requirement struct {
	Label     string `json:"label,omitempty"`
	Satisfied bool   `json:"satisfied"`
	Message   string `json:"message"`
}

// SubmitRecord is the result of evaluating one submit rule.
type SubmitRecord struct {
	Rule         string        `json:"rule"`
	Status       SubmitStatus  `json:"status"`
	Requirements []Requirement `json:"requirements,omitempty"`
}

// SubmitInput is the snapshot handed to submit rules.
type SubmitInput struct {
	Notes  *Notes
	Labels labels.Types
}

// SubmitRule decides whether a change may be submitted.
type SubmitRule interface {
	Name() string
	Evaluate(ctx context.Context, input SubmitInput) SubmitRecord
}

// SubmitRuleFunc adapts a function to SubmitRule.
type SubmitRuleFunc struct {
	RuleName string
	Fn       func(ctx context.Context, input SubmitInput) SubmitRecord
}

func (f SubmitRuleFunc) Name() string {
	return f.RuleName
}

func (f SubmitRuleFunc) Evaluate(ctx context.Context, input SubmitInput) SubmitRecord {
	record := f.Fn(ctx, input)
	if record.Rule == "" {
		record.Rule = f.RuleName
	}
	return record
}

// SubmitRuleRegistry holds submit rules in registration order.
type SubmitRuleRegistry struct {
	mu    sync.RWMutex
	rules []SubmitRule
}

// NewSubmitRuleRegistry constructs an empty registry.
func NewSubmitRuleRegistry() *SubmitRuleRegistry {
	return &SubmitRuleRegistry{}
}

// Register appends a rule.
func (r *SubmitRuleRegistry) Register(rule SubmitRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// Evaluate runs every rule in registration order.
func (r *SubmitRuleRegistry) Evaluate(ctx context.Context, input SubmitInput) []SubmitRecord {
	r.mu.RLock()
	rules := append([]SubmitRule(nil), r.rules...)
	r.mu.RUnlock()
	records := make([]SubmitRecord, 0, len(rules))
	for _, rule := range rules {
		records = append(records, rule.Evaluate(ctx, input))
	}
	return records
}

// LabelFunctionRule applies the function of every configured label to the current votes.
type LabelFunctionRule struct{}

func (LabelFunctionRule) Name() string {
	return "label-functions"
}

func (rule LabelFunctionRule) Evaluate(_ context.Context, input SubmitInput) SubmitRecord {
	record := SubmitRecord{Rule: rule.Name(), Status: SubmitOK}
	votes := input.Notes.CurrentVotes()
	for _, labelType := range input.Labels.All() {
		var (
			blockedBy string
			approved  bool
		)
		for _, vote := range votes {
			if !strings.EqualFold(vote.Label, labelType.Name) {
				continue
			}
			if labelType.Function.BlocksOnMin() && labelType.IsMin(vote.Value) {
				blockedBy = vote.Account
			}
			if labelType.IsMax(vote.Value) {
				approved = true
			}
		}
		switch {
		case blockedBy != "":
			record.Status = SubmitNotReady
			record.Requirements = append(record.Requirements, Requirement{
				Label:   labelType.Name,
				Message: fmt.Sprintf("%s is blocked by %s", labelType.Name, blockedBy),
			})
		case labelType.Function.RequiresMax() && !approved:
			record.Status = SubmitNotReady
			record.Requirements = append(record.Requirements, Requirement{
				Label:   labelType.Name,
				Message: fmt.Sprintf("%s needs %s", labelType.Name, labels.FormatVote(labelType.Name, labelType.Max)),
			})
		case labelType.Function.RequiresMax():
			record.Requirements = append(record.Requirements, Requirement{
				Label:     labelType.Name,
				Satisfied: true,
				Message:   fmt.Sprintf("%s is approved", labelType.Name),
			})
		}
	}
	return record
}

// SubmitRequirements evaluates the submit rules of a visible change.
func (s *Service) SubmitRequirements(ctx context.Context, caller string, number int64) ([]SubmitRecord, error) {
	notes, err := s.load(ctx, caller, number)
	if err != nil {
		return nil, err
	}
	types, err := s.labels.ForProject(ctx, notes.Change.Project)
	if err != nil {
		return nil, newServiceError(opSubmitRequirements, "label_config_failed", err)
	}
	return s.submitRules.Evaluate(ctx, SubmitInput{Notes: notes, Labels: types}), nil
}

// Submit merges the current patch set by fast-forwarding the destination branch.
func (s *Service) Submit(ctx context.Context, caller string, number int64) (*Notes, error) {
	notes, err := s.load(ctx, caller, number)
	if err != nil {
		return nil, err
	}
	if !s.permissions.Allowed(caller, permissions.Submit, ResourceOf(notes)) {
		return nil, authf(opSubmit, "submit_denied", "submit not permitted")
	}
	return s.store.Update(ctx, number, func(update *ChangeUpdate) error {
		change := update.Change()
		if !change.IsOpen() {
			return statusConflict(opSubmit, change)
		}
		if change.WorkInProgress {
			return conflictf(opSubmit, "work_in_progress", "change %d is work in progress", number)
		}
		types, err := s.labels.WithTx(update.DB()).ForProject(update.Context(), change.Project)
		if err != nil {
			return newServiceError(opSubmit, "label_config_failed", err)
		}
		unmet := make([]string, 0)
		for _, record := range s.submitRules.Evaluate(update.Context(), SubmitInput{Notes: update.Notes(), Labels: types}) {
			if record.Status == SubmitOK {
				continue
			}
			for _, requirement := range record.Requirements {
				if !requirement.Satisfied {
					unmet = append(unmet, requirement.Message)
				}
			}
			if len(record.Requirements) == 0 {
				unmet = append(unmet, fmt.Sprintf("rule %s: %s", record.Rule, record.Status))
			}
		}
		if len(unmet) > 0 {
			return conflictf(opSubmit, "requirements_not_met", "submit requirement(s) not satisfied: %s", strings.Join(unmet, "; "))
		}

		commit := update.Notes().CurrentPatchSet().Commit()
		branchRef := change.Destination()
		tip, err := update.Reader().Refs().Get(update.Context(), change.Project, branchRef)
		if err != nil {
			return NewError(ErrUnprocessable, opSubmit, "branch_missing",
				fmt.Sprintf("destination branch %s does not exist", branchRef), err)
		}
		if err := s.requireFastForward(update, tip, commit); err != nil {
			return err
		}
		if err := update.UpdateRef(branchRef, tip, commit); err != nil {
			return err
		}
		update.SetSummary("Submitted")
		update.SetStatus(StatusMerged)
		return update.AddMessage(ChangeMessage{
			Author:  caller,
			Message: "Change has been successfully merged",
			Tag:     "autogenerated:merged",
		})
	})
}

// requireFastForward accepts commit when the branch tip is on its first-parent history and no
// commit in between belongs to another open change.
func (s *Service) requireFastForward(update *ChangeUpdate, tip, commit gitstore.ObjectID) error {
	ctx := update.Context()
	repo := update.Repository()
	change := update.Change()
	cursor := commit
	for cursor != tip {
		current, err := repo.ReadCommit(ctx, cursor)
		if err != nil {
			return newServiceError(opSubmit, "commit_read_failed", err)
		}
		if current.ParentCount() == 0 {
			return conflictf(opSubmit, "not_up_to_date", "change is not up to date, rebase required")
		}
		cursor = current.Parent(0)
		if cursor == tip {
			break
		}
		located, err := update.Reader().FindByCommit(ctx, change.Project, change.Branch, cursor)
		if err != nil {
			return err
		}
		for _, candidate := range located {
			if candidate.Change.Number != change.Number && candidate.Change.IsOpen() {
				return conflictf(opSubmit, "dependency_not_submitted",
					"change %d depends on change %d which was not submitted", change.Number, candidate.Change.Number)
			}
		}
	}
	return nil
}
