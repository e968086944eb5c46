package changes

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/patchset/internal/labels"
	"github.com/MarcoPoloResearchLab/patchset/internal/permissions"
)

const opReview = "changes.review"

// ReviewInput is a set of votes and an optional comment posted on the current patch set.
type ReviewInput struct {
	Labels  map[string]int `json:"labels,omitempty"`
	Message string         `json:"message,omitempty"`
	Tag     string         `json:"tag,omitempty"`
}

// Review records votes on the current patch set. A zero value deletes the caller's vote; the
// deleted vote is never carried forward to later patch sets.
func (s *Service) Review(ctx context.Context, caller string, number int64, input ReviewInput) (*Notes, error) {
	notes, err := s.load(ctx, caller, number)
	if err != nil {
		return nil, err
	}
	if !s.permissions.Allowed(caller, permissions.Read, ResourceOf(notes)) {
		return nil, authf(opReview, "review_denied", "review not permitted")
	}
	if len(input.Labels) == 0 && strings.TrimSpace(input.Message) == "" {
		return notes, nil
	}

	return s.store.Update(ctx, number, func(update *ChangeUpdate) error {
		change := update.Change()
		if len(input.Labels) > 0 && !change.IsOpen() {
			return conflictf(opReview, "change_closed", "change is closed")
		}
		types, err := s.labels.WithTx(update.DB()).ForProject(update.Context(), change.Project)
		if err != nil {
			return newServiceError(opReview, "label_config_failed", err)
		}

		current := change.CurrentPatchSet
		names := make([]string, 0, len(input.Labels))
		for name := range input.Labels {
			names = append(names, name)
		}
		sort.Strings(names)

		summary := make([]string, 0, len(names))
		for _, name := range names {
			value := input.Labels[name]
			labelType, ok := types.ByName(name)
			if !ok {
				return badRequestf(opReview, "unknown_label", "label \"%s\" is not a configured label", name)
			}
			if value != 0 && !labelType.Allows(value) {
				return badRequestf(opReview, "invalid_value", "label \"%s\": %d is not a valid value", labelType.Name, value)
			}
			previous, hadVote := update.Notes().Approval(current, labelType.Name, caller)
			if hadVote && previous.Value == value && !previous.Copied {
				continue
			}
			if err := update.PutApproval(Approval{
				PatchSet: current,
				Label:    labelType.Name,
				Account:  caller,
				Value:    value,
				Tag:      input.Tag,
			}); err != nil {
				return err
			}
			if value == 0 {
				if hadVote && previous.Value != 0 {
					summary = append(summary, "-"+labelType.Name)
				}
				continue
			}
			summary = append(summary, labels.FormatVote(labelType.Name, value))
		}

		text := fmt.Sprintf("Patch Set %d:", current)
		if len(summary) > 0 {
			text += " " + strings.Join(summary, " ")
		}
		if strings.TrimSpace(input.Message) != "" {
			text += "\n\n" + strings.TrimSpace(input.Message)
		} else if len(summary) == 0 {
			return nil
		}
		update.SetSummary(fmt.Sprintf("Update patch set %d", current))
		return update.AddMessage(ChangeMessage{
			PatchSet: current,
			Author:   caller,
			Message:  text,
			Tag:      input.Tag,
		})
	})
}
