package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/patchset/internal/approvals"
	"github.com/MarcoPoloResearchLab/patchset/internal/labels"
	"github.com/MarcoPoloResearchLab/patchset/internal/permissions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type labelPayload struct {
	Min           int    `json:"min"`
	Max           int    `json:"max"`
	Function      string `json:"function,omitempty"`
	CopyCondition string `json:"copy_condition,omitempty"`
}

type labelResponse struct {
	Project       string `json:"project"`
	Name          string `json:"name"`
	Min           int    `json:"min"`
	Max           int    `json:"max"`
	Function      string `json:"function"`
	CopyCondition string `json:"copy_condition,omitempty"`
}

type copyApprovalsResponse struct {
	Project   string  `json:"project,omitempty"`
	Processed int     `json:"processed"`
	Updated   int     `json:"updated"`
	Failed    []int64 `json:"failed,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func (h *httpHandler) requireAdministrator(c *gin.Context, project string) bool {
	if h.permissions.Allowed(callerOf(c), permissions.Administrate, permissions.Resource{Project: project}) {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "administrate permission required"})
	return false
}

func (h *httpHandler) handlePutLabel(c *gin.Context) {
	project, name := c.Param("project"), strings.TrimSpace(c.Param("label"))
	if !h.requireAdministrator(c, project) {
		return
	}
	var input labelPayload
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	function, err := labels.ParseFunction(input.Function)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	policies, err := labels.ParseCopyCondition(input.CopyCondition)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	labelType := labels.LabelType{Name: name, Min: input.Min, Max: input.Max, Function: function, Copy: policies}
	if err := h.labels.Put(c.Request.Context(), project, labelType); err != nil {
		h.logger.Warn("label update rejected", zap.String("project", project), zap.String("label", name), zap.Error(err))
		badRequest(c, err.Error())
		return
	}
	h.logger.Info("label updated",
		zap.String("project", project),
		zap.String("label", name),
		zap.String("copy_condition", labelType.CopyCondition()))
	c.JSON(http.StatusOK, labelResponse{
		Project:       project,
		Name:          name,
		Min:           labelType.Min,
		Max:           labelType.Max,
		Function:      string(function),
		CopyCondition: labelType.CopyCondition(),
	})
}

func (h *httpHandler) handleDeleteLabel(c *gin.Context) {
	project, name := c.Param("project"), strings.TrimSpace(c.Param("label"))
	if !h.requireAdministrator(c, project) {
		return
	}
	if err := h.labels.Delete(c.Request.Context(), project, name); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleCopyApprovals recomputes sticky votes of one project, or of every project when no
// project is given. Changes that fail are listed and do not stop the batch.
func (h *httpHandler) handleCopyApprovals(c *gin.Context) {
	project := strings.TrimSpace(c.Query("project"))
	if !h.requireAdministrator(c, project) {
		return
	}
	var (
		result approvals.BatchResult
		err    error
	)
	if project == "" {
		result, err = h.copier.PersistStandalone(c.Request.Context())
	} else {
		result, err = h.copier.Persist(c.Request.Context(), project, nil)
	}
	response := copyApprovalsResponse{
		Project:   project,
		Processed: result.Processed,
		Updated:   result.Updated,
		Failed:    result.Failed,
	}
	switch {
	case errors.Is(err, approvals.ErrPartialFailure):
		response.Error = err.Error()
	case err != nil:
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}
