package server

import (
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/MarcoPoloResearchLab/patchset/internal/rebase"
	"github.com/gin-gonic/gin"
)

type rebaseResponse struct {
	Change           *changes.Notes     `json:"change"`
	Revision         changes.PatchSet   `json:"revision"`
	Base             string             `json:"base"`
	HasConflicts     bool               `json:"contains_git_conflicts,omitempty"`
	ConflictingFiles []string           `json:"conflicting_files,omitempty"`
	CopiedApprovals  []changes.Approval `json:"copied_approvals,omitempty"`
}

func (h *httpHandler) rebaseRequest(c *gin.Context) (rebase.Request, bool) {
	number, ok := changeNumber(c)
	if !ok {
		return rebase.Request{}, false
	}
	var request rebase.Request
	if !bindOptionalJSON(c, &request) {
		return rebase.Request{}, false
	}
	request.ChangeNumber = number
	request.Caller = callerOf(c)
	if raw := c.Param("patchset"); raw != "" && raw != "current" {
		patchSet, err := strconv.Atoi(raw)
		if err != nil || patchSet <= 0 {
			badRequest(c, "invalid patch set number")
			return rebase.Request{}, false
		}
		request.PatchSet = patchSet
	}
	return request, true
}

func (h *httpHandler) handleRebase(c *gin.Context) {
	request, ok := h.rebaseRequest(c)
	if !ok {
		return
	}
	result, err := h.rebaser.Rebase(c.Request.Context(), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rebaseResponse{
		Change:           result.Notes,
		Revision:         result.PatchSet,
		Base:             result.Base.String(),
		HasConflicts:     result.HasConflicts,
		ConflictingFiles: result.ConflictingFiles,
		CopiedApprovals:  result.Copy.Copied,
	})
}

func (h *httpHandler) handleRebaseChain(c *gin.Context) {
	request, ok := h.rebaseRequest(c)
	if !ok {
		return
	}
	result, err := h.rebaser.RebaseChain(c.Request.Context(), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
