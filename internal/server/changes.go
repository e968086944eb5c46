package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/gin-gonic/gin"
)

const (
	messageFormatText = "text"
	messageFormatHTML = "html"
)

type commentPayload struct {
	Message string `json:"message"`
}

type branchCommitPayload struct {
	Message string            `json:"message"`
	Edits   changes.FileEdits `json:"edits"`
}

type branchCommitResponse struct {
	Project string `json:"project"`
	Branch  string `json:"branch"`
	Commit  string `json:"commit"`
}

type messagePayload struct {
	changes.ChangeMessage
	HTML string `json:"html,omitempty"`
}

// bindOptionalJSON decodes the request body when one was sent.
func bindOptionalJSON(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid_request")
		return false
	}
	return true
}

func changeNumber(c *gin.Context) (int64, bool) {
	number, err := strconv.ParseInt(c.Param("number"), 10, 64)
	if err != nil || number <= 0 {
		badRequest(c, "invalid change number")
		return 0, false
	}
	return number, true
}

func (h *httpHandler) handleCreateChange(c *gin.Context) {
	var input changes.CreateChangeInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	notes, err := h.changes.CreateChange(c.Request.Context(), callerOf(c), input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, notes)
}

func (h *httpHandler) handleQueryChanges(c *gin.Context) {
	found, err := h.changes.Query(c.Request.Context(), callerOf(c), c.Query("q"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if found == nil {
		found = []*changes.Notes{}
	}
	c.JSON(http.StatusOK, found)
}

func (h *httpHandler) handleGetChange(c *gin.Context) {
	number, ok := changeNumber(c)
	if !ok {
		return
	}
	notes, err := h.changes.Get(c.Request.Context(), callerOf(c), number)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, notes)
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	number, ok := changeNumber(c)
	if !ok {
		return
	}
	format := strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", messageFormatText)))
	if format != messageFormatText && format != messageFormatHTML {
		badRequest(c, "format must be text or html")
		return
	}
	messages, err := h.changes.Messages(c.Request.Context(), callerOf(c), number)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payload := messagePayload{ChangeMessage: message}
		if format == messageFormatHTML {
			payload.HTML = h.markup.Render(message.Message)
		}
		response = append(response, payload)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleUploadPatchSet(c *gin.Context) {
	number, ok := changeNumber(c)
	if !ok {
		return
	}
	var input changes.UploadPatchSetInput
	if !bindOptionalJSON(c, &input) {
		return
	}
	notes, err := h.changes.UploadPatchSet(c.Request.Context(), callerOf(c), number, input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, notes)
}

func (h *httpHandler) handleReview(c *gin.Context) {
	number, ok := changeNumber(c)
	if !ok {
		return
	}
	var input changes.ReviewInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	notes, err := h.changes.Review(c.Request.Context(), callerOf(c), number, input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, notes)
}

func (h *httpHandler) handleAbandon(c *gin.Context) {
	number, ok := changeNumber(c)
	if !ok {
		return
	}
	var input commentPayload
	if !bindOptionalJSON(c, &input) {
		return
	}
	notes, err := h.changes.Abandon(c.Request.Context(), callerOf(c), number, input.Message)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, notes)
}

func (h *httpHandler) handleRestore(c *gin.Context) {
	number, ok := changeNumber(c)
	if !ok {
		return
	}
	var input commentPayload
	if !bindOptionalJSON(c, &input) {
		return
	}
	notes, err := h.changes.Restore(c.Request.Context(), callerOf(c), number, input.Message)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, notes)
}

func (h *httpHandler) handleSetPrivate(private bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		number, ok := changeNumber(c)
		if !ok {
			return
		}
		var input commentPayload
		if !bindOptionalJSON(c, &input) {
			return
		}
		notes, err := h.changes.SetPrivate(c.Request.Context(), callerOf(c), number, private, input.Message)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, notes)
	}
}

func (h *httpHandler) handleSetWorkInProgress(wip bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		number, ok := changeNumber(c)
		if !ok {
			return
		}
		var input commentPayload
		if !bindOptionalJSON(c, &input) {
			return
		}
		notes, err := h.changes.SetWorkInProgress(c.Request.Context(), callerOf(c), number, wip, input.Message)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, notes)
	}
}

func (h *httpHandler) handleRevert(c *gin.Context) {
	number, ok := changeNumber(c)
	if !ok {
		return
	}
	var input changes.RevertInput
	if !bindOptionalJSON(c, &input) {
		return
	}
	notes, err := h.changes.Revert(c.Request.Context(), callerOf(c), number, input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, notes)
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	number, ok := changeNumber(c)
	if !ok {
		return
	}
	notes, err := h.changes.Submit(c.Request.Context(), callerOf(c), number)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, notes)
}

func (h *httpHandler) handleSubmitRequirements(c *gin.Context) {
	number, ok := changeNumber(c)
	if !ok {
		return
	}
	records, err := h.changes.SubmitRequirements(c.Request.Context(), callerOf(c), number)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *httpHandler) handleCommitToBranch(c *gin.Context) {
	var input branchCommitPayload
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	project, branch := c.Param("project"), c.Param("branch")
	commit, err := h.changes.CommitToBranch(c.Request.Context(), callerOf(c), changes.BranchCommitInput{
		Project: project,
		Branch:  branch,
		Message: input.Message,
		Edits:   input.Edits,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, branchCommitResponse{Project: project, Branch: branch, Commit: commit.String()})
}
