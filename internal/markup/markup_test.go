package markup_test

import (
	"testing"

	"github.com/MarcoPoloResearchLab/patchset/internal/markup"
	"github.com/stretchr/testify/assert"
)

func TestRenderListsVotes(t *testing.T) {
	rendered := markup.NewRenderer().Render("Patch Set 2: Patch Set 1 was rebased\n\nCopied Votes:\n* Code-Review+2\n")

	assert.Contains(t, rendered, "<p>Patch Set 2: Patch Set 1 was rebased</p>")
	assert.Contains(t, rendered, "<li>Code-Review+2</li>")
}

func TestRenderStripsScripts(t *testing.T) {
	rendered := markup.NewRenderer().Render("hello <script>alert(1)</script>")

	assert.NotContains(t, rendered, "<script>")
	assert.Contains(t, rendered, "hello")
}

func TestRenderEmpty(t *testing.T) {
	assert.Empty(t, markup.NewRenderer().Render(""))
}
