package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClickScriptQuotesSelector(t *testing.T) {
	script := ClickScript(`button[data-role="save"]`, true)

	assert.Contains(t, script, `document.querySelector("button[data-role=\"save\"]")`)
	assert.Contains(t, script, "scrollIntoView")
	assert.Contains(t, script, "new MouseEvent('click'")
	assert.Contains(t, script, "el.click()")
}

func TestClickScriptWithoutScroll(t *testing.T) {
	script := ClickScript("#menu", false)
	assert.NotContains(t, script, "scrollIntoView")
	assert.Contains(t, script, `"#menu"`)
}
