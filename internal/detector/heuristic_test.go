package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristicClassify(t *testing.T) {
	t.Parallel()

	filler := "<p>" + strings.Repeat("plain listing text ", 200) + "</p>"

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "empty", body: "  \n", want: KindEmptyBody},
		{name: "captcha", body: `<html><title>Please complete the CAPTCHA</title></html>`, want: KindChallenge},
		{name: "access denied", body: `<h1>Access Denied</h1>You don't have permission`, want: KindChallenge},
		{name: "script density", body: `<html><script>var a=1;</script><p>t</p></html>`, want: KindScriptShell},
		{name: "spa marker", body: `<div id="__next"></div>` + filler, want: KindScriptShell},
		{name: "markup changed", body: `<html><body><div class="stories-v2"></div>` + filler + `</body></html>`, want: KindMarkupChanged},
	}

	h := NewHeuristic(100)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, h.Classify([]byte(tc.body)))
		})
	}
}

func TestNewHeuristicDefaultThreshold(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 2048, NewHeuristic(0).BodyLengthThreshold)
}

func TestScriptDensityUnclosedTag(t *testing.T) {
	t.Parallel()

	assert.True(t, scriptDensityHigh(`<p>x</p><script src="a.js"`))
	assert.False(t, scriptDensityHigh(""))
	assert.False(t, scriptDensityHigh(`<p>no scripts at all here</p>`))
}
