// Package detector guesses why a listing page produced no records.
package detector

import (
	"bytes"
	"strings"
)

// Miss kinds returned by Classify.
const (
	KindEmptyBody     = "empty_body"
	KindChallenge     = "challenge"
	KindScriptShell   = "script_shell"
	KindMarkupChanged = "markup_changed"
)

// Heuristic implements a handful of rule-based checks.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// Bot walls served instead of the listing.
var challengeMarkers = []string{
	"captcha",
	"access denied",
	"attention required",
	"cf-chl",
	"are you a robot",
	"request unsuccessful",
}

// Markers of a client-rendered page whose content arrives after scripts run.
var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// Classify labels body with one of the Kind constants.
func (h *Heuristic) Classify(body []byte) string {
	if len(bytes.TrimSpace(body)) == 0 {
		return KindEmptyBody
	}
	lower := strings.ToLower(string(body))
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			return KindChallenge
		}
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(lower) {
		return KindScriptShell
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return KindScriptShell
		}
	}
	return KindMarkupChanged
}

// scriptDensityHigh reports whether script elements cover at least a quarter of lower.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
