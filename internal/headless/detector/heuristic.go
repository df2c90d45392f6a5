// Package detector decides when a fetched product page needs a headless
// render before extraction.
package detector

import (
	"bytes"

	"github.com/JakeFAU/bookmeta/internal/lookup"
)

const (
	defaultBodyLengthThreshold = 2048
	defaultPayloadMarker       = "application/ld+json"
	scriptCoveragePercent      = 25
)

// Heuristic promotes pages that look like a client-rendered shell and carry
// no structured payload of their own.
type Heuristic struct {
	BodyLengthThreshold int
	// PayloadMarker is matched case-insensitively; a page containing it is
	// already extractable and never promoted.
	PayloadMarker []byte
}

var _ lookup.HeadlessDetector = (*Heuristic)(nil)

// NewHeuristic creates a new detector. Zero values select defaults.
func NewHeuristic(threshold int, payloadMarker string) *Heuristic {
	if threshold == 0 {
		threshold = defaultBodyLengthThreshold
	}
	if payloadMarker == "" {
		payloadMarker = defaultPayloadMarker
	}
	return &Heuristic{
		BodyLengthThreshold: threshold,
		PayloadMarker:       bytes.ToLower([]byte(payloadMarker)),
	}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("enable javascript"),
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(probe lookup.FetchResult) bool {
	if h == nil || !probe.OK() || probe.UsedHeadless {
		return false
	}
	body := bytes.ToLower(probe.Body)
	if len(body) == 0 {
		return true
	}
	if len(h.PayloadMarker) > 0 && bytes.Contains(body, h.PayloadMarker) {
		return false
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements make up a quarter or
// more of a lowercased document.
func scriptDensityHigh(lower []byte) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	openTag := []byte("<script")
	closeTag := []byte("</script>")
	coverage := 0
	pos := 0
	for pos < total {
		rel := bytes.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := bytes.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			// Unterminated tag: the rest of the document is script.
			coverage += total - start
			break
		}
		contentStart := start + tagEnd + 1
		end := total
		if relEnd := bytes.Index(lower[contentStart:], closeTag); relEnd != -1 {
			end = contentStart + relEnd + len(closeTag)
		}
		coverage += end - start
		pos = end
	}
	return coverage*100/total >= scriptCoveragePercent
}
