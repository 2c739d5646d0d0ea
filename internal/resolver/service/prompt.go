package service

import (
	"strings"

	"github.com/smallbiznis/genbroker/internal/resolver/registry"
)

const segmentSeparator = ", "

// assemblePrompt joins, in order: tool phrase, context, style name, style
// keywords, user text, quality suffix. Empty segments are dropped.
func assemblePrompt(service, category, style, tool, freeform string) string {
	phrase := registry.DefaultToolPhrase(service)
	if t, ok := registry.LookupTool(service, tool); ok {
		phrase = t.Phrase
	}

	var styleName string
	if style != "" {
		styleName = strings.ReplaceAll(style, "_", " ") + " style"
	}

	segments := []string{
		phrase,
		registry.ContextPhrase(service, category),
		styleName,
		registry.StyleKeywords(style),
		freeform,
		registry.QualitySuffix,
	}

	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg = cleanSegment(seg); seg != "" {
			parts = append(parts, seg)
		}
	}
	return strings.Join(parts, segmentSeparator)
}

// cleanSegment collapses stray separators inside and around a segment.
func cleanSegment(s string) string {
	pieces := strings.Split(s, ",")
	kept := pieces[:0]
	for _, p := range pieces {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, segmentSeparator)
}
