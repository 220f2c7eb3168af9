// Package thinktag splits model output into the visible answer and the
// reasoning segments wrapped in <think>...</think> markers.
//
// Parse is a pure function over the whole buffer. Streaming callers re-parse
// the accumulated text after every token instead of keeping parser state.
package thinktag

import "strings"

const (
	OpenTag  = "<think>"
	CloseTag = "</think>"

	// SegmentSeparator is placed between reasoning segments when they are
	// rendered as one block.
	SegmentSeparator = "\n---\n"
)

type Result struct {
	// Answer is the text outside reasoning markers, in order.
	Answer string
	// Segments holds every closed reasoning segment in document order.
	// Empty segments are kept.
	Segments []string
	// Partial is the body of an unterminated trailing segment. It is never
	// part of Segments.
	Partial string
	// InsideReasoning is true when the buffer ends inside an open segment.
	InsideReasoning bool
}

// HasReasoning reports whether the buffer contained any reasoning marker,
// including empty or still-open segments.
func (r Result) HasReasoning() bool {
	return len(r.Segments) > 0 || r.InsideReasoning
}

// Reasoning joins the closed segments and the open partial one for display.
func (r Result) Reasoning() string {
	parts := make([]string, 0, len(r.Segments)+1)
	parts = append(parts, r.Segments...)
	if r.InsideReasoning {
		parts = append(parts, r.Partial)
	}
	return strings.Join(parts, SegmentSeparator)
}

// Parse parses a buffer that may still be growing. A trailing fragment that
// could be the start of a marker is held back from Answer and Partial.
func Parse(buf string) Result {
	return parse(buf, false)
}

// ParseFinal parses a completed buffer. Nothing is held back.
func ParseFinal(buf string) Result {
	return parse(buf, true)
}

func parse(buf string, final bool) Result {
	var (
		res    Result
		answer strings.Builder
		rest   = buf
	)

	for {
		open := strings.Index(rest, OpenTag)
		stray := strings.Index(rest, CloseTag)

		// A close marker with no open marker before it is dropped.
		if stray >= 0 && (open < 0 || stray < open) {
			answer.WriteString(rest[:stray])
			rest = rest[stray+len(CloseTag):]
			continue
		}

		if open < 0 {
			if !final {
				rest, _ = splitPendingMarker(rest)
			}
			answer.WriteString(rest)
			break
		}

		answer.WriteString(rest[:open])
		rest = rest[open+len(OpenTag):]

		end := strings.Index(rest, CloseTag)
		if end < 0 {
			if !final {
				rest, _ = splitPendingMarker(rest)
			}
			res.Partial = rest
			res.InsideReasoning = true
			break
		}

		res.Segments = append(res.Segments, rest[:end])
		rest = rest[end+len(CloseTag):]
	}

	res.Answer = answer.String()
	return res
}

// splitPendingMarker holds back a trailing strict prefix of a marker
// ("<thi", "</th") so a marker split across tokens never shows up as text.
func splitPendingMarker(s string) (string, string) {
	idx := strings.LastIndexByte(s, '<')
	if idx < 0 {
		return s, ""
	}
	tail := s[idx:]
	if len(tail) < len(OpenTag) && strings.HasPrefix(OpenTag, tail) {
		return s[:idx], tail
	}
	if len(tail) < len(CloseTag) && strings.HasPrefix(CloseTag, tail) {
		return s[:idx], tail
	}
	return s, ""
}
