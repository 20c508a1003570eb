// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import "strings"

// Inline control tags the model may emit. Tags are stripped from the
// visible stream; parameterized tags close with ']'.
const (
	tagMemoryPrefix  = "[MEMORY:"
	tagPatternPrefix = "[PATTERN:"

	tagReflectionOffered  = "[REFLECTION_OFFERED]"
	tagReflectionAccepted = "[REFLECTION_ACCEPTED]"
	tagReflectionDeclined = "[REFLECTION_DECLINED]"

	tagDiscoveryOpen  = "[DISCOVERY_COMPLETE]"
	tagDiscoveryClose = "[/DISCOVERY_COMPLETE]"
)

// simpleTags are stripped whole; order matters only for readability.
var simpleTags = []string{
	tagReflectionOffered,
	tagReflectionAccepted,
	tagReflectionDeclined,
	tagDiscoveryOpen,
}

// paramTags carry a payload up to the closing bracket.
var paramTags = []string{tagMemoryPrefix, tagPatternPrefix}

// Flags are the marker bits accumulated over one generation.
type Flags struct {
	MemoryMoment       bool
	PatternInsight     bool
	ReflectionOffered  bool
	ReflectionAccepted bool
	ReflectionDeclined bool
}

// Scanner incrementally separates visible prose from inline control tags
// as model chunks arrive.
//
// # Description
//
// The scanner never lets a tag fragment reach the client: when a chunk
// ends mid-tag (even mid-'['), the fragment is held back until the next
// chunk decides whether it completes a known tag or was literal text.
// Everything from a discovery-block open tag onward is withheld; the
// block body is captured for the completion handler, and prose after the
// close tag flows normally. Visible output is monotonic: text, once
// released, is never retracted.
//
// # Thread Safety
//
// Not safe for concurrent use. One scanner per generation.
type Scanner struct {
	pending      string
	visible      strings.Builder
	flags        Flags
	inBlock      bool
	blockClosed  bool
	blockContent strings.Builder
}

// NewScanner returns a scanner ready for the first chunk.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Append feeds one raw model chunk and returns the newly visible delta,
// which may be empty.
func (s *Scanner) Append(chunk string) string {
	s.pending += chunk
	return s.process(false)
}

// Flush ends the stream. A held-back fragment that can no longer become
// a tag is released as literal text; an unterminated discovery block
// stays withheld.
func (s *Scanner) Flush() string {
	return s.process(true)
}

// Flags returns the marker bits seen so far.
func (s *Scanner) Flags() Flags {
	return s.flags
}

// VisibleContent returns everything released to the client so far.
func (s *Scanner) VisibleContent() string {
	return s.visible.String()
}

// DiscoveryBlock returns the captured block body and whether the block
// was properly closed.
func (s *Scanner) DiscoveryBlock() (string, bool) {
	return strings.TrimSpace(s.blockContent.String()), s.blockClosed
}

// DiscoveryStarted reports whether a discovery block was opened.
func (s *Scanner) DiscoveryStarted() bool {
	return s.inBlock || s.blockClosed
}

func (s *Scanner) process(flush bool) string {
	var out strings.Builder
	p := s.pending
	i := 0

	for i < len(p) {
		if s.inBlock {
			if idx := strings.Index(p[i:], tagDiscoveryClose); idx >= 0 {
				s.blockContent.WriteString(p[i : i+idx])
				i += idx + len(tagDiscoveryClose)
				s.inBlock = false
				s.blockClosed = true
				continue
			}
			// Keep a possible partial close tag at the tail for the
			// next chunk; everything before it is block body.
			keep := suffixOverlap(p[i:], tagDiscoveryClose)
			if flush {
				keep = 0
			}
			s.blockContent.WriteString(p[i : len(p)-keep])
			i = len(p) - keep
			break
		}

		j := strings.IndexByte(p[i:], '[')
		if j < 0 {
			out.WriteString(p[i:])
			i = len(p)
			break
		}
		out.WriteString(p[i : i+j])
		i += j

		matched, consumed, held := s.matchTag(p[i:], flush)
		if held {
			break
		}
		if matched {
			i += consumed
			continue
		}
		out.WriteByte('[')
		i++
	}

	s.pending = p[i:]
	delta := out.String()
	s.visible.WriteString(delta)
	return delta
}

// matchTag inspects text starting at a '['.
//
// Returns matched with the consumed length when a complete tag was
// recognized (flags/block state updated as a side effect), held when the
// text could still grow into a tag, and neither when the bracket is
// literal prose.
func (s *Scanner) matchTag(rest string, flush bool) (matched bool, consumed int, held bool) {
	for _, tag := range simpleTags {
		if strings.HasPrefix(rest, tag) {
			s.applySimpleTag(tag)
			return true, len(tag), false
		}
		if !flush && strings.HasPrefix(tag, rest) {
			return false, 0, true
		}
	}

	for _, prefix := range paramTags {
		if strings.HasPrefix(rest, prefix) {
			if end := strings.IndexByte(rest[len(prefix):], ']'); end >= 0 {
				s.applyParamTag(prefix)
				return true, len(prefix) + end + 1, false
			}
			// Prefix complete but payload still streaming.
			if !flush {
				return false, 0, true
			}
			return false, 0, false
		}
		if !flush && strings.HasPrefix(prefix, rest) {
			return false, 0, true
		}
	}

	return false, 0, false
}

func (s *Scanner) applySimpleTag(tag string) {
	switch tag {
	case tagReflectionOffered:
		s.flags.ReflectionOffered = true
	case tagReflectionAccepted:
		s.flags.ReflectionAccepted = true
	case tagReflectionDeclined:
		s.flags.ReflectionDeclined = true
	case tagDiscoveryOpen:
		s.inBlock = true
	}
}

func (s *Scanner) applyParamTag(prefix string) {
	switch prefix {
	case tagMemoryPrefix:
		s.flags.MemoryMoment = true
	case tagPatternPrefix:
		s.flags.PatternInsight = true
	}
}

// suffixOverlap returns the length of the longest suffix of text that is
// a proper prefix of tag.
func suffixOverlap(text, tag string) int {
	max := len(tag) - 1
	if max > len(text) {
		max = len(text)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, text[len(text)-n:]) {
			return n
		}
	}
	return 0
}
