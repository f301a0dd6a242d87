package text

import (
	"regexp"
	"strings"
)

type INormalizer interface {
	Normalize(text string) string
}

// stageDirectionRegex matches action markup spans delimited by one or two
// asterisks on each side (e.g. *smiles*, **hugs you**), non-greedy so that
// separate spans on one line are removed individually.
var stageDirectionRegex = regexp.MustCompile(`\*{1,2}.*?\*{1,2}`)

// SpeechNormalizer prepares reply text for synthesis and cache keying: it
// strips the speaker label and stage-direction markup that should not be
// spoken. Callers MUST run text through Normalize before hashing or
// synthesizing, or cache keys will diverge from what is actually spoken.
type SpeechNormalizer struct {
	labelPrefix string // lowercased "<speaker>:" prefix, "" disables stripping
}

// NewSpeechNormalizer returns a normalizer that strips a leading
// "<speaker>:" label (case-insensitive) in addition to action markup.
func NewSpeechNormalizer(speaker string) *SpeechNormalizer {
	prefix := ""
	if s := strings.TrimSpace(speaker); s != "" {
		prefix = strings.ToLower(s) + ":"
	}
	return &SpeechNormalizer{labelPrefix: prefix}
}

// Normalize is a pure function and idempotent. Each pass only deletes
// characters, so iterating to a fixpoint terminates and guarantees that
// normalizing an already-normalized string is a no-op even when stripping a
// markup span exposes a new leading speaker label.
func (n *SpeechNormalizer) Normalize(text string) string {
	for {
		out := n.normalizeOnce(text)
		if out == text {
			return out
		}
		text = out
	}
}

func (n *SpeechNormalizer) normalizeOnce(text string) string {
	text = strings.TrimSpace(text)
	if n.labelPrefix != "" &&
		len(text) >= len(n.labelPrefix) &&
		strings.ToLower(text[:len(n.labelPrefix)]) == n.labelPrefix {
		text = strings.TrimSpace(text[len(n.labelPrefix):])
	}
	text = stageDirectionRegex.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
