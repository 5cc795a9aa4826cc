// Package truncation decides whether response text looks cut off.
//
// The detector is two-tiered: an authoritative finish-reason check, then a
// text-only heuristic that enumerates patterns of unambiguous completeness
// and treats everything else as possibly truncated. A false positive costs
// one extra model call; a false negative shows the user a chopped reply, so
// the bias is deliberately toward retrying.
package truncation

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"

	"github.com/relayguard/relayguard/internal/core/domain"
)

// Detector is the pluggable completeness strategy. The rule-based
// Heuristic is the only implementation today; a learned scorer can be
// substituted without touching the classifier.
type Detector interface {
	LooksTruncated(text, finishReason string) bool
}

// Config tunes the assertive-completeness gate of tier 2.
type Config struct {
	// MinRunes is the minimum visible length before a reply without an
	// unambiguous ending can be judged complete.
	MinRunes int
	// MinTokens is the minimum model-token count for the same gate.
	MinTokens int
	// TokenizerModel selects the tiktoken encoding used for counting.
	TokenizerModel string
}

// Heuristic is the rule-based Detector.
type Heuristic struct {
	cfg    Config
	logger *slog.Logger

	codecOnce sync.Once
	codec     tokenizer.Codec
}

// NewHeuristic creates a detector with the given gates.
func NewHeuristic(cfg Config, logger *slog.Logger) *Heuristic {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinTokens <= 0 {
		cfg.MinTokens = 3
	}
	if cfg.MinRunes <= 0 {
		cfg.MinRunes = 12
	}
	return &Heuristic{cfg: cfg, logger: logger}
}

// terminalRunes are sentence-ending marks and closers that mark a reply as
// unambiguously finished, covering both Latin and CJK scripts.
const terminalRunes = ".!?…。！？；" + `)]}」』”’"'）】›»`

// openerRunes can only start a construct; a reply ending on one is never
// assertively complete.
const openerRunes = `([{「『“‘（【<`

var (
	// danglingOrdinal matches a reply whose final line is a bare list
	// marker with nothing after it ("...\n3." or "steps:\n- ").
	danglingOrdinal = regexp.MustCompile(`(?:^|\n)\s*(?:\d+\s*[.)、．]|[-*•])\s*$`)

	codeFenceClose = regexp.MustCompile("(?:^|\n)```[a-zA-Z0-9_-]*\n(?s:.*?)\n```\\s*$")

	versionEnding    = regexp.MustCompile(`v?\d+(\.\d+)+$`)
	percentEnding    = regexp.MustCompile(`\d+(\.\d+)?%$`)
	numberUnitEnding = regexp.MustCompile(`(?i)\d+(\.\d+)?\s?(ms|ns|us|s|min|h|d|b|kb|mb|gb|tb|px|pt|km|cm|mm|m|kg|g|mhz|ghz|°c|°f)$`)
	fileOrURLEnding  = regexp.MustCompile(`(?i)(https?://\S+|\S+\.(md|txt|go|py|js|ts|json|yaml|yml|toml|csv|html|css|sh|rs|java|c|cpp|h|png|jpe?g|gif|svg|pdf|zip|tar|gz|log|sql|db))$`)
)

// completionWords end a reply with an explicit signal of completion.
var completionWords = []string{
	"done", "finished", "complete", "completed", "understood", "ok", "okay",
	"ready", "yes", "no", "thanks", "welcome",
	"完成", "好的", "明白", "收到", "结束", "搞定", "可以",
}

// danglingConnectives can never legitimately end a reply.
var danglingConnectives = []string{
	"and", "or", "but", "so", "because", "however", "therefore", "including",
	"with", "to", "of", "in", "on", "at", "for", "the", "a", "an", "that",
	"which", "when", "while", "if", "then", "also", "such", "as", "like",
	"和", "或", "但", "但是", "因为", "所以", "以及", "而且", "然后", "如果", "包括", "并且",
}

// assertiveMarkers indicate a statement was actually made rather than
// trailed off mid-construction.
var assertiveMarkers = []string{
	" is ", " are ", " was ", " were ", " will ", " can ", " has ", " have ",
	" should ", " must ", " means ", " shows ", " returns ",
	"是", "了", "可以", "已经", "就是", "会",
}

// LooksTruncated reports whether the text should be treated as cut off.
// An explicit length-limit finish reason is definitive and skips the
// heuristic entirely.
func (h *Heuristic) LooksTruncated(text, finishReason string) bool {
	if finishReason == domain.FinishReasonLength {
		return true
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}

	// A bare ordinal or bullet at the very end is a high-confidence
	// truncation regardless of anything tier 2 would conclude.
	if danglingOrdinal.MatchString(trimmed) {
		h.logger.Debug("truncation: dangling list marker", slog.String("tail", tail(trimmed, 16)))
		return true
	}

	if h.unambiguouslyComplete(trimmed) {
		return false
	}

	if h.assertivelyComplete(trimmed) {
		return false
	}

	h.logger.Debug("truncation: no completeness signal", slog.String("tail", tail(trimmed, 16)))
	return true
}

// unambiguouslyComplete matches the closed list of endings that finish a
// reply beyond doubt.
func (h *Heuristic) unambiguouslyComplete(trimmed string) bool {
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	if strings.ContainsRune(terminalRunes, last) {
		return true
	}

	if strings.HasSuffix(trimmed, "```") && codeFenceClose.MatchString(trimmed) {
		return true
	}

	lastTok := lastField(trimmed)
	if versionEnding.MatchString(lastTok) ||
		percentEnding.MatchString(lastTok) ||
		numberUnitEnding.MatchString(lastTok) ||
		fileOrURLEnding.MatchString(lastTok) {
		return true
	}

	word := strings.ToLower(strings.Trim(lastTok, `,:;"'`))
	for _, cw := range completionWords {
		if matchesEnding(trimmed, word, cw) {
			return true
		}
	}
	return false
}

// matchesEnding compares a candidate ending word against the reply. Latin
// words must match the final whitespace-delimited word exactly; CJK words
// have no delimiters and are matched as a suffix.
func matchesEnding(trimmed, lastWord, candidate string) bool {
	if isASCII(candidate) {
		return lastWord == candidate
	}
	return strings.HasSuffix(trimmed, candidate)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// assertivelyComplete accepts longer prose that lacks a terminal mark but
// reads like a finished statement: enough tokens, enough length, no
// dangling connective at the end, and at least one assertive marker.
func (h *Heuristic) assertivelyComplete(trimmed string) bool {
	if utf8.RuneCountInString(trimmed) < h.cfg.MinRunes {
		return false
	}
	if h.countTokens(trimmed) < h.cfg.MinTokens {
		return false
	}

	last, _ := utf8.DecodeLastRuneInString(trimmed)
	if strings.ContainsRune(openerRunes, last) {
		return false
	}
	if strings.Count(trimmed, "```")%2 == 1 {
		return false
	}

	word := strings.ToLower(strings.Trim(lastField(trimmed), `,:;"'`))
	for _, dc := range danglingConnectives {
		if matchesEnding(trimmed, word, dc) {
			return false
		}
	}

	lower := strings.ToLower(trimmed)
	for _, marker := range assertiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// countTokens counts model tokens with tiktoken, falling back to whitespace
// fields if no encoding can be resolved.
func (h *Heuristic) countTokens(text string) int {
	h.codecOnce.Do(func() {
		codec, err := tokenizer.ForModel(tokenizer.Model(h.cfg.TokenizerModel))
		if err != nil {
			codec, err = tokenizer.Get(tokenizer.O200kBase)
		}
		if err != nil {
			h.logger.Warn("truncation: no tokenizer encoding available", slog.String("error", err.Error()))
			return
		}
		h.codec = codec
	})
	if h.codec == nil {
		return len(strings.Fields(text))
	}
	ids, _, err := h.codec.Encode(text)
	if err != nil {
		return len(strings.Fields(text))
	}
	return len(ids)
}

func lastField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func tail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

var _ Detector = (*Heuristic)(nil)
