package classifier

import (
	"regexp"
	"strconv"

	"github.com/relayguard/relayguard/internal/core/domain"
)

// statusPattern finds 3-digit codes in the 4xx/5xx range; digit boundaries
// are checked separately so "15031" never yields a code.
var statusPattern = regexp.MustCompile(`[45][0-9]{2}`)

type statusSet map[int]struct{}

func newStatusSet(codes []int) statusSet {
	s := make(statusSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

func (s statusSet) contains(code int) bool {
	_, ok := s[code]
	return ok
}

// extractStatuses resolves every status signal on a result: the transport
// status when the adapter captured one, plus each standalone 4xx/5xx code
// embedded in the visible text, e.g. "Error 503: upstream unavailable".
// All codes are collected so a terminal code late in the text is never
// shadowed by an earlier retryable one.
func extractStatuses(res *domain.ModelResult) []int {
	var codes []int
	if res.StatusCode >= 400 && res.StatusCode <= 599 {
		codes = append(codes, res.StatusCode)
	}
	for _, loc := range statusPattern.FindAllStringIndex(res.Text, -1) {
		if loc[0] > 0 && isDigit(res.Text[loc[0]-1]) {
			continue
		}
		if loc[1] < len(res.Text) && isDigit(res.Text[loc[1]]) {
			continue
		}
		code, err := strconv.Atoi(res.Text[loc[0]:loc[1]])
		if err != nil {
			continue
		}
		codes = append(codes, code)
	}
	return codes
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
