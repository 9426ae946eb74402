package guard

import (
	"errors"
	"fmt"
	"regexp"
	"unicode"
	"unicode/utf8"
)

var ErrContentRejected = errors.New("content rejected")

// DefaultBlockedPatterns are the disallowed request topics.
var DefaultBlockedPatterns = []string{
	`(?i)(hack|crack|exploit|ddos|attack)`,
	`(?i)(password|credit.*card|ssn|social.*security)`,
	`(?i)(illegal|drugs|weapons|bomb)`,
}

// FilterConfig configures the content filter.
type FilterConfig struct {
	BlockedPatterns []string
	MaxLength       int // runes; 0 = unlimited
	MinMeaningful   int // letters or digits required
	MaxRepeat       int // longest allowed run of one character
}

func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		BlockedPatterns: DefaultBlockedPatterns,
		MaxLength:       500,
		MinMeaningful:   3,
		MaxRepeat:       20,
	}
}

// Filter rejects requests that must never reach the AI backend.
type Filter struct {
	cfg     FilterConfig
	blocked []*regexp.Regexp
	symbols *regexp.Regexp
}

func NewFilter(cfg FilterConfig) (*Filter, error) {
	f := &Filter{
		cfg:     cfg,
		symbols: regexp.MustCompile(`[^\p{L}\p{N}_\s]{10,}`),
	}
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile blocked pattern %q: %w", p, err)
		}
		f.blocked = append(f.blocked, re)
	}
	return f, nil
}

// Check returns ErrContentRejected, wrapped with the rule that fired.
func (f *Filter) Check(text string) error {
	if f.cfg.MaxLength > 0 && utf8.RuneCountInString(text) > f.cfg.MaxLength {
		return fmt.Errorf("too long: %w", ErrContentRejected)
	}
	for _, re := range f.blocked {
		if re.MatchString(text) {
			return fmt.Errorf("blocked pattern: %w", ErrContentRejected)
		}
	}
	if f.cfg.MaxRepeat > 0 && longestRun(text) > f.cfg.MaxRepeat {
		return fmt.Errorf("repeated characters: %w", ErrContentRejected)
	}
	if f.symbols.MatchString(text) {
		return fmt.Errorf("symbol run: %w", ErrContentRejected)
	}
	if meaningful(text) < f.cfg.MinMeaningful {
		return fmt.Errorf("too short: %w", ErrContentRejected)
	}
	return nil
}

func longestRun(s string) int {
	best, run := 0, 0
	var prev rune = -1
	for _, r := range s {
		if r == prev {
			run++
		} else {
			run = 1
			prev = r
		}
		if run > best {
			best = run
		}
	}
	return best
}

func meaningful(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
