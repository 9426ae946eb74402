// Package style derives a compact writing-style profile from an owner's
// recent messages.
//
// Profiles are deterministic: the same sample always yields the same
// profile, with no hidden randomness or map-order dependence.
package style

import (
	"errors"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// SignatureDims is the width of the hashed vocabulary signature.
const SignatureDims = 64

var ErrInsufficientSample = errors.New("insufficient owner messages for style profile")

// Profile summarizes how an owner writes.
type Profile struct {
	TenantID       string
	Vocabulary     []string  // most frequent words, most frequent first
	Signature      []float32 // L2-normalized hashed word frequencies
	AverageLength  float64   // characters per message
	EmojiRate      float64   // emoji per message
	FormalityScore float64   // 0 = very casual, 1 = very formal
	SampleSize     int
	ComputedAt     time.Time
	Neutral        bool
}

// Neutral is the fallback profile used when no style can be learned.
func Neutral(tenantID string) Profile {
	return Profile{
		TenantID:       tenantID,
		AverageLength:  80,
		FormalityScore: 0.5,
		Neutral:        true,
	}
}

// Config bounds profile computation.
type Config struct {
	MinSamples     int // minimum owner messages required
	MaxSampleChars int // total characters considered, newest first
	VocabularySize int
}

func DefaultConfig() Config {
	return Config{MinSamples: 3, MaxSampleChars: 2000, VocabularySize: 20}
}

// Profiler computes profiles.
type Profiler struct {
	cfg Config
	now func() time.Time
}

func NewProfiler(cfg Config) *Profiler {
	def := DefaultConfig()
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MaxSampleChars <= 0 {
		cfg.MaxSampleChars = def.MaxSampleChars
	}
	if cfg.VocabularySize <= 0 {
		cfg.VocabularySize = def.VocabularySize
	}
	return &Profiler{cfg: cfg, now: time.Now}
}

// Profile computes a profile from owner messages ordered oldest first.
// ComputedAt is the only field that depends on anything but the input.
func (p *Profiler) Profile(tenantID string, ownerMessages []string) (Profile, error) {
	sample := p.bound(ownerMessages)
	if len(sample) < p.cfg.MinSamples {
		return Profile{}, ErrInsufficientSample
	}

	counts := make(map[string]int)
	var chars, emoji int
	var formal float64
	for _, msg := range sample {
		chars += utf8.RuneCountInString(msg)
		emoji += countEmoji(msg)
		formal += formality(msg)
		for _, w := range words(msg) {
			counts[w]++
		}
	}
	n := float64(len(sample))

	return Profile{
		TenantID:       tenantID,
		Vocabulary:     topWords(counts, p.cfg.VocabularySize),
		Signature:      signature(counts),
		AverageLength:  round(float64(chars) / n),
		EmojiRate:      round(float64(emoji) / n),
		FormalityScore: round(formal / n),
		SampleSize:     len(sample),
		ComputedAt:     p.now(),
	}, nil
}

// bound keeps the newest non-empty messages that fit in MaxSampleChars.
func (p *Profiler) bound(msgs []string) []string {
	var out []string
	total := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		m := strings.TrimSpace(msgs[i])
		if m == "" {
			continue
		}
		l := utf8.RuneCountInString(m)
		if total+l > p.cfg.MaxSampleChars && len(out) > 0 {
			break
		}
		total += l
		out = append(out, m)
	}
	// restore oldest-first order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Similarity is the cosine similarity of two signatures.
func Similarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func topWords(counts map[string]int, n int) []string {
	all := make([]string, 0, len(counts))
	for w := range counts {
		all = append(all, w)
	}
	sort.Slice(all, func(i, j int) bool {
		if counts[all[i]] == counts[all[j]] {
			return all[i] < all[j]
		}
		return counts[all[i]] > counts[all[j]]
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func signature(counts map[string]int) []float32 {
	vec := make([]float64, SignatureDims)
	for w, c := range counts {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%SignatureDims] += float64(c)
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, SignatureDims)
	if norm == 0 {
		return out
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

var slang = map[string]bool{
	"lol": true, "lmao": true, "omg": true, "u": true, "ur": true, "gonna": true,
	"wanna": true, "ya": true, "yeah": true, "nah": true, "btw": true, "idk": true,
	"ok": true, "k": true, "thx": true, "pls": true, "кек": true, "лол": true,
	"ок": true, "щас": true, "норм": true, "спс": true, "пж": true,
}

// formality scores one message on four equally weighted signals.
func formality(msg string) float64 {
	var score float64
	first, _ := utf8.DecodeRuneInString(msg)
	if unicode.IsUpper(first) {
		score += 0.25
	}
	last, _ := utf8.DecodeLastRuneInString(msg)
	if last == '.' || last == '?' || last == '!' {
		score += 0.25
	}
	if countEmoji(msg) == 0 {
		score += 0.25
	}
	hasSlang := false
	for _, w := range words(msg) {
		if slang[w] {
			hasSlang = true
			break
		}
	}
	if !hasSlang {
		score += 0.25
	}
	return score
}

func countEmoji(s string) int {
	n := 0
	for _, r := range s {
		if isEmoji(r) {
			n++
		}
	}
	return n
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r >= 0x1F000 && r <= 0x1F2FF:
		return true
	}
	return false
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
