// Package decision implements the respond-or-skip policy for inbound
// messages.
//
// The engine is a pure function of its input: an ordered chain of guards is
// evaluated and the first guard that matches produces the verdict. Every
// verdict carries a reason code.
package decision

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/nous-labs/understudy/pkg/prefs"
	"github.com/nous-labs/understudy/pkg/style"
)

// Mode is how a response is composed.
type Mode string

const (
	ModeSilent       Mode = "silent"
	ModeDirectAnswer Mode = "direct-answer"
	ModeStyleMimic   Mode = "style-mimic"
)

// Reason explains a verdict.
type Reason string

const (
	ReasonOwnerIsSender   Reason = "owner-is-sender"
	ReasonAutoModeOff     Reason = "auto-mode-off-no-trigger"
	ReasonGroupNotAddress Reason = "group-not-addressed"
	ReasonIgnorePattern   Reason = "ignore-pattern"
	ReasonFlood           Reason = "flood-detected"
	ReasonApproved        Reason = "approved"
)

// Reasons lists every reason code.
var Reasons = []Reason{
	ReasonOwnerIsSender, ReasonAutoModeOff, ReasonGroupNotAddress,
	ReasonIgnorePattern, ReasonFlood, ReasonApproved,
}

// Verdict is the outcome for one inbound message.
type Verdict struct {
	Respond bool
	Mode    Mode
	Reason  Reason
	Query   string // direct-answer question
	Target  string // message ID being answered, if any
}

func silent(r Reason) Verdict { return Verdict{Mode: ModeSilent, Reason: r} }

// ChatMessage is one message in a chat window.
type ChatMessage struct {
	ID           string
	SenderID     string
	Text         string
	At           time.Time
	ReplyToOwner bool
	Mentions     []string
}

// ChatContext is the bounded recent view of a chat, most recent last.
type ChatContext struct {
	TenantID string
	ChatID   string
	IsGroup  bool
	OwnerID  string
	Recent   []ChatMessage
}

// LastCounterpart returns the most recent message not sent by the owner.
func (c ChatContext) LastCounterpart() (ChatMessage, bool) {
	for i := len(c.Recent) - 1; i >= 0; i-- {
		if c.Recent[i].SenderID != c.OwnerID {
			return c.Recent[i], true
		}
	}
	return ChatMessage{}, false
}

// Input is everything a decision depends on.
type Input struct {
	Context    ChatContext
	Message    ChatMessage // the message being decided; also last in Context.Recent
	Profile    style.Profile
	Preference prefs.Preference
	AutoMode   bool
}

// Config holds policy parameters.
type Config struct {
	Prefixes        Prefixes
	IgnorePatterns  []string
	AddressKeywords []string      // extra words that address the owner in groups
	FloodCount      int           // consecutive counterpart messages ...
	FloodWindow     time.Duration // ... inside this interval count as a flood
}

var DefaultIgnorePatterns = []string{
	`(?i)\b(verification|login|confirmation)\s+code\b`,
	`(?i)\b(do not reply|no-reply|unsubscribe)\b`,
}

func DefaultConfig() Config {
	return Config{
		Prefixes:       DefaultPrefixes(),
		IgnorePatterns: DefaultIgnorePatterns,
		FloodCount:     5,
		FloodWindow:    30 * time.Second,
	}
}

type guard func(in Input) (Verdict, bool)

// Engine evaluates the guard chain.
type Engine struct {
	cfg      Config
	ignore   []*regexp.Regexp
	keywords []string
	chain    []guard
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Prefixes == (Prefixes{}) {
		cfg.Prefixes = DefaultPrefixes()
	}
	if cfg.FloodCount <= 0 {
		cfg.FloodCount = 5
	}
	if cfg.FloodWindow <= 0 {
		cfg.FloodWindow = 30 * time.Second
	}
	e := &Engine{cfg: cfg}
	for _, p := range cfg.IgnorePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile ignore pattern %q: %w", p, err)
		}
		e.ignore = append(e.ignore, re)
	}
	for _, k := range cfg.AddressKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			e.keywords = append(e.keywords, k)
		}
	}
	e.chain = []guard{
		e.ownerGuard,
		e.autoModeGuard,
		e.preferenceGuard,
		e.groupGuard,
		e.ignoreGuard,
		e.floodGuard,
	}
	return e, nil
}

// Prefixes returns the configured command prefixes.
func (e *Engine) Prefixes() Prefixes { return e.cfg.Prefixes }

// Decide returns the verdict for in.
func (e *Engine) Decide(in Input) Verdict {
	for _, g := range e.chain {
		if v, ok := g(in); ok {
			return v
		}
	}
	return Verdict{
		Respond: true,
		Mode:    ModeStyleMimic,
		Reason:  ReasonApproved,
		Target:  in.Message.ID,
	}
}

// ownerGuard: the owner's own messages never get a reply, but a trigger
// command asks for a response on the owner's behalf.
func (e *Engine) ownerGuard(in Input) (Verdict, bool) {
	if in.Message.SenderID != in.Context.OwnerID {
		return Verdict{}, false
	}
	cmd := ParseCommand(in.Message.Text, e.cfg.Prefixes)
	switch cmd.Kind {
	case CmdAnswer:
		if target, ok := in.Context.LastCounterpart(); ok {
			return Verdict{Respond: true, Mode: ModeStyleMimic, Reason: ReasonApproved, Target: target.ID}, true
		}
	case CmdAsk:
		if cmd.Arg != "" {
			return Verdict{Respond: true, Mode: ModeDirectAnswer, Reason: ReasonApproved, Query: cmd.Arg}, true
		}
	}
	return silent(ReasonOwnerIsSender), true
}

func (e *Engine) autoModeGuard(in Input) (Verdict, bool) {
	if in.AutoMode {
		return Verdict{}, false
	}
	return silent(ReasonAutoModeOff), true
}

func (e *Engine) preferenceGuard(in Input) (Verdict, bool) {
	if in.Preference.Get(prefs.Respond) == "never" {
		return silent(ReasonIgnorePattern), true
	}
	return Verdict{}, false
}

func (e *Engine) groupGuard(in Input) (Verdict, bool) {
	if !in.Context.IsGroup || in.Preference.Get(prefs.Respond) == "always" {
		return Verdict{}, false
	}
	if e.addressed(in) {
		return Verdict{}, false
	}
	return silent(ReasonGroupNotAddress), true
}

func (e *Engine) ignoreGuard(in Input) (Verdict, bool) {
	text := strings.TrimSpace(in.Message.Text)
	if text == "" {
		return silent(ReasonIgnorePattern), true
	}
	for _, re := range e.ignore {
		if re.MatchString(text) {
			return silent(ReasonIgnorePattern), true
		}
	}
	return Verdict{}, false
}

// floodGuard counts the trailing run of counterpart messages that arrived
// within FloodWindow of the current one.
func (e *Engine) floodGuard(in Input) (Verdict, bool) {
	recent := in.Context.Recent
	cutoff := in.Message.At.Add(-e.cfg.FloodWindow)
	run := 0
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if m.SenderID == in.Context.OwnerID || m.At.Before(cutoff) {
			break
		}
		run++
	}
	if run >= e.cfg.FloodCount {
		return silent(ReasonFlood), true
	}
	return Verdict{}, false
}

// localpart returns the lowercased user part of a Matrix-style ID,
// "@alex:example.org" -> "alex".
func localpart(id string) string {
	id = strings.TrimPrefix(id, "@")
	if i := strings.IndexByte(id, ':'); i >= 0 {
		id = id[:i]
	}
	return strings.ToLower(id)
}

// containsWord reports whether word occurs in text with no letter or digit
// directly before or after it.
func containsWord(text, word string) bool {
	for off := 0; ; {
		i := strings.Index(text[off:], word)
		if i < 0 {
			return false
		}
		start, end := off+i, off+i+len(word)
		before, _ := utf8.DecodeLastRuneInString(text[:start])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if !isWordRune(before) && !isWordRune(after) {
			return true
		}
		off = start + 1
	}
}

func isWordRune(r rune) bool {
	return r != utf8.RuneError && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

func (e *Engine) addressed(in Input) bool {
	msg := in.Message
	if msg.ReplyToOwner {
		return true
	}
	owner := in.Context.OwnerID
	for _, m := range msg.Mentions {
		if m == owner {
			return true
		}
	}
	lower := strings.ToLower(msg.Text)
	if lp := localpart(owner); lp != "" && containsWord(lower, lp) {
		return true
	}
	for _, k := range e.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
