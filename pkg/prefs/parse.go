package prefs

import (
	"sort"
	"strings"
)

// phrase table maps owner phrasing to directives. Matching is on the
// lower-cased, trimmed phrase.
var phrases = map[string][2]string{
	"no emojis":       {Emoji, "off"},
	"no emoji":        {Emoji, "off"},
	"without emojis":  {Emoji, "off"},
	"без эмодзи":      {Emoji, "off"},
	"emojis":          {Emoji, "on"},
	"use emojis":      {Emoji, "on"},
	"short responses": {Verbosity, "short"},
	"brief":           {Verbosity, "short"},
	"concise":         {Verbosity, "short"},
	"короткие ответы": {Verbosity, "short"},
	"detailed":        {Verbosity, "long"},
	"formal tone":     {Tone, "formal"},
	"formal":          {Tone, "formal"},
	"формально":       {Tone, "formal"},
	"informal tone":   {Tone, "casual"},
	"casual":          {Tone, "casual"},
	"неформально":     {Tone, "casual"},
	"be funny":        {Tone, "funny"},
	"шутливо":         {Tone, "funny"},
	"serious tone":    {Tone, "serious"},
	"серьезно":        {Tone, "serious"},
	"be polite":       {Tone, "polite"},
	"вежливо":         {Tone, "polite"},
	"be direct":       {Tone, "direct"},
	"прямо":           {Tone, "direct"},
	"use slang":       {Slang, "on"},
	"сленг":           {Slang, "on"},
	"no slang":        {Slang, "off"},
	"без сленга":      {Slang, "off"},
	"use english":     {Language, "english"},
	"на английском":   {Language, "english"},
	"use russian":     {Language, "russian"},
	"на русском":      {Language, "russian"},
	"always respond":  {Respond, "always"},
	"always":          {Respond, "always"},
	"never respond":   {Respond, "never"},
	"never":           {Respond, "never"},
}

// ParseDirectives turns the comma-separated text of a preference command into
// directives. "key=value" pairs are taken as-is; known phrases map to their
// directive; anything else is collected into the note directive.
func ParseDirectives(text string) map[string]string {
	out := make(map[string]string)
	var notes []string
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if k, v, ok := strings.Cut(part, "="); ok {
			k = strings.ToLower(strings.TrimSpace(k))
			v = strings.TrimSpace(v)
			if k != "" && v != "" {
				out[k] = v
				continue
			}
		}
		if d, ok := phrases[strings.ToLower(part)]; ok {
			out[d[0]] = d[1]
			continue
		}
		notes = append(notes, part)
	}
	if len(notes) > 0 {
		sort.Strings(notes)
		out[Note] = strings.Join(notes, "; ")
	}
	return out
}

// Describe renders directives as a stable, human-readable line.
func Describe(directives map[string]string) string {
	if len(directives) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(directives))
	for k := range directives {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+directives[k])
	}
	return strings.Join(parts, ", ")
}
