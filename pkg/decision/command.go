package decision

import "strings"

// CommandKind identifies an owner command.
type CommandKind int

const (
	CmdNone       CommandKind = iota
	CmdAsk                    // direct question
	CmdAnswer                 // answer the counterpart in the owner's style
	CmdAutoOn                 // enable auto-mode for the chat
	CmdAutoOff                // disable auto-mode for the chat
	CmdPreference             // set chat or global preferences
)

func (k CommandKind) String() string {
	switch k {
	case CmdAsk:
		return "ask"
	case CmdAnswer:
		return "answer"
	case CmdAutoOn:
		return "auto-on"
	case CmdAutoOff:
		return "auto-off"
	case CmdPreference:
		return "preference"
	}
	return "none"
}

// Trigger reports whether the command asks for a response.
func (k CommandKind) Trigger() bool { return k == CmdAsk || k == CmdAnswer }

// Command is a parsed owner command.
type Command struct {
	Kind CommandKind
	Arg  string
}

// Prefixes are the textual command triggers.
type Prefixes struct {
	Ask        string
	Answer     string
	AutoOn     string
	AutoOff    string
	Preference string
}

func DefaultPrefixes() Prefixes {
	return Prefixes{
		Ask:        ".ascl",
		Answer:     ".ans",
		AutoOn:     ".aans",
		AutoOff:    ".mans",
		Preference: ".pref",
	}
}

// ParseCommand recognizes a command when the first word of text equals one
// of the prefixes (case-insensitive). The remainder becomes the argument.
func ParseCommand(text string, p Prefixes) Command {
	text = strings.TrimSpace(text)
	if text == "" {
		return Command{}
	}
	head, rest, _ := strings.Cut(text, " ")
	if i := strings.IndexAny(head, "\n\t"); i >= 0 {
		rest = head[i+1:] + " " + rest
		head = head[:i]
	}
	head = strings.ToLower(head)
	rest = strings.TrimSpace(rest)

	for _, c := range []struct {
		prefix string
		kind   CommandKind
	}{
		{p.Ask, CmdAsk},
		{p.Answer, CmdAnswer},
		{p.AutoOn, CmdAutoOn},
		{p.AutoOff, CmdAutoOff},
		{p.Preference, CmdPreference},
	} {
		if c.prefix != "" && head == strings.ToLower(c.prefix) {
			return Command{Kind: c.kind, Arg: rest}
		}
	}
	return Command{}
}
