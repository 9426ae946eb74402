package decision

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/understudy/pkg/prefs"
)

const owner = "@owner:example.org"

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func input(group, auto bool, msgs ...ChatMessage) Input {
	return Input{
		Context: ChatContext{
			TenantID: "t1",
			ChatID:   "!room:example.org",
			IsGroup:  group,
			OwnerID:  owner,
			Recent:   msgs,
		},
		Message:  msgs[len(msgs)-1],
		AutoMode: auto,
	}
}

func msg(id, sender, text string, at time.Time) ChatMessage {
	return ChatMessage{ID: id, SenderID: sender, Text: text, At: at}
}

func TestOwnerMessagesAreSilent(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	rng := rand.New(rand.NewSource(7))
	texts := []string{"hello", "", ".aans", ".mans", ".pref no emojis", ".ascl", "ok 👍", ".ansx", "lol"}
	for i := 0; i < 200; i++ {
		text := texts[rng.Intn(len(texts))]
		group := rng.Intn(2) == 0
		auto := rng.Intn(2) == 0
		in := input(group, auto,
			msg("1", "@friend:example.org", "hey", t0),
			msg("2", owner, text, t0.Add(time.Second)),
		)
		v := e.Decide(in)
		assert.False(t, v.Respond, "text %q", text)
		assert.Equal(t, ModeSilent, v.Mode)
		assert.Equal(t, ReasonOwnerIsSender, v.Reason)
	}
}

func TestAutoModeOffWithoutTrigger(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	for _, text := range []string{"hi", "can you answer?", ".ans", "", "@owner:example.org ping"} {
		for _, group := range []bool{false, true} {
			v := e.Decide(input(group, false, msg("1", "@friend:example.org", text, t0)))
			assert.Equal(t, Verdict{Mode: ModeSilent, Reason: ReasonAutoModeOff}, v, "text %q group %v", text, group)
		}
	}
}

func TestGroupNotAddressed(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	v := e.Decide(input(true, true, msg("1", "@friend:example.org", "anyone up for lunch", t0)))
	assert.False(t, v.Respond)
	assert.Equal(t, ReasonGroupNotAddress, v.Reason)
}

func TestGroupAddressed(t *testing.T) {
	t.Parallel()

	e := newEngine(t, func(c *Config) { c.AddressKeywords = []string{"Alex"} })

	reply := msg("1", "@friend:example.org", "agreed", t0)
	reply.ReplyToOwner = true
	mention := msg("2", "@friend:example.org", "what do you think", t0)
	mention.Mentions = []string{owner}
	keyword := msg("3", "@friend:example.org", "alex, you coming?", t0)

	for _, m := range []ChatMessage{reply, mention, keyword} {
		v := e.Decide(input(true, true, m))
		assert.True(t, v.Respond, "message %s", m.ID)
		assert.Equal(t, ModeStyleMimic, v.Mode)
		assert.Equal(t, ReasonApproved, v.Reason)
		assert.Equal(t, m.ID, v.Target)
	}
}

func TestGroupAddressedByOwnerLocalpart(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	tests := []struct {
		text      string
		addressed bool
	}{
		{"Owner, are you joining?", true},
		{"ask owner about it", true},
		{"hey @owner what's up", true},
		{"who has ownership of this", false},
		{"the coowner said no", false},
	}
	for _, tc := range tests {
		v := e.Decide(input(true, true, msg("1", "@friend:example.org", tc.text, t0)))
		if tc.addressed {
			assert.Equal(t, ReasonApproved, v.Reason, "text %q", tc.text)
		} else {
			assert.Equal(t, ReasonGroupNotAddress, v.Reason, "text %q", tc.text)
		}
	}
}

func TestLocalpart(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "alex", localpart("@Alex:example.org"))
	assert.Equal(t, "bob", localpart("bob"))
	assert.Empty(t, localpart(""))
}

func TestGroupAlwaysRespondPreference(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	in := input(true, true, msg("1", "@friend:example.org", "anyone up for lunch", t0))
	in.Preference = prefs.Preference{Directives: map[string]string{prefs.Respond: "always"}}
	v := e.Decide(in)
	assert.True(t, v.Respond)
	assert.Equal(t, ReasonApproved, v.Reason)
}

func TestNeverRespondPreference(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	in := input(false, true, msg("1", "@friend:example.org", "hello there", t0))
	in.Preference = prefs.Preference{Directives: map[string]string{prefs.Respond: "never"}}
	assert.Equal(t, ReasonIgnorePattern, e.Decide(in).Reason)
}

func TestOwnerAnswerTriggerAfterCounterpart(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	in := input(false, false,
		msg("1", "@friend:example.org", "are you free tomorrow?", t0),
		msg("2", owner, ".ans", t0.Add(5*time.Second)),
	)
	v := e.Decide(in)
	assert.True(t, v.Respond)
	assert.Equal(t, ModeStyleMimic, v.Mode)
	assert.Equal(t, ReasonApproved, v.Reason)
	assert.Equal(t, "1", v.Target)
}

func TestOwnerAskTrigger(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	v := e.Decide(input(true, false, msg("1", owner, ".ascl what is the capital of Peru?", t0)))
	assert.True(t, v.Respond)
	assert.Equal(t, ModeDirectAnswer, v.Mode)
	assert.Equal(t, "what is the capital of Peru?", v.Query)
}

func TestOwnerAnswerWithoutCounterpartIsSilent(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	v := e.Decide(input(false, true, msg("1", owner, ".ans", t0)))
	assert.Equal(t, ReasonOwnerIsSender, v.Reason)
}

func TestIgnorePattern(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	for _, text := range []string{"", "   ", "Your verification code is 123456", "Do not reply to this message"} {
		v := e.Decide(input(false, true, msg("1", "bot", text, t0)))
		assert.Equal(t, ReasonIgnorePattern, v.Reason, "text %q", text)
	}
}

func TestFloodDetected(t *testing.T) {
	t.Parallel()

	e := newEngine(t, func(c *Config) {
		c.FloodCount = 4
		c.FloodWindow = 10 * time.Second
	})

	var burst []ChatMessage
	burst = append(burst, msg("0", owner, "hey", t0))
	for i := 1; i <= 4; i++ {
		burst = append(burst, msg(fmt.Sprint(i), "@friend:example.org", "spam", t0.Add(time.Duration(i)*time.Second)))
	}
	assert.Equal(t, ReasonFlood, e.Decide(input(false, true, burst...)).Reason)

	// Same count spread over a longer interval is conversation, not a flood.
	var slow []ChatMessage
	for i := 1; i <= 4; i++ {
		slow = append(slow, msg(fmt.Sprint(i), "@friend:example.org", "hmm", t0.Add(time.Duration(i)*8*time.Second)))
	}
	assert.Equal(t, ReasonApproved, e.Decide(input(false, true, slow...)).Reason)

	// An owner reply resets the run.
	reset := append([]ChatMessage{}, burst[1:3]...)
	reset = append(reset, msg("o", owner, "yes?", t0.Add(3*time.Second)), msg("5", "@friend:example.org", "ok", t0.Add(4*time.Second)))
	assert.Equal(t, ReasonApproved, e.Decide(input(false, true, reset...)).Reason)
}

func TestEveryVerdictHasReason(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	rng := rand.New(rand.NewSource(42))
	senders := []string{owner, "@a:example.org", "@b:example.org"}
	texts := []string{"", ".ans", ".ascl why", "hello", "verification code 1", "hi"}
	valid := map[Reason]bool{}
	for _, r := range Reasons {
		valid[r] = true
	}
	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(6)
		var msgs []ChatMessage
		for j := 0; j < n; j++ {
			m := msg(fmt.Sprint(j), senders[rng.Intn(len(senders))], texts[rng.Intn(len(texts))], t0.Add(time.Duration(j)*time.Second))
			m.ReplyToOwner = rng.Intn(3) == 0
			msgs = append(msgs, m)
		}
		v := e.Decide(input(rng.Intn(2) == 0, rng.Intn(2) == 0, msgs...))
		assert.True(t, valid[v.Reason], "unexpected reason %q", v.Reason)
		assert.Equal(t, v.Respond, v.Mode != ModeSilent)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	p := DefaultPrefixes()
	tests := []struct {
		text string
		want Command
	}{
		{".ans", Command{Kind: CmdAnswer}},
		{".ANS", Command{Kind: CmdAnswer}},
		{".ascl  how far is the moon ", Command{Kind: CmdAsk, Arg: "how far is the moon"}},
		{".ascl\nmultiline question", Command{Kind: CmdAsk, Arg: "multiline question"}},
		{".aans", Command{Kind: CmdAutoOn}},
		{".mans", Command{Kind: CmdAutoOff}},
		{".pref global no emojis", Command{Kind: CmdPreference, Arg: "global no emojis"}},
		{".answer", Command{}},
		{"hello .ans", Command{}},
		{"", Command{}},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ParseCommand(tc.text, p), "text %q", tc.text)
	}
}

func TestBadIgnorePattern(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(Config{IgnorePatterns: []string{"("}})
	assert.Error(t, err)
}
