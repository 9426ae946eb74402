package responder

import (
	"fmt"
	"strings"

	"github.com/nous-labs/understudy/internal/llm"
	"github.com/nous-labs/understudy/pkg/decision"
	"github.com/nous-labs/understudy/pkg/prefs"
	"github.com/nous-labs/understudy/pkg/style"
)

// skipToken is what the model writes when the owner would not reply.
const skipToken = ".skip"

const directAnswerPrompt = `You are a helpful assistant answering a question the account owner asked in a chat.
Answer directly and concisely. Do not mention that you are an assistant unless asked.`

const styleMimicPrompt = `You are replying in a chat as the account owner. Write the owner's reply to the last message from the other side.
Match the owner's style described below: length, vocabulary, punctuation, emoji use and formality.
Write only the message text, with no name prefix and no quotes.
If the owner would not reply to this message, write only ` + skipToken + `.`

// modeParams are the completion settings per response mode.
var modeParams = map[decision.Mode]struct {
	temperature float64
	maxTokens   int
}{
	decision.ModeDirectAnswer: {0.7, 1000},
	decision.ModeStyleMimic:   {0.8, 800},
}

// buildRequest assembles the completion request for a respond verdict.
func buildRequest(v decision.Verdict, cc decision.ChatContext, profile style.Profile, pref prefs.Preference) llm.CompletionRequest {
	params := modeParams[v.Mode]
	req := llm.CompletionRequest{
		MaxTokens:   params.maxTokens,
		Temperature: params.temperature,
	}

	var sys strings.Builder
	switch v.Mode {
	case decision.ModeDirectAnswer:
		sys.WriteString(directAnswerPrompt)
		req.Messages = []llm.Message{{Role: "user", Content: v.Query}}
	default:
		sys.WriteString(styleMimicPrompt)
		sys.WriteString("\n\nOwner style:\n")
		sys.WriteString(describeStyle(profile))
		req.Messages = []llm.Message{{Role: "user", Content: transcript(cc, v.Target)}}
	}
	if len(pref.Directives) > 0 {
		sys.WriteString("\n\nOwner preferences for this chat: ")
		sys.WriteString(prefs.Describe(pref.Directives))
	}
	req.System = sys.String()
	return req
}

func describeStyle(p style.Profile) string {
	if p.Neutral {
		return "- no samples yet; write short, natural, moderately informal messages"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "- typical length: about %.0f characters\n", p.AverageLength)
	fmt.Fprintf(&b, "- emoji per message: %.2f\n", p.EmojiRate)
	fmt.Fprintf(&b, "- formality (0 casual, 1 formal): %.2f\n", p.FormalityScore)
	if len(p.Vocabulary) > 0 {
		fmt.Fprintf(&b, "- frequent words: %s", strings.Join(p.Vocabulary, ", "))
	}
	return b.String()
}

// transcript renders the chat window up to and including target.
func transcript(cc decision.ChatContext, target string) string {
	var b strings.Builder
	b.WriteString("Conversation (oldest first):\n")
	for _, m := range cc.Recent {
		who := "Them"
		if m.SenderID == cc.OwnerID {
			who = "Owner"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, m.Text)
		if m.ID == target {
			break
		}
	}
	b.WriteString("\nWrite the Owner's reply.")
	return b.String()
}

// cleanReply strips artifacts models tend to add. It reports false when the
// reply is empty or the skip token.
func cleanReply(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"Owner:", "Me:", "owner:", "me:"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if s == "" || strings.EqualFold(s, skipToken) {
		return "", false
	}
	return s, true
}
