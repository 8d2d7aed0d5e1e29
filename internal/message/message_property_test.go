package message

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genInboundType() gopter.Gen {
	return gen.OneConstOf(TypeChatMessage, TypeTyping, TypeAgentJoin, TypePing)
}

// Content length is counted in characters, not bytes.
func TestProperty_ContentLimitCountsRunes(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("chat content is accepted iff it fits the rune limit", prop.ForAll(
		func(r rune, extra int) bool {
			content := strings.Repeat(string(r), MaxContentLength-5+extra)
			err := (&Message{Type: TypeChatMessage, Content: content}).ValidateInbound()
			return (err == nil) == (utf8.RuneCountInString(content) <= MaxContentLength)
		},
		gen.OneConstOf('a', 'é', '中', '😀'),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

// Sanitized content has no surrounding whitespace and sanitizing twice changes nothing.
func TestProperty_SanitizeIdempotent(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("sanitize trims and is idempotent", prop.ForAll(
		func(pad string, body string) bool {
			m := &Message{Type: TypeChatMessage, Content: pad + body + pad}
			m.Sanitize()
			once := m.Content
			m.Sanitize()
			return once == m.Content && once == strings.TrimSpace(body)
		},
		gen.OneConstOf("", " ", "\t", "\n \r"),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// Inbound frames survive the wire unchanged.
func TestProperty_InboundRoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("type, session and content survive marshal and unmarshal", prop.ForAll(
		func(typ MessageType, session string, content string, sec int64) bool {
			in := &Message{Type: typ, SessionID: session, Content: content, Timestamp: time.Unix(sec, 0)}
			data, err := json.Marshal(in)
			if err != nil {
				return false
			}
			var out Message
			if err := json.Unmarshal(data, &out); err != nil {
				return false
			}
			return out.Type == typ && out.SessionID == session && out.Content == content &&
				out.Timestamp.Equal(in.Timestamp) && out.ValidateInbound() == nil
		},
		genInboundType(),
		gen.Identifier(),
		gen.AlphaString(),
		gen.Int64Range(0, 4102444800),
	))

	properties.TestingRun(t)
}
