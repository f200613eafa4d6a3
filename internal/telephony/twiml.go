package telephony

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/nadzzz/callyard/internal/call"
)

// RenderTwiML renders a directive document as a TwiML response. Record
// directives post their result to the recording webhook; a play directive
// with literal text becomes a Say verb spoken by the provider's built-in
// voice. A document ending on a play gets a Redirect to the playback webhook,
// since TwiML execution otherwise finishes the document and drops the call
// without ever reporting playback_finished.
func RenderTwiML(directives []call.Directive, baseURL string) string {
	base := strings.TrimRight(baseURL, "/")

	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString("<Response>")
	for _, d := range directives {
		switch d.Type {
		case call.DirectivePlay:
			if d.AudioURL != "" {
				b.WriteString("<Play>")
				escape(&b, d.AudioURL)
				b.WriteString("</Play>")
			} else if d.Text != "" {
				b.WriteString("<Say>")
				escape(&b, d.Text)
				b.WriteString("</Say>")
			}
		case call.DirectiveRecord:
			b.WriteString(fmt.Sprintf(
				`<Record action="%s/voice/recording" method="POST" timeout="%d" maxLength="%d" playBeep="%t"/>`,
				base, d.TimeoutSec, d.MaxLengthSec, d.Beep))
		case call.DirectiveRedirect:
			b.WriteString("<Redirect>")
			escape(&b, d.URL)
			b.WriteString("</Redirect>")
		case call.DirectiveHangup:
			b.WriteString("<Hangup/>")
		}
	}
	if n := len(directives); n > 0 && directives[n-1].Type == call.DirectivePlay {
		b.WriteString(fmt.Sprintf(`<Redirect method="POST">%s/voice/playback</Redirect>`, base))
	}
	b.WriteString("</Response>")
	return b.String()
}

func escape(b *strings.Builder, s string) {
	_ = xml.EscapeText(b, []byte(s))
}
