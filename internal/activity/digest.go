package activity

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
)

// summaryWidth caps each digest line by display width so one rambling
// message cannot dominate a digest. Truncation is width-aware to keep CJK
// and emoji from being cut mid-cell.
const summaryWidth = 300

// digestSeparator sits between the backlog and the triggering message in a
// mention-triggered flush.
const digestSeparator = "---"

// Summarize renders one message as a digest line: "[15:04] author: text"
// followed by a marker per attachment. Failed fetches are marked rather
// than dropped so the digest accounts for everything that arrived.
func Summarize(msg Message) string {
	name := msg.AuthorName
	if name == "" {
		name = msg.AuthorID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s:", msg.Timestamp.Format("15:04"), name)
	if text := strings.TrimSpace(msg.Content); text != "" {
		b.WriteByte(' ')
		b.WriteString(text)
	}
	for _, a := range msg.Attachments {
		if a.Err != "" {
			fmt.Fprintf(&b, " [attachment unavailable: %s]", a.Name)
		} else {
			fmt.Fprintf(&b, " [attachment: %s]", a.Name)
		}
	}
	return runewidth.Truncate(b.String(), summaryWidth, "…")
}

// BuildDigest concatenates queued summary lines into one relay payload.
// A non-empty trigger (the formatted mention message) is appended after a
// separator; scheduled flushes pass an empty trigger.
func BuildDigest(label string, lines []string, trigger string) string {
	var b strings.Builder
	if trigger != "" {
		fmt.Fprintf(&b, "Backlog from #%s (%d message%s queued before this mention):\n\n",
			label, len(lines), plural(len(lines)))
	} else {
		fmt.Fprintf(&b, "Recap of #%s (%d message%s while the channel was quiet):\n\n",
			label, len(lines), plural(len(lines)))
	}
	b.WriteString(strings.Join(lines, "\n"))
	if trigger != "" {
		b.WriteString("\n\n")
		b.WriteString(digestSeparator)
		b.WriteString("\n\n")
		b.WriteString(trigger)
	}
	return b.String()
}

// RelayText renders a single immediate-forward message with its channel
// context inline.
func RelayText(msg Message) string {
	return fmt.Sprintf("[#%s] %s", msg.ChannelLabel, Summarize(msg))
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
