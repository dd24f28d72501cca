package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

// BuildTextMessage creates Block Kit blocks for a plain-text delivery.
// Used for both fresh sends and threaded replies; threading is controlled
// by the caller passing threadTS to PostMessage, not by anything in the
// blocks themselves.
func BuildTextMessage(text string) []goslack.Block {
	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(text), false, false),
			nil, nil,
		),
	}
}

// BuildLinkMessage creates Block Kit blocks for a plain-text message with a
// trailing link button, used when a delivery carries a reference URL (e.g.
// a dashboard deep link) alongside its body.
func BuildLinkMessage(text, linkText, url string) []goslack.Block {
	blocks := BuildTextMessage(text)

	btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, linkText, false, false))
	btn.URL = url
	blocks = append(blocks, goslack.NewActionBlock("", btn))

	return blocks
}

func truncateForSlack(text string) string {
	runes := []rune(text)
	if len(runes) <= maxBlockTextLength {
		return text
	}
	return string(runes[:maxBlockTextLength]) + fmt.Sprintf("\n\n_... (truncated, %d characters total)_", len(runes))
}
