package services

import (
	"bytes"
	"log"
	"regexp"
	"strings"

	"github.com/leonid-shevtsov/telegold"
	"github.com/yuin/goldmark"
)

// Telegram Markdown converter using telegold (goldmark with Telegram HTML renderer)
var telegramMarkdownConverter = goldmark.New(goldmark.WithRenderer(telegold.NewRenderer()))

// RenderTelegramHTML converts standard Markdown to Telegram-compatible HTML.
// If conversion fails the original text is returned so the caller can still
// send something.
func RenderTelegramHTML(text string) string {
	var buf bytes.Buffer
	if err := telegramMarkdownConverter.Convert([]byte(text), &buf); err != nil {
		log.Printf("⚠️  [TELEGRAM] Markdown conversion failed: %v", err)
		return text
	}
	return strings.TrimSpace(buf.String())
}

var (
	codeBlockPattern = regexp.MustCompile("```[a-zA-Z]*\\n([\\s\\S]*?)```")
	headerPattern    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	linkPattern      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// StripMarkdown converts Markdown to plain text: headers, emphasis and code
// fences are removed, links become "text (url)". Text without Markdown
// syntax passes through unchanged, so the transform is idempotent.
func StripMarkdown(text string) string {
	// Remove code block fences, keep content
	text = codeBlockPattern.ReplaceAllString(text, "$1")
	// Remove bold/italic markers
	text = strings.ReplaceAll(text, "**", "")
	text = strings.ReplaceAll(text, "__", "")
	text = strings.ReplaceAll(text, "*", "")
	// Remove strikethrough
	text = strings.ReplaceAll(text, "~~", "")
	// Convert links [text](url) to "text (url)"
	text = linkPattern.ReplaceAllString(text, "$1 ($2)")
	// Remove inline code backticks
	text = strings.ReplaceAll(text, "`", "")
	// Convert headers to plain text
	text = headerPattern.ReplaceAllString(text, "")
	return text
}
