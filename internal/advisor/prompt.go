package advisor

import (
	"fmt"
	"os"
	"strings"
)

const maxReplyRunes = 4096

// defaultSystemPrompt keeps replies inside the WhatsApp text limit and in
// the product voice.
const defaultSystemPrompt = `You are FinBuddy, a Nigerian financial consultant. You give concise, practical, educational guidance on personal finance: saving, budgeting, investing, loans, insurance, and pensions in the Nigerian context.

Rules:
- Respond in a concise manner without exceeding 4096 characters.
- Give educational information, not personalised investment directives.
- Use plain language; avoid jargon unless you explain it.
- When reference material is provided, ground your answer in it.`

// LoadSystemPrompt returns the operator-supplied system prompt when a path
// is configured, or the built-in default.
func LoadSystemPrompt(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return defaultSystemPrompt, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(raw))
	if prompt == "" {
		return "", fmt.Errorf("system prompt file %s is empty", path)
	}
	return prompt, nil
}

// BuildRequest assembles a completion request from the system prompt,
// retrieved knowledge context, conversation history, and the user's message.
func BuildRequest(systemPrompt, knowledgeContext string, history []Turn, userText string, maxTokens int) Request {
	system := strings.TrimSpace(systemPrompt)
	if context := strings.TrimSpace(knowledgeContext); context != "" {
		system = system + "\n\n" + context
	}
	return Request{
		System:    system,
		History:   history,
		UserText:  userText,
		MaxTokens: maxTokens,
	}
}

// Postprocess cleans model output for WhatsApp delivery: markdown bold
// markers are stripped, wrapping quotes removed, and the text capped at the
// WhatsApp message limit.
func Postprocess(text string) string {
	cleaned := strings.TrimSpace(text)

	cleaned = stripBoldMarkers(cleaned)

	if len(cleaned) >= 2 && cleaned[0] == '"' && cleaned[len(cleaned)-1] == '"' {
		cleaned = cleaned[1 : len(cleaned)-1]
	}
	cleaned = strings.TrimSpace(cleaned)

	runes := []rune(cleaned)
	if len(runes) > maxReplyRunes {
		cleaned = string(runes[:maxReplyRunes])
	}
	return cleaned
}

// stripBoldMarkers removes **bold** markers while keeping the enclosed text.
// Unpaired markers are left alone.
func stripBoldMarkers(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	for {
		open := strings.Index(text, "**")
		if open == -1 {
			break
		}
		close := strings.Index(text[open+2:], "**")
		if close == -1 {
			break
		}
		b.WriteString(text[:open])
		b.WriteString(text[open+2 : open+2+close])
		text = text[open+2+close+2:]
	}
	b.WriteString(text)
	return b.String()
}
