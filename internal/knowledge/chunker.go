package knowledge

import (
	"strings"
	"unicode/utf8"

	"github.com/finbuddyhq/finbuddy/internal/config"
)

// ChunkText splits document text into retrieval-sized chunks. Paragraphs are
// the unit of splitting; adjacent paragraphs are packed together until the
// size budget is reached, and a paragraph larger than the budget is split on
// sentence-ish boundaries.
func ChunkText(text string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = config.DefaultChunkSize
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	chunks := make([]string, 0, len(paragraphs))
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, strings.TrimSpace(current.String()))
		current.Reset()
	}

	for _, para := range paragraphs {
		if len(para) > chunkSize {
			flush()
			chunks = append(chunks, splitLongParagraph(para, chunkSize)...)
			continue
		}

		if current.Len() > 0 && current.Len()+len(para)+2 > chunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}

func splitParagraphs(text string) []string {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	parts := strings.Split(normalized, "\n\n")

	paragraphs := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			paragraphs = append(paragraphs, trimmed)
		}
	}
	return paragraphs
}

// splitLongParagraph breaks an oversized paragraph on sentence terminators,
// falling back to a hard split when a single sentence exceeds the budget.
func splitLongParagraph(para string, chunkSize int) []string {
	sentences := splitSentences(para)

	chunks := make([]string, 0, 2)
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, strings.TrimSpace(current.String()))
		current.Reset()
	}

	for _, sentence := range sentences {
		if len(sentence) > chunkSize {
			flush()
			chunks = append(chunks, hardSplit(sentence, chunkSize)...)
			continue
		}

		if current.Len() > 0 && current.Len()+len(sentence)+1 > chunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sentence)
	}
	flush()

	return chunks
}

// hardSplit cuts text into pieces of at most chunkSize bytes, backing each
// cut up to a rune boundary so multibyte characters stay intact.
func hardSplit(text string, chunkSize int) []string {
	pieces := make([]string, 0, len(text)/chunkSize+1)
	for start := 0; start < len(text); {
		end := start + chunkSize
		if end >= len(text) {
			end = len(text)
		} else {
			for end > start && !utf8.RuneStart(text[end]) {
				end--
			}
			if end == start {
				// Invalid UTF-8 run longer than the budget; cut anyway.
				end = start + chunkSize
			}
		}
		if piece := strings.TrimSpace(text[start:end]); piece != "" {
			pieces = append(pieces, piece)
		}
		start = end
	}
	return pieces
}

func splitSentences(text string) []string {
	sentences := make([]string, 0, 4)
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			// Terminator followed by whitespace or end of text closes the sentence.
			if i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t' {
				sentence := strings.TrimSpace(text[start : i+1])
				if sentence != "" {
					sentences = append(sentences, sentence)
				}
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}
