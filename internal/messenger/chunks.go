package messenger

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	paragraphSplit  = regexp.MustCompile(`\n\n+`)
	listLinePattern = regexp.MustCompile(`^(\d+[.)]|[-*•])\s`)
	sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]+`)
)

// SplitChunks breaks reply text into natural-feeling messages: one per
// sentence, with lists and multi-line paragraphs kept whole. Chunks longer
// than maxChars are split on word boundaries; maxChars <= 0 disables the cap.
func SplitChunks(text string, maxChars int) []string {
	var chunks []string
	for _, paragraph := range paragraphSplit.Split(text, -1) {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}

		// Lists and multi-line blocks read badly sentence by sentence.
		if listLinePattern.MatchString(paragraph) || strings.Contains(paragraph, "\n") {
			chunks = append(chunks, paragraph)
			continue
		}

		spans := sentencePattern.FindAllStringIndex(paragraph, -1)
		if len(spans) == 0 {
			chunks = append(chunks, paragraph)
			continue
		}
		sentences := make([]string, 0, len(spans))
		for _, span := range spans {
			sentences = append(sentences, paragraph[span[0]:span[1]])
		}
		// Trailing text after the last terminator stays attached to it.
		if rest := strings.TrimSpace(paragraph[spans[len(spans)-1][1]:]); rest != "" {
			sentences[len(sentences)-1] += " " + rest
		}
		for _, s := range sentences {
			if s = strings.TrimSpace(s); s != "" {
				chunks = append(chunks, s)
			}
		}
	}

	if maxChars <= 0 {
		return chunks
	}
	var capped []string
	for _, chunk := range chunks {
		capped = append(capped, splitLong(chunk, maxChars)...)
	}
	return capped
}

// splitLong cuts an over-long chunk on word boundaries.
func splitLong(chunk string, maxChars int) []string {
	if utf8.RuneCountInString(chunk) <= maxChars {
		return []string{chunk}
	}

	var parts []string
	var b strings.Builder
	count := 0
	for _, word := range strings.Fields(chunk) {
		wlen := utf8.RuneCountInString(word)
		if count > 0 && count+1+wlen > maxChars {
			parts = append(parts, b.String())
			b.Reset()
			count = 0
		}
		if count > 0 {
			b.WriteByte(' ')
			count++
		}
		b.WriteString(word)
		count += wlen
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}
