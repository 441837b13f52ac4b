package search

import (
	"strings"
	"unicode/utf8"
)

// defaultChunkLen bounds chunk size in bytes. Embedding models truncate long
// inputs silently, so oversized chunks would lose tail content.
const defaultChunkLen = 2000

// SplitChunks splits text into chunks of at most maxLen bytes, preferring
// paragraph boundaries and falling back to hard splits for a single paragraph
// longer than the limit. Pass maxLen <= 0 for the default.
func SplitChunks(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = defaultChunkLen
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	var cur strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		for len(para) > maxLen {
			if cur.Len() > 0 {
				chunks = append(chunks, cur.String())
				cur.Reset()
			}
			cut := splitPoint(para, maxLen)
			chunks = append(chunks, strings.TrimSpace(para[:cut]))
			para = strings.TrimSpace(para[cut:])
		}

		if cur.Len() > 0 && cur.Len()+2+len(para) > maxLen {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// splitPoint finds a cut position at or before maxLen, preferring the last
// whitespace so words stay intact. A hard cut never lands mid-rune.
func splitPoint(s string, maxLen int) int {
	if idx := strings.LastIndexAny(s[:maxLen], " \t\n"); idx > 0 {
		return idx
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		return maxLen
	}
	return cut
}
