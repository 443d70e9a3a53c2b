package ingest

import (
	"regexp"
	"strings"
)

var sentencePattern = regexp.MustCompile(`[^.!?]+(?:[.!?]+|$)`)

// SentenceChunker groups sentences into chunks, repeating the last overlap
// sentences of a chunk at the start of the next one.
type SentenceChunker struct {
	sentencesPerChunk int
	overlapSentences  int
}

func NewSentenceChunker(sentencesPerChunk, overlapSentences int) *SentenceChunker {
	if sentencesPerChunk <= 0 {
		sentencesPerChunk = 5
	}
	if overlapSentences < 0 {
		overlapSentences = 0
	}
	if overlapSentences >= sentencesPerChunk {
		overlapSentences = sentencesPerChunk - 1
	}
	return &SentenceChunker{
		sentencesPerChunk: sentencesPerChunk,
		overlapSentences:  overlapSentences,
	}
}

// Chunk splits text. Whitespace runs inside a sentence collapse to a single
// space. Empty text yields no chunks.
func (c *SentenceChunker) Chunk(text string) []string {
	var sentences []string
	for _, s := range sentencePattern.FindAllString(text, -1) {
		s = strings.Join(strings.Fields(s), " ")
		if s != "" {
			sentences = append(sentences, s)
		}
	}

	var chunks []string
	for i := 0; i < len(sentences); {
		end := min(i+c.sentencesPerChunk, len(sentences))
		chunks = append(chunks, strings.Join(sentences[i:end], " "))
		if end == len(sentences) {
			break
		}
		i = end - c.overlapSentences
	}
	return chunks
}
