package composer

import "github.com/kalambet/ragd/internal/retrieval"

// SnippetLimit is the maximum citation snippet length in characters,
// ellipsis included.
const SnippetLimit = 200

const ellipsis = "..."

// Citation is the client-facing projection of a passage.
type Citation struct {
	SourceURL  string  `json:"source_url"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// Citations projects passages in order. The result is never nil so it
// encodes as [] when empty.
func Citations(passages []retrieval.Passage) []Citation {
	out := make([]Citation, 0, len(passages))
	for _, p := range passages {
		out = append(out, Citation{
			SourceURL:  p.SourceURL,
			Content:    Snippet(p.Content, SnippetLimit),
			Similarity: p.Similarity,
		})
	}
	return out
}

// Snippet truncates s to at most limit characters, counting code points,
// replacing the tail with "..." when it cuts.
func Snippet(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= len(ellipsis) {
		return string(runes[:limit])
	}
	return string(runes[:limit-len(ellipsis)]) + ellipsis
}
