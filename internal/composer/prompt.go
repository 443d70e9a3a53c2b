// Package composer turns retrieved passages into the generation context
// and the user-facing citations.
package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/ragd/internal/engine"
	"github.com/kalambet/ragd/internal/retrieval"
)

// SystemInstruction constrains the model to the supplied context.
const SystemInstruction = "You are a helpful assistant that answers questions using only the provided context. " +
	"If the context does not contain enough information to answer, say that you do not have enough information. " +
	"Do not use outside knowledge and do not make up facts."

// Assemble returns the passage contents in retrieval order, unmodified.
func Assemble(passages []retrieval.Passage) []string {
	out := make([]string, len(passages))
	for i, p := range passages {
		out[i] = p.Content
	}
	return out
}

// BuildMessages produces the system instruction and a user message with
// the numbered context passages followed by the question.
func BuildMessages(query string, contexts []string) []engine.Message {
	var sb strings.Builder
	sb.WriteString("Context:\n")
	for i, c := range contexts {
		fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, c)
	}
	sb.WriteString("Question: ")
	sb.WriteString(query)

	return []engine.Message{
		{Role: "system", Content: SystemInstruction},
		{Role: "user", Content: sb.String()},
	}
}
