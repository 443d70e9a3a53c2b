// Package schema validates request bodies against embedded JSON Schemas
// and applies the length rules a schema cannot express on trimmed text.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/kaptinlin/jsonschema"

	apperrors "github.com/kalambet/ragd/internal/errors"
)

const (
	MinQueryLength = 3
	MaxQueryLength = 1000
)

//go:embed answer_request.schema.json
var answerRequestSchema []byte

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func answerSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		compiled, compileErr = compiler.Compile(answerRequestSchema)
		if compileErr != nil {
			compileErr = fmt.Errorf("compile answer request schema: %w", compileErr)
		}
	})
	return compiled, compileErr
}

// ValidateAnswerRequest checks body and returns the query with surrounding
// whitespace removed. Every rejection is a validation error on field
// "query", except malformed JSON which has no field.
func ValidateAnswerRequest(body []byte) (string, error) {
	if !json.Valid(body) {
		return "", apperrors.New(apperrors.CategoryValidation, apperrors.CodeQueryInvalid,
			"request body must be valid JSON")
	}

	s, err := answerSchema()
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeConfigurationMissing,
			"internal server error", false)
	}
	if result := s.ValidateJSON(body); !result.IsValid() {
		return "", shapeError(body)
	}

	var req struct {
		Query *string `json:"query"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Query == nil {
		return "", apperrors.Invalid("query", "query must be a string")
	}

	query := strings.TrimSpace(*req.Query)
	n := utf8.RuneCountInString(query)
	switch {
	case n < MinQueryLength:
		return "", apperrors.Invalid("query", fmt.Sprintf("query must be at least %d characters", MinQueryLength))
	case n > MaxQueryLength:
		return "", apperrors.Invalid("query", fmt.Sprintf("query must be at most %d characters", MaxQueryLength))
	}
	return query, nil
}

// shapeError explains why a syntactically valid body failed the schema.
func shapeError(body []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return apperrors.Invalid("query", "request body must be a JSON object with a query field")
	}
	raw, ok := obj["query"]
	if !ok {
		return apperrors.Invalid("query", "query is required")
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil || string(raw) == "null" {
		return apperrors.Invalid("query", "query must be a string")
	}
	return apperrors.Invalid("query", "query is invalid")
}
