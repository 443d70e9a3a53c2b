package pipeline

import (
	"github.com/kalambet/ragd/internal/composer"
	apperrors "github.com/kalambet/ragd/internal/errors"
)

// NoMatchAnswer is returned with empty citations when no passage clears the
// similarity threshold.
const NoMatchAnswer = "I don't have enough information in the knowledge base to answer that question."

const genericInternalMessage = "internal server error"

// AnswerResponse is the 200 body.
type AnswerResponse struct {
	Answer     string              `json:"answer"`
	Citations  []composer.Citation `json:"citations"`
	QueryHash  string              `json:"q_hash"`
	QueryLen   int                 `json:"q_len"`
	TokensUsed *int                `json:"tokensUsed,omitempty"`
}

// ErrorResponse is the body of every non-200 answer.
type ErrorResponse struct {
	Error             ErrorBody `json:"error"`
	RetryAfterSeconds *int      `json:"retryAfterSeconds,omitempty"`
}

type ErrorBody struct {
	Type    apperrors.Category `json:"type"`
	Message string             `json:"message"`
	Field   string             `json:"field,omitempty"`
	Details any                `json:"details,omitempty"`
}

// errorResponse renders err for a client. Only the classified hint is
// exposed; unclassified errors become a generic internal error.
func errorResponse(err error) (int, *ErrorResponse) {
	category := apperrors.CategoryOf(err)
	if category == "" {
		category = apperrors.CategoryInternal
	}
	msg := apperrors.HintOf(err)
	if msg == "" {
		msg = genericInternalMessage
	}
	return apperrors.HTTPStatus(category), &ErrorResponse{
		Error: ErrorBody{
			Type:    category,
			Message: msg,
			Field:   apperrors.FieldOf(err),
		},
	}
}
