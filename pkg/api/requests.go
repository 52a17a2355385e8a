package api

import (
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/opencouncil/councild/pkg/models"
)

// maxContentLength bounds a single user message.
const maxContentLength = 4000

type sendMessageRequest struct {
	Content string      `json:"content"`
	Mode    models.Mode `json:"mode"`
}

func (r *sendMessageRequest) validate(defaultMode models.Mode) error {
	if r.Content == "" {
		return fmt.Errorf("content must not be empty")
	}
	if utf8.RuneCountInString(r.Content) > maxContentLength {
		return fmt.Errorf("content exceeds %d characters", maxContentLength)
	}
	if r.Mode == "" {
		r.Mode = defaultMode
	}
	return r.Mode.Validate()
}

// sessionIDParam validates the path parameter as a UUID v4.
func sessionIDParam(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil || id.Version() != 4 {
		return "", fmt.Errorf("session ID must be a UUID v4")
	}
	return id.String(), nil
}
