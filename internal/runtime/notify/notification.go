package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedPayload reports a push payload that is not valid JSON or lacks a body.
var ErrMalformedPayload = errors.New("notify: malformed payload")

// Action is a button offered alongside a notification.
type Action struct {
	Action string `json:"action" validate:"required"`
	Title  string `json:"title" validate:"required"`
	Icon   string `json:"icon,omitempty"`
}

// Notification is a decoded push payload.
type Notification struct {
	ID      string         `json:"id"`
	Title   string         `json:"title"`
	Body    string         `json:"body" validate:"required"`
	Icon    string         `json:"icon,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Actions []Action       `json:"actions,omitempty" validate:"dive"`
}

// TargetURL returns data.url, or "/" when it is absent or not a string.
func (n Notification) TargetURL() string {
	if raw, ok := n.Data["url"].(string); ok && strings.TrimSpace(raw) != "" {
		return strings.TrimSpace(raw)
	}
	return "/"
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode parses and validates a push payload.
func Decode(payload []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	n.Body = strings.TrimSpace(n.Body)
	if err := validate.Struct(n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return n, nil
}
