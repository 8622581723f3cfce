// Package llm defines the narrow chat-completion surface every model call in
// the system goes through, plus best-effort recovery of structured objects
// from free-form model text.
package llm

import (
	"context"

	xerrors "github.com/Ashish9059/MedGuardian-Edge/internal/errors"
)

// Message roles understood by the backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content part types for multimodal messages.
const (
	PartText  = "text"
	PartImage = "image_url"
)

// ContentPart is one segment of a multimodal message: either plain text or an
// inline image referenced as a data URI.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Message is one entry in a chat exchange. Parts takes precedence over Text
// when non-empty.
type Message struct {
	Role  string        `json:"role"`
	Text  string        `json:"text,omitempty"`
	Parts []ContentPart `json:"parts,omitempty"`
}

// TextMessage builds a plain text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Text: text}
}

// VisionMessage builds a user message pairing a text segment with one inline
// image encoded as a data URI.
func VisionMessage(text, imageDataURI string) Message {
	return Message{
		Role: RoleUser,
		Parts: []ContentPart{
			{Type: PartText, Text: text},
			{Type: PartImage, ImageURL: imageDataURI},
		},
	}
}

// HealthStatus is the result of a backend reachability probe. Probes never
// fail; an unreachable backend is reported, not returned as an error.
type HealthStatus struct {
	BackendStatus string `json:"backend_status"`
	OllamaStatus  string `json:"ollama_status"`
	ModelLoaded   bool   `json:"model_loaded"`
	ModelName     string `json:"model_name"`
}

// Client is the single chokepoint for all model calls.
type Client interface {
	// Complete sends the messages and returns the raw text completion.
	Complete(ctx context.Context, messages []Message) (string, error)
	// CompleteJSON sends the messages and extracts a JSON object from the
	// completion.
	CompleteJSON(ctx context.Context, messages []Message) (map[string]any, error)
	// HealthCheck reports backend reachability and model availability.
	HealthCheck(ctx context.Context) HealthStatus
}

// Gateway failure taxonomy. The API layer maps these codes onto HTTP
// statuses; the agent boundary contains them into inert results.
const (
	CodeBackendUnavailable xerrors.Code = "BACKEND_UNAVAILABLE"
	CodeRequestTimeout     xerrors.Code = "REQUEST_TIMEOUT"
	CodeBackendError       xerrors.Code = "BACKEND_ERROR"
	CodeMalformedOutput    xerrors.Code = "MALFORMED_OUTPUT"
)

func init() {
	xerrors.Register(CodeBackendUnavailable, xerrors.Attributes{
		Message:   "model backend unreachable",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRequestTimeout, xerrors.Attributes{
		Message:   "model request timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeBackendError, xerrors.Attributes{
		Message:   "model backend returned an error",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeMalformedOutput, xerrors.Attributes{
		Message:   "model returned unparsable JSON",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
