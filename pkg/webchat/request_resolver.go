package webchat

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/go-go-golems/burattino/pkg/claudecode"
)

// ChatRequestBody represents the expected JSON body for chat requests.
type ChatRequestBody struct {
	Prompt         string `json:"prompt"`
	Text           string `json:"text,omitempty"`
	ConvID         string `json:"conv_id"`
	SessionID      string `json:"session_id,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	WorkingDir     string `json:"working_dir,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// RunRequestPlan is the canonical output of request resolution. It captures
// request data needed for both chat and websocket flows.
type RunRequestPlan struct {
	ConvID         string
	Prompt         string
	SessionID      string
	PermissionMode string
	WorkingDir     string
	IdempotencyKey string
}

// RunRequestResolver resolves request policy for both HTTP and WS handlers.
type RunRequestResolver interface {
	Resolve(req *http.Request) (RunRequestPlan, error)
}

// RequestResolutionError is a typed error allowing handlers to choose an HTTP
// status code without duplicating policy logic.
type RequestResolutionError struct {
	Status    int
	ClientMsg string
	Err       error
}

func (e *RequestResolutionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.ClientMsg + ": " + e.Err.Error()
	}
	return e.ClientMsg
}

func (e *RequestResolutionError) Unwrap() error { return e.Err }

type DefaultRunRequestResolver struct{}

func NewDefaultRunRequestResolver() *DefaultRunRequestResolver {
	return &DefaultRunRequestResolver{}
}

func (b *DefaultRunRequestResolver) Resolve(req *http.Request) (RunRequestPlan, error) {
	if req == nil {
		return RunRequestPlan{}, &RequestResolutionError{Status: http.StatusBadRequest, ClientMsg: "bad request"}
	}

	switch req.Method {
	case http.MethodGet:
		return b.buildFromWSReq(req)
	case http.MethodPost:
		return b.buildFromChatReq(req)
	default:
		return RunRequestPlan{}, &RequestResolutionError{Status: http.StatusMethodNotAllowed, ClientMsg: "method not allowed"}
	}
}

func (b *DefaultRunRequestResolver) buildFromWSReq(req *http.Request) (RunRequestPlan, error) {
	convID := strings.TrimSpace(req.URL.Query().Get("conv_id"))
	if convID == "" {
		return RunRequestPlan{}, &RequestResolutionError{Status: http.StatusBadRequest, ClientMsg: "missing conv_id"}
	}
	return RunRequestPlan{ConvID: convID}, nil
}

func (b *DefaultRunRequestResolver) buildFromChatReq(req *http.Request) (RunRequestPlan, error) {
	var body ChatRequestBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return RunRequestPlan{}, &RequestResolutionError{Status: http.StatusBadRequest, ClientMsg: "bad request", Err: err}
	}
	if body.Prompt == "" && body.Text != "" {
		body.Prompt = body.Text
	}

	convID := strings.TrimSpace(body.ConvID)
	if convID == "" {
		convID = uuid.NewString()
	}

	mode := strings.TrimSpace(body.PermissionMode)
	if err := claudecode.PermissionMode(mode).Validate(); err != nil {
		return RunRequestPlan{}, &RequestResolutionError{Status: http.StatusBadRequest, ClientMsg: "invalid permission_mode", Err: err}
	}

	return RunRequestPlan{
		ConvID:         convID,
		Prompt:         body.Prompt,
		SessionID:      strings.TrimSpace(body.SessionID),
		PermissionMode: mode,
		WorkingDir:     strings.TrimSpace(body.WorkingDir),
		IdempotencyKey: resolveIdempotencyKey(req, body),
	}, nil
}

// resolveIdempotencyKey picks the replay key for one submission: the standard
// header wins, then the X- variant, then the body field. Clients that send
// none get a minted key, so every submission is individually replayable.
func resolveIdempotencyKey(req *http.Request, body ChatRequestBody) string {
	key := strings.TrimSpace(req.Header.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(req.Header.Get("X-Idempotency-Key"))
	}
	if key == "" {
		key = strings.TrimSpace(body.IdempotencyKey)
	}
	if key == "" {
		key = uuid.NewString()
	}
	return key
}
