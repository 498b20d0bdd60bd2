package webchat

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/burattino/pkg/history"
	chatstore "github.com/go-go-golems/burattino/pkg/persistence/chatstore"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeResolutionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "failed to resolve request"
	var rre *RequestResolutionError
	if stderrors.As(err, &rre) && rre != nil {
		if rre.Status > 0 {
			status = rre.Status
		}
		if strings.TrimSpace(rre.ClientMsg) != "" {
			msg = rre.ClientMsg
		}
	}
	http.Error(w, msg, status)
}

// NewChatHandler serves POST /api/chat. The run subscriber is attached before
// the prompt is submitted so the response stream cannot miss early frames, and
// queued/replayed/rejected submissions get a plain JSON response instead of a
// stream.
func NewChatHandler(svc *ConversationService, resolver RunRequestResolver, backend StreamBackend) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if svc == nil || backend == nil {
			http.Error(w, "chat service not initialized", http.StatusServiceUnavailable)
			return
		}
		if resolver == nil {
			http.Error(w, "request resolver not initialized", http.StatusInternalServerError)
			return
		}
		plan, err := resolver.Resolve(req)
		if err != nil {
			writeResolutionError(w, err)
			return
		}
		if strings.TrimSpace(plan.Prompt) == "" {
			http.Error(w, "missing prompt", http.StatusBadRequest)
			return
		}
		conv, err := svc.ResolveConversation(plan.ConvID)
		if err != nil {
			http.Error(w, "failed to join conversation", http.StatusInternalServerError)
			return
		}

		runID := uuid.NewString()
		sub, owned, err := backend.BuildRunSubscriber(req.Context(), conv.ID, runID)
		if err != nil {
			http.Error(w, "failed to attach run stream", http.StatusInternalServerError)
			return
		}
		subCtx, cancelSub := context.WithCancel(req.Context())
		defer cancelSub()
		defer func() {
			if owned {
				_ = sub.Close()
			}
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), 5*time.Second)
			defer cancel()
			if err := backend.DestroyRunSubscriber(cleanupCtx, conv.ID, runID); err != nil {
				log.Debug().Err(err).Str("run_id", runID).Msg("run subscriber cleanup failed")
			}
		}()
		msgs, err := sub.Subscribe(subCtx, topicForConv(conv.ID))
		if err != nil {
			http.Error(w, "failed to subscribe run stream", http.StatusInternalServerError)
			return
		}

		res, err := svc.SubmitPrompt(req.Context(), SubmitPromptInput{
			ConvID:         conv.ID,
			Prompt:         plan.Prompt,
			SessionID:      plan.SessionID,
			PermissionMode: plan.PermissionMode,
			WorkingDir:     plan.WorkingDir,
			IdempotencyKey: plan.IdempotencyKey,
			RunID:          runID,
		})
		if err != nil {
			http.Error(w, "failed to start run", http.StatusInternalServerError)
			return
		}
		if !res.Started {
			status := res.HTTPStatus
			if status <= 0 {
				status = http.StatusOK
			}
			writeJSON(w, status, res.Response)
			return
		}

		prepareNDJSON(w, conv.ID, runID)
		if err := StreamRunNDJSON(req.Context(), w, msgs, conv.ID, runID); err != nil {
			log.Debug().Err(err).Str("conv_id", conv.ID).Str("run_id", runID).Msg("chat stream ended")
		}
	}
}

// NewAbortHandler serves POST /api/abort/{runID}.
func NewAbortHandler(svc *ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if svc == nil {
			http.Error(w, "chat service not initialized", http.StatusServiceUnavailable)
			return
		}
		runID := strings.TrimSpace(req.PathValue("runID"))
		if runID == "" {
			http.Error(w, "missing run id", http.StatusBadRequest)
			return
		}
		if !svc.AbortRun(runID) {
			writeJSON(w, http.StatusNotFound, map[string]any{"status": "unknown_run", "run_id": runID})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "cancelling", "run_id": runID})
	}
}

// NewWSHandler serves GET /api/ws?conv_id=: the observer attach surface.
func NewWSHandler(svc *ConversationService, resolver RunRequestResolver, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if svc == nil {
			http.Error(w, "chat service not initialized", http.StatusServiceUnavailable)
			return
		}
		if resolver == nil {
			http.Error(w, "request resolver not initialized", http.StatusInternalServerError)
			return
		}
		plan, err := resolver.Resolve(req)
		if err != nil {
			writeResolutionError(w, err)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		if err := svc.AttachWebSocket(req.Context(), plan.ConvID, conn, WebSocketAttachOptions{
			SendHello:      true,
			HandlePingPong: true,
		}); err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"failed to attach websocket"}`))
			_ = conn.Close()
		}
	}
}

// NewTranscriptHandler serves GET /api/transcript?conv_id=&since_version=&limit=.
func NewTranscriptHandler(store chatstore.TranscriptStore) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if store == nil {
			http.Error(w, "transcript store not configured", http.StatusServiceUnavailable)
			return
		}
		convID := strings.TrimSpace(req.URL.Query().Get("conv_id"))
		if convID == "" {
			http.Error(w, "missing conv_id", http.StatusBadRequest)
			return
		}
		var sinceVersion uint64
		if raw := strings.TrimSpace(req.URL.Query().Get("since_version")); raw != "" {
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				http.Error(w, "invalid since_version", http.StatusBadRequest)
				return
			}
			sinceVersion = v
		}
		limit := 0
		if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = v
		}
		snap, err := store.GetSnapshot(req.Context(), convID, sinceVersion, limit)
		if err != nil {
			http.Error(w, "snapshot failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func writeHistoryError(w http.ResponseWriter, err error) {
	switch {
	case stderrors.Is(err, history.ErrUnsafePath):
		http.Error(w, "invalid path", http.StatusBadRequest)
	case stderrors.Is(err, os.ErrNotExist):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		http.Error(w, "history lookup failed", http.StatusInternalServerError)
	}
}

// NewHistoryProjectsHandler serves GET /api/history/projects.
func NewHistoryProjectsHandler(store *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if store == nil {
			http.Error(w, "history store not configured", http.StatusServiceUnavailable)
			return
		}
		projects, err := store.ListProjects(req.Context())
		if err != nil {
			writeHistoryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
	}
}

// NewHistoryConversationsHandler serves
// GET /api/history/projects/{project}/conversations.
func NewHistoryConversationsHandler(store *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if store == nil {
			http.Error(w, "history store not configured", http.StatusServiceUnavailable)
			return
		}
		project := strings.TrimSpace(req.PathValue("project"))
		if project == "" {
			http.Error(w, "missing project", http.StatusBadRequest)
			return
		}
		conversations, err := store.ListConversations(req.Context(), project)
		if err != nil {
			writeHistoryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": project, "conversations": conversations})
	}
}

// NewHistoryConversationHandler serves
// GET /api/history/projects/{project}/conversations/{sessionID}.
func NewHistoryConversationHandler(store *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if store == nil {
			http.Error(w, "history store not configured", http.StatusServiceUnavailable)
			return
		}
		project := strings.TrimSpace(req.PathValue("project"))
		sessionID := strings.TrimSpace(req.PathValue("sessionID"))
		if project == "" || sessionID == "" {
			http.Error(w, "missing project or session id", http.StatusBadRequest)
			return
		}
		conv, err := store.GetConversation(req.Context(), project, sessionID)
		if err != nil {
			writeHistoryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}
