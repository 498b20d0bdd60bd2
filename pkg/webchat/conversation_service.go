package webchat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/burattino/pkg/claudecode"
	"github.com/go-go-golems/burattino/pkg/events"
	chatstore "github.com/go-go-golems/burattino/pkg/persistence/chatstore"
	"github.com/go-go-golems/burattino/pkg/transcript"
)

// TurnStreamer runs one agent turn and feeds decoded envelopes to fn in
// stdout order. claudecode.Runner is the production implementation.
type TurnStreamer interface {
	Stream(ctx context.Context, req claudecode.TurnRequest, fn func(claudecode.Envelope) error) error
}

var _ TurnStreamer = (*claudecode.Runner)(nil)

// RunOverrides are the per-request knobs a client may set on one run.
type RunOverrides struct {
	PermissionMode string
	WorkingDir     string
}

// StreamerFactory builds the streamer for one run with its overrides applied.
type StreamerFactory func(ov RunOverrides) (TurnStreamer, error)

// StaticStreamer ignores overrides and always returns ts.
func StaticStreamer(ts TurnStreamer) StreamerFactory {
	return func(RunOverrides) (TurnStreamer, error) { return ts, nil }
}

type ConversationServiceConfig struct {
	BaseCtx     context.Context
	ConvManager *ConvManager
	Registry    *RunRegistry
	Publisher   message.Publisher
	Streamers   StreamerFactory
	TurnStore   chatstore.TurnStore
	Projector   *TranscriptProjector
	// QueueDepth caps pending prompts per conversation. Zero uses the default.
	QueueDepth int
}

// ConversationService owns run lifecycles: it admits prompts through the
// per-conversation queue, spawns one agent subprocess per run, pipes its
// envelopes through an assembler onto the conversation topic, and archives
// the sealed turn.
type ConversationService struct {
	baseCtx    context.Context
	cm         *ConvManager
	registry   *RunRegistry
	publisher  message.Publisher
	streamers  StreamerFactory
	turnStore  chatstore.TurnStore
	projector  *TranscriptProjector
	queueDepth int
}

type SubmitPromptInput struct {
	ConvID         string
	Prompt         string
	SessionID      string
	PermissionMode string
	WorkingDir     string
	IdempotencyKey string
	// RunID is normally generated here; handlers that subscribe to the run
	// before submitting pass their pre-generated id.
	RunID string
}

type SubmitPromptResult struct {
	// Started is true when this request claimed the conversation and its run
	// is now producing events. False means replay, queued or rejected; the
	// Response carries the details.
	Started    bool
	ConvID     string
	RunID      string
	HTTPStatus int
	Response   map[string]any
}

type WebSocketAttachOptions struct {
	SendHello      bool
	HandlePingPong bool
}

func NewConversationService(cfg ConversationServiceConfig) (*ConversationService, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("conversation service base context is nil")
	}
	if cfg.ConvManager == nil {
		return nil, errors.New("conversation service conv manager is nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("conversation service publisher is nil")
	}
	if cfg.Streamers == nil {
		return nil, errors.New("conversation service streamer factory is nil")
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRunRegistry()
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &ConversationService{
		baseCtx:    cfg.BaseCtx,
		cm:         cfg.ConvManager,
		registry:   registry,
		publisher:  cfg.Publisher,
		streamers:  cfg.Streamers,
		turnStore:  cfg.TurnStore,
		projector:  cfg.Projector,
		queueDepth: depth,
	}, nil
}

func (s *ConversationService) Registry() *RunRegistry {
	if s == nil {
		return nil
	}
	return s.registry
}

// ResolveConversation normalizes the conversation id, minting one when the
// client did not send any, and ensures the conversation exists with its bus
// reader running.
func (s *ConversationService) ResolveConversation(convID string) (*Conversation, error) {
	if s == nil || s.cm == nil {
		return nil, errors.New("conversation service is not initialized")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		convID = uuid.NewString()
	}
	return s.cm.GetOrCreate(convID)
}

// SubmitPrompt admits one prompt. When the conversation is idle the run
// starts immediately and events begin flowing on the conversation topic;
// otherwise the prompt is queued, replayed or rejected per the response.
func (s *ConversationService) SubmitPrompt(ctx context.Context, in SubmitPromptInput) (SubmitPromptResult, error) {
	if s == nil || s.cm == nil {
		return SubmitPromptResult{}, errors.New("conversation service is not initialized")
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return SubmitPromptResult{
			HTTPStatus: 400,
			Response:   map[string]any{"status": "error", "error": "missing prompt"},
		}, nil
	}
	conv, err := s.ResolveConversation(in.ConvID)
	if err != nil {
		return SubmitPromptResult{}, err
	}
	idempotencyKey := strings.TrimSpace(in.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	runID := strings.TrimSpace(in.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}

	q := queuedRun{
		IdempotencyKey: idempotencyKey,
		RunID:          runID,
		Prompt:         prompt,
		SessionID:      strings.TrimSpace(in.SessionID),
		PermissionMode: strings.TrimSpace(in.PermissionMode),
		WorkingDir:     strings.TrimSpace(in.WorkingDir),
	}
	prep, err := conv.PrepareRun(q, s.queueDepth)
	if err != nil {
		return SubmitPromptResult{}, err
	}
	if !prep.Start {
		status := prep.HTTPStatus
		if status <= 0 {
			status = 200
		}
		return SubmitPromptResult{
			ConvID:     conv.ID,
			RunID:      prep.RunID,
			HTTPStatus: status,
			Response:   prep.Response,
		}, nil
	}

	if err := s.startRun(conv, q); err != nil {
		s.failRun(conv, q.IdempotencyKey, err)
		return SubmitPromptResult{}, err
	}
	return SubmitPromptResult{
		Started:    true,
		ConvID:     conv.ID,
		RunID:      q.RunID,
		HTTPStatus: 200,
		Response: map[string]any{
			"status":          "started",
			"conv_id":         conv.ID,
			"run_id":          q.RunID,
			"idempotency_key": q.IdempotencyKey,
		},
	}, nil
}

// AbortRun cancels an in-flight run. The assembler observes the cancellation
// and seals the turn with a cancelled outcome, so every consumer still gets
// its terminal event.
func (s *ConversationService) AbortRun(runID string) bool {
	if s == nil {
		return false
	}
	return s.registry.Cancel(runID)
}

// startRun spawns the agent goroutine for a claimed run. The run context
// descends from the service context, not the submitting request, so a client
// disconnect never kills the turn; only abort and shutdown do.
func (s *ConversationService) startRun(conv *Conversation, q queuedRun) error {
	if s == nil || conv == nil {
		return errors.New("invalid conversation")
	}
	if s.baseCtx == nil {
		return errors.New("service context is nil")
	}

	conv.mu.Lock()
	stream := conv.stream
	conv.mu.Unlock()
	if stream != nil && !stream.IsRunning() {
		_ = stream.Start(s.baseCtx)
	}

	streamer, err := s.streamers(RunOverrides{
		PermissionMode: q.PermissionMode,
		WorkingDir:     q.WorkingDir,
	})
	if err != nil {
		return errors.Wrap(err, "build run streamer")
	}

	resume := q.SessionID
	if resume == "" {
		resume = conv.SessionID()
	}

	sink := events.NewWatermillSink(s.publisher, topicForConv(conv.ID))
	asm := claudecode.NewAssembler(conv.ID, q.RunID, sink)
	s.projector.RecordUserPrompt(conv.ID, q.RunID, q.Prompt)

	runCtx, cancel := context.WithCancel(s.baseCtx)
	s.registry.Register(conv.ID, q.RunID, cancel)

	runLog := log.With().
		Str("component", "webchat").
		Str("conv_id", conv.ID).
		Str("run_id", q.RunID).
		Logger()
	runLog.Info().Str("idempotency_key", q.IdempotencyKey).Bool("resume", resume != "").Msg("starting run")

	go func() {
		defer cancel()
		runErr := streamer.Stream(runCtx, claudecode.TurnRequest{
			Prompt:          q.Prompt,
			ResumeSessionID: resume,
		}, asm.HandleEnvelope)
		if err := asm.Finish(runErr); err != nil {
			runLog.Error().Err(err).Msg("publishing terminal event failed")
		}
		turn := asm.Turn()
		conv.setSessionID(turn.SessionID)
		s.archiveTurn(conv.ID, q.RunID, turn)

		s.registry.Remove(q.RunID)
		s.finishRun(conv, q.IdempotencyKey, turn)
		if runErr != nil && turn.Outcome.Kind == transcript.OutcomeFailed {
			runLog.Error().Err(runErr).Str("outcome", string(turn.Outcome.Kind)).Msg("run finished")
		} else {
			runLog.Info().Str("outcome", string(turn.Outcome.Kind)).Msg("run finished")
		}
		s.tryDrainQueue(conv)
	}()
	return nil
}

// archiveTurn persists a sealed turn. Uses a detached context so shutdown
// does not lose the archive of runs it interrupted.
func (s *ConversationService) archiveTurn(convID, runID string, turn transcript.Turn) {
	if s == nil || s.turnStore == nil {
		return
	}
	payload, err := transcript.EncodeTurnYAML(turn)
	if err != nil {
		log.Warn().Err(err).Str("conv_id", convID).Str("run_id", runID).Msg("encode sealed turn failed")
		return
	}
	ctx, cancelSave := context.WithTimeout(context.WithoutCancel(s.baseCtx), 5*time.Second)
	defer cancelSave()
	if err := s.turnStore.Save(ctx, chatstore.TurnRecord{
		ConvID:      convID,
		SessionID:   turn.SessionID,
		RunID:       runID,
		Outcome:     string(turn.Outcome.Kind),
		CreatedAtMs: time.Now().UnixMilli(),
		Payload:     payload,
	}); err != nil {
		log.Warn().Err(err).Str("conv_id", convID).Str("run_id", runID).Msg("archive sealed turn failed")
	}
}

func (s *ConversationService) finishRun(conv *Conversation, idempotencyKey string, turn transcript.Turn) {
	if conv == nil {
		return
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.activeKey == idempotencyKey {
		conv.activeKey = ""
	}
	conv.touchLocked(time.Now())
	conv.ensureQueueInitLocked()
	if rec, ok := conv.getRecordLocked(idempotencyKey); ok && rec != nil {
		rec.Outcome = turn.Outcome
		if turn.Outcome.IsError() {
			rec.Status = "error"
			rec.Error = turn.Outcome.Reason
			if rec.Error == "" && len(turn.Outcome.Errors) > 0 {
				rec.Error = turn.Outcome.Errors[0]
			}
		} else {
			rec.Status = "completed"
		}
		rec.CompletedAt = time.Now()
	}
}

// failRun records a run that never made it past start.
func (s *ConversationService) failRun(conv *Conversation, idempotencyKey string, err error) {
	if conv == nil {
		return
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.activeKey == idempotencyKey {
		conv.activeKey = ""
	}
	conv.ensureQueueInitLocked()
	if rec, ok := conv.getRecordLocked(idempotencyKey); ok && rec != nil {
		rec.Status = "error"
		if err != nil {
			rec.Error = err.Error()
		}
		rec.CompletedAt = time.Now()
	}
}

func (s *ConversationService) tryDrainQueue(conv *Conversation) {
	if s == nil || conv == nil {
		return
	}
	for {
		q, ok := conv.ClaimNextQueued()
		if !ok {
			return
		}
		if err := s.startRun(conv, q); err != nil {
			log.Error().Err(err).Str("conv_id", conv.ID).Str("run_id", q.RunID).Msg("starting queued run failed")
			s.failRun(conv, q.IdempotencyKey, err)
			continue
		}
		return
	}
}

// AttachWebSocket registers an observer socket on the conversation and runs
// its read loop until the peer goes away. Observers receive every broadcast
// frame; they never submit prompts over the socket.
func (s *ConversationService) AttachWebSocket(ctx context.Context, convID string, conn *websocket.Conn, opts WebSocketAttachOptions) error {
	if s == nil || s.cm == nil {
		return errors.New("conversation service is not initialized")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return errors.New("missing convID")
	}
	if conn == nil {
		return errors.New("websocket connection is nil")
	}
	conv, err := s.ResolveConversation(convID)
	if err != nil {
		return err
	}
	s.cm.AddConn(conv, conn)
	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", conn.RemoteAddr().String()).
		Str("conv_id", convID).
		Logger()
	if opts.SendHello {
		if b, err := json.Marshal(helloFrame(convID)); err == nil {
			wsLog.Debug().Msg("ws sending hello")
			conv.pool.SendToOne(conn, b)
		}
	}
	go func() {
		defer s.cm.RemoveConn(conv, conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if opts.HandlePingPong && msgType == websocket.TextMessage && isPingMessage(data) {
				if b, err := json.Marshal(pongFrame(convID)); err == nil {
					conv.pool.SendToOne(conn, b)
				}
			}
		}
	}()
	return nil
}

func isPingMessage(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(string(data)), "ping") {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	return strings.EqualFold(v.Type, "ws.ping")
}
