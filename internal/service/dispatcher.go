package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"conversation-orchestrator/backend/internal/bus"
	"conversation-orchestrator/backend/internal/correlation"
	"conversation-orchestrator/backend/internal/fsm"
	"conversation-orchestrator/backend/internal/models"
	"conversation-orchestrator/backend/internal/repository"
	"conversation-orchestrator/backend/pkg/cache"
	"conversation-orchestrator/backend/pkg/config"
	apperrors "conversation-orchestrator/backend/pkg/errors"
	"conversation-orchestrator/backend/pkg/logger"
	"conversation-orchestrator/backend/pkg/resilience"
	"conversation-orchestrator/backend/shared/observability"
)

const (
	defaultPublishTimeout = 5 * time.Second
	// maxStaleAttempts bounds re-runs after another process wrote the session
	maxStaleAttempts = 3
)

// Dispatcher turns inbound messages and callbacks into engine runs, persists
// what the machine decided and publishes the resulting envelopes
type Dispatcher struct {
	store          *repository.Store
	tokens         *correlation.Registry
	machines       *fsm.Registry
	engine         *fsm.Engine
	bus            bus.Bus
	topics         config.Topics
	bots           *cache.Cache
	locks          *channelLocks
	breaker        *resilience.CircuitBreaker
	retry          resilience.RetryConfig
	log            *logger.Logger
	metrics        *observability.Metrics
	now            func() time.Time
	errorReply     string
	publishTimeout time.Duration
}

// Option customises a Dispatcher
type Option func(*Dispatcher)

// WithClock replaces time.Now for session continuity and token expiry
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithMetrics records turn, publish and token metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRetry replaces the store and publish retry policy
func WithRetry(rc resilience.RetryConfig) Option {
	return func(d *Dispatcher) { d.retry = rc }
}

// WithBreaker replaces the publish circuit breaker
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(d *Dispatcher) { d.breaker = cb }
}

// NewDispatcher wires a dispatcher
func NewDispatcher(
	store *repository.Store,
	tokens *correlation.Registry,
	machines *fsm.Registry,
	engine *fsm.Engine,
	b bus.Bus,
	cfg *config.Config,
	log *logger.Logger,
	opts ...Option,
) *Dispatcher {
	if log == nil {
		log = logger.Discard()
	}
	d := &Dispatcher{
		store:          store,
		machines:       machines,
		engine:         engine,
		bus:            b,
		topics:         cfg.Bus.Topics,
		bots:           cache.New(cfg.Engine.BotCacheTTL, time.Minute, 1024),
		locks:          newChannelLocks(),
		retry:          resilience.DefaultRetryConfig(),
		log:            log,
		now:            time.Now,
		errorReply:     cfg.Engine.ErrorReply,
		publishTimeout: cfg.Bus.PublishTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.breaker == nil {
		d.breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("bus-publish"), log)
	}
	if err := d.metrics.ObserveCircuitBreaker(d.breaker); err != nil {
		log.Warn("Circuit breaker metrics unavailable", "error", err.Error())
	}
	if d.publishTimeout <= 0 {
		d.publishTimeout = defaultPublishTimeout
	}
	d.tokens = tokens.WithClock(d.now)
	return d
}

// Close releases the bot cache
func (d *Dispatcher) Close() {
	d.bots.Close()
}

// HandleEnvelope is the bus entry point for the topics the flow consumes
func (d *Dispatcher) HandleEnvelope(ctx context.Context, env bus.Envelope) error {
	switch env.Intent {
	case bus.IntentChannelInput:
		_, err := d.HandleInbound(ctx, env.ChannelID, env.Message)
		return err

	case bus.IntentCallback:
		cb := env.Callback
		if cb == nil {
			return apperrors.NewValidationError("INVALID_ENVELOPE", "callback envelope has no callback")
		}
		if cb.CallbackType == bus.CallbackChannel {
			d.log.WithChannelID(env.ChannelID).Debug("Channel delivery receipt", "token", cb.Token)
			d.metrics.Receipt(ctx)
			return nil
		}
		_, err := d.HandleCallback(ctx, cb.Token, cb.CallbackType, cb.Payload)
		if apperrors.IsNotFound(err) {
			d.log.Warn("Dropping callback",
				"callback_type", string(cb.CallbackType),
				"code", apperrors.GetErrorCode(err),
			)
			return nil
		}
		return err
	}

	return apperrors.NewValidationError("UNROUTABLE_ENVELOPE", fmt.Sprintf("flow does not consume %s envelopes", env.Intent))
}

// HandleInbound runs one turn for a user message arriving on a channel
func (d *Dispatcher) HandleInbound(ctx context.Context, channelID string, payload json.RawMessage) (*models.Turn, error) {
	ctx, span := observability.StartSpan(ctx, "dispatcher.inbound", attribute.String("channel.id", channelID))
	defer span.End()
	start := time.Now()

	turn, err := d.handleInbound(ctx, channelID, payload)
	d.finish(ctx, span, models.TurnTypeChannelMessage, start, err)
	return turn, err
}

func (d *Dispatcher) handleInbound(ctx context.Context, channelID string, payload json.RawMessage) (*models.Turn, error) {
	log := d.log.WithContext(ctx).WithChannelID(channelID)

	if channelID == "" {
		return nil, apperrors.NewValidationError("INVALID_CHANNEL", "channel id is required")
	}

	msg, err := fsm.DecodeMessage(payload)
	if err != nil {
		log.Warn("Rejected inbound message", "error", err.Error())
		d.publishFlowError(ctx, log, bus.Envelope{ChannelID: channelID}, err)
		return nil, err
	}

	unlock := d.locks.Lock(channelID)
	defer unlock()

	channel, err := d.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	bot, err := d.bot(ctx, channel.BotID)
	if err != nil {
		return nil, err
	}
	machine, err := d.machines.Lookup(bot.Machine)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	session, created, err := d.store.ResolveSession(ctx, channel, bot, now)
	if err != nil {
		return nil, err
	}
	if created {
		log.Info("Opened session", "session_id", session.ID, "generation", session.Generation)
	}

	event := fsm.UserMessage{Message: msg}
	recorded, err := fsm.EncodeEvent(event)
	if err != nil {
		return nil, err
	}
	body, err := fsm.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}

	turn := &models.Turn{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		BotID:     bot.ID,
		ChannelID: channel.ID,
		TurnType:  models.TurnTypeChannelMessage,
		Event:     string(recorded),
		CreatedAt: now,
	}
	log = log.WithSession(session.ID, turn.ID)

	err = resilience.Retry(ctx, d.retry, log, "persist inbound turn", func() error {
		return d.store.Transaction(ctx, func(tx *gorm.DB) error {
			store := d.store.WithTx(tx)
			if err := store.CreateTurn(ctx, turn); err != nil {
				return err
			}
			return store.CreateMessages(ctx, []models.Message{{
				TurnID:      turn.ID,
				MessageType: string(msg.Type()),
				Message:     string(body),
				IsUserSent:  true,
				CreatedAt:   now,
			}})
		})
	})
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		result, err := d.run(machine, session, bot, event)
		if err != nil {
			log.LogError(err, "Engine failed; turn aborted")
			d.publishFlowError(ctx, log, d.baseEnvelope(session, turn, now), err)
			return turn, err
		}

		err = d.commit(ctx, log, commit{session: session, turn: turn, result: result, seq: 1})
		if !apperrors.IsConflict(err) || attempt == maxStaleAttempts {
			return turn, err
		}
		log.Warn("Session changed under a concurrent turn; re-running", "attempt", attempt)
		if session, err = d.store.GetSession(ctx, session.ID); err != nil {
			return turn, err
		}
	}
}

// HandleCallback resumes the session that issued token with a retrieval or
// plugin result
func (d *Dispatcher) HandleCallback(ctx context.Context, token string, callbackType bus.CallbackType, payload json.RawMessage) (*models.Turn, error) {
	ctx, span := observability.StartSpan(ctx, "dispatcher.callback", attribute.String("callback.type", string(callbackType)))
	defer span.End()
	start := time.Now()

	turnType := models.TurnTypePluginCallback
	if callbackType == bus.CallbackRAG {
		turnType = models.TurnTypeRAGCallback
	}

	turn, err := d.handleCallback(ctx, token, callbackType, payload)
	d.finish(ctx, span, turnType, start, err)
	return turn, err
}

func (d *Dispatcher) handleCallback(ctx context.Context, token string, callbackType bus.CallbackType, payload json.RawMessage) (*models.Turn, error) {
	log := d.log.WithContext(ctx)

	corr, err := d.tokens.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	kind, turnType, err := callbackKind(callbackType)
	if err != nil {
		return nil, err
	}
	if kind != corr.Kind {
		return nil, apperrors.ValidationWithDetails("CALLBACK_KIND_MISMATCH", "callback type does not match the issued call",
			map[string]string{"callback_type": string(callbackType), "issued_kind": corr.Kind})
	}
	event, err := callbackEvent(callbackType, payload)
	if err != nil {
		return nil, err
	}

	owner, err := d.store.GetSession(ctx, corr.SessionID)
	if err != nil {
		return nil, err
	}
	unlock := d.locks.Lock(owner.ChannelID)
	defer unlock()

	// Re-check under the channel lock: a duplicate may have consumed the token
	// and an inbound turn may have moved the session.
	if _, err := d.tokens.Resolve(ctx, token); err != nil {
		return nil, err
	}
	resumed, err := d.store.GetSessionWithBot(ctx, corr.SessionID)
	if err != nil {
		return nil, err
	}
	session, bot := &resumed.Session, &resumed.Bot
	if bot.IsDeleted() {
		return nil, apperrors.NotFoundWithDetails("BOT_NOT_FOUND", "bot was deleted", map[string]string{"bot_id": bot.ID})
	}
	machine, err := d.machines.Lookup(bot.Machine)
	if err != nil {
		return nil, err
	}
	log = log.WithChannelID(session.ChannelID)

	now := d.now().UTC()
	reason, err := d.staleness(ctx, session, bot, corr.Kind, now)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, d.abandon(ctx, log, session, token, reason)
	}

	recorded, err := fsm.EncodeEvent(event)
	if err != nil {
		return nil, err
	}
	turn := &models.Turn{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		BotID:     bot.ID,
		ChannelID: session.ChannelID,
		TurnType:  turnType,
		Event:     string(recorded),
		CreatedAt: now,
	}
	log = log.WithSession(session.ID, turn.ID)

	for attempt := 1; ; attempt++ {
		result, err := d.run(machine, session, bot, event)
		if err != nil {
			log.LogError(err, "Engine rejected callback", "issued_turn", corr.TurnID)
			d.publishFlowError(ctx, log, d.baseEnvelope(session, turn, now), err)
			return nil, err
		}

		err = d.commit(ctx, log, commit{
			session:     session,
			turn:        turn,
			result:      result,
			consumed:    token,
			persistTurn: true,
		})
		if err == nil {
			return turn, nil
		}
		if !apperrors.IsConflict(err) || attempt == maxStaleAttempts {
			return nil, err
		}

		log.Warn("Session changed under a concurrent turn; re-running", "attempt", attempt)
		if session, err = d.store.GetSession(ctx, session.ID); err != nil {
			return nil, err
		}
		reason, err := d.staleness(ctx, session, bot, corr.Kind, now)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			return nil, d.abandon(ctx, log, session, token, reason)
		}
	}
}

// staleness names why session can no longer take a callback of kind, or
// returns "" when it still can
func (d *Dispatcher) staleness(ctx context.Context, session *models.Session, bot *models.Bot, kind string, now time.Time) (string, error) {
	latest, err := d.store.LatestSession(ctx, session.ChannelID)
	if err != nil {
		return "", err
	}
	if latest.ID != session.ID {
		return "superseded", nil
	}
	if !session.ActiveAt(now, bot.SessionTimeout()) {
		return "expired", nil
	}
	awaited := fsm.WaitForPlugin
	if kind == models.CorrelationKindRAG {
		awaited = fsm.WaitForCallback
	}
	if session.Status != awaited.String() {
		return "not_awaited", nil
	}
	return "", nil
}

// abandon retires a token whose session moved on. The machine never sees the
// callback.
func (d *Dispatcher) abandon(ctx context.Context, log *logger.Logger, session *models.Session, token, reason string) error {
	err := resilience.Retry(ctx, d.retry, log, "retire abandoned token", func() error {
		return d.tokens.Retire(ctx, token)
	})
	switch {
	case err == nil:
		d.metrics.Tokens(ctx, "abandoned", 1)
	case !apperrors.IsNotFound(err):
		return err
	}

	log.Info("Abandoned callback", "session_id", session.ID, "reason", reason)
	return apperrors.NotFoundWithDetails("TOKEN_ABANDONED", "session no longer awaits this callback",
		map[string]string{"session_id": session.ID, "reason": reason})
}

func (d *Dispatcher) bot(ctx context.Context, botID string) (*models.Bot, error) {
	if v, ok := d.bots.Get(botID); ok {
		if bot, ok := v.(*models.Bot); ok {
			return bot, nil
		}
	}
	bot, err := d.store.GetBotByID(ctx, botID)
	if err != nil {
		return nil, err
	}
	if bot.IsDeleted() {
		return nil, apperrors.NotFoundWithDetails("BOT_NOT_FOUND", "bot was deleted", map[string]string{"bot_id": botID})
	}
	d.bots.Set(botID, bot)
	return bot, nil
}

func (d *Dispatcher) run(machine fsm.Machine, session *models.Session, bot *models.Bot, event fsm.Event) (fsm.Result, error) {
	status, err := fsm.ParseStatus(session.Status)
	if err != nil {
		return fsm.Result{}, apperrors.NewEngineError("CORRUPT_SESSION_STATE", err.Error())
	}
	state := fsm.State{
		Node:      session.Node,
		Status:    status,
		Variables: fsm.Variables(session.Variables),
	}
	return d.engine.Run(machine, state, event, bot.ConfigEnv)
}

// commit is one engine result waiting to be persisted and published
type commit struct {
	session     *models.Session
	turn        *models.Turn
	result      fsm.Result
	consumed    string
	persistTurn bool
	seq         int
}

type outbound struct {
	topic string
	env   bus.Envelope
}

// commit persists the result in one transaction and publishes its envelopes
// in action order once the transaction is durable
func (d *Dispatcher) commit(ctx context.Context, log *logger.Logger, c commit) error {
	now := d.now().UTC()

	var pending []outbound
	var issued, abandoned int64
	err := resilience.Retry(ctx, d.retry, log, "commit turn", func() error {
		pending, issued, abandoned = pending[:0], 0, 0
		return d.store.Transaction(ctx, func(tx *gorm.DB) error {
			store := d.store.WithTx(tx)
			tokens := d.tokens.WithTx(tx)

			if c.consumed != "" {
				if err := tokens.Retire(ctx, c.consumed); err != nil {
					return err
				}
			}
			if c.result.State.Status == fsm.End {
				n, err := tokens.RetireSession(ctx, c.session.ID)
				if err != nil {
					return err
				}
				abandoned = n
			}
			if c.persistTurn {
				if err := store.CreateTurn(ctx, c.turn); err != nil {
					return err
				}
			}

			var messages []models.Message
			for _, action := range c.result.Actions {
				env := d.baseEnvelope(c.session, c.turn, now)

				switch a := action.(type) {
				case fsm.SendMessage:
					body, err := fsm.EncodeMessage(a.Message())
					if err != nil {
						return err
					}
					messages = append(messages, models.Message{
						TurnID:      c.turn.ID,
						MessageType: string(a.Message().Type()),
						Message:     string(body),
						Seq:         c.seq + len(messages),
						CreatedAt:   now,
					})
					env.Intent = bus.IntentChannelOutput
					env.Message = body
					pending = append(pending, outbound{d.topics.ChannelOutbound, env})

				case fsm.RAGCall:
					req := &bus.RAGRequest{Query: a.Query(), CollectionName: a.Collection(), TopK: a.TopK()}
					token, err := tokens.Issue(ctx, c.session.ID, c.turn.ID, models.CorrelationKindRAG, req)
					if err != nil {
						return err
					}
					req.Token = token
					issued++
					env.Intent = bus.IntentRAGRequest
					env.RAG = req
					pending = append(pending, outbound{d.topics.RAGRequest, env})

				case fsm.PluginCall:
					req := &bus.PluginRequest{Plugin: a.Plugin(), Input: a.Input()}
					token, err := tokens.Issue(ctx, c.session.ID, c.turn.ID, models.CorrelationKindPlugin, req)
					if err != nil {
						return err
					}
					req.Token = token
					issued++
					env.Intent = bus.IntentPluginRequest
					env.Plugin = req
					pending = append(pending, outbound{d.topics.PluginRequest, env})

				case fsm.LanguageChange:
					env.Intent = bus.IntentLanguageChange
					env.Language = a.Language()
					pending = append(pending, outbound{d.topics.ChannelOutbound, env})

				case fsm.ConversationReset:
					// State only; the engine already cleared variables and node.
				}
			}

			if err := store.CreateMessages(ctx, messages); err != nil {
				return err
			}
			state := c.result.State
			return store.UpdateSessionState(ctx, c.session.ID, c.session.Version, state.Node, state.Status.String(), state.Variables, now)
		})
	})
	if err != nil {
		if apperrors.IsNotFound(err) && c.consumed != "" {
			log.Warn("Callback lost the race for its token; state left unchanged")
		}
		return err
	}

	if c.consumed != "" {
		d.metrics.Tokens(ctx, "retired", 1)
	}
	d.metrics.Tokens(ctx, "issued", issued)
	d.metrics.Tokens(ctx, "abandoned", abandoned)

	log.Info("Turn committed",
		"node", c.result.State.Node,
		"status", c.result.State.Status.String(),
		"actions", len(c.result.Actions),
		"steps", c.result.Steps,
	)

	var errs []error
	for _, out := range pending {
		if err := d.publish(ctx, log, out.topic, out.env); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return apperrors.NewTransientError("PUBLISH_FAILED", "turn committed but some envelopes were not published", stderrors.Join(errs...))
	}
	return nil
}

func (d *Dispatcher) baseEnvelope(session *models.Session, turn *models.Turn, now time.Time) bus.Envelope {
	return bus.Envelope{
		Source:    bus.SourceFlow,
		SessionID: session.ID,
		TurnID:    turn.ID,
		BotID:     session.BotID,
		ChannelID: session.ChannelID,
		CreatedAt: now,
	}
}

func (d *Dispatcher) publish(ctx context.Context, log *logger.Logger, topic string, env bus.Envelope) error {
	err := resilience.Retry(ctx, d.retry, log, "publish "+topic, func() error {
		return d.breaker.Execute(func() error {
			pctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
			defer cancel()
			return d.bus.Publish(pctx, topic, env)
		})
	})
	d.metrics.Published(ctx, topic, err)
	if err != nil {
		log.LogError(err, "Publish failed",
			"topic", topic,
			"intent", string(env.Intent),
		)
	}
	return err
}

// publishFlowError tells the channel that the turn failed. Only validation
// and engine failures are reported; infrastructure errors are retried upstream.
func (d *Dispatcher) publishFlowError(ctx context.Context, log *logger.Logger, env bus.Envelope, cause error) {
	if !apperrors.IsValidation(cause) && !apperrors.IsEngine(cause) {
		return
	}

	env.Source = bus.SourceFlow
	env.Intent = bus.IntentFlowError
	env.Error = &bus.FlowError{
		Code:    apperrors.GetErrorCode(cause),
		Message: apperrors.GetErrorMessage(cause),
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = d.now().UTC()
	}
	if d.errorReply != "" {
		if reply, err := fsm.NewText(d.errorReply); err == nil {
			if body, err := fsm.EncodeMessage(reply); err == nil {
				env.Message = body
			}
		}
	}

	_ = d.publish(ctx, log, d.topics.ChannelOutbound, env)
}

func (d *Dispatcher) finish(ctx context.Context, span oteltrace.Span, turnType string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperrors.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, apperrors.GetErrorCode(err))
	}
	d.metrics.TurnProcessed(ctx, turnType, outcome, time.Since(start))
}

func callbackKind(t bus.CallbackType) (kind, turnType string, err error) {
	switch t {
	case bus.CallbackRAG:
		return models.CorrelationKindRAG, models.TurnTypeRAGCallback, nil
	case bus.CallbackPlugin, "":
		return models.CorrelationKindPlugin, models.TurnTypePluginCallback, nil
	}
	return "", "", apperrors.NewValidationError("INVALID_CALLBACK_TYPE", fmt.Sprintf("%s callbacks do not resume a session", t))
}

func callbackEvent(t bus.CallbackType, payload json.RawMessage) (fsm.Event, error) {
	empty := len(payload) == 0 || string(payload) == "null"

	if t == bus.CallbackRAG {
		var chunks []fsm.Chunk
		if !empty {
			if err := json.Unmarshal(payload, &chunks); err != nil {
				return nil, apperrors.NewValidationError("INVALID_CALLBACK_PAYLOAD", "retrieval payload must be a list of chunks")
			}
		}
		return fsm.RAGResult{Chunks: chunks}, nil
	}

	data := map[string]any{}
	if !empty {
		if err := json.Unmarshal(payload, &data); err != nil {
			return nil, apperrors.NewValidationError("INVALID_CALLBACK_PAYLOAD", "plugin payload must be a JSON object")
		}
	}
	return fsm.PluginResult{Payload: data}, nil
}
