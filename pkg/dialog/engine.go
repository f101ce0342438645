// Package dialog resolves one conversational turn at a time against the task
// schema, resuming from the state persisted for the channel.
package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/humanagencyorg/twilio-stub/pkg/events"
	"github.com/humanagencyorg/twilio-stub/pkg/media"
	"github.com/humanagencyorg/twilio-stub/pkg/metrics"
	"github.com/humanagencyorg/twilio-stub/pkg/schema"
	"github.com/humanagencyorg/twilio-stub/pkg/store"
	"github.com/humanagencyorg/twilio-stub/pkg/validator"
	"github.com/humanagencyorg/twilio-stub/pkg/webhook"
)

// DefaultMaxRedirects caps task and webhook redirects within one turn.
const DefaultMaxRedirects = 64

var (
	// ErrInvalidSchema is returned for schema shapes the engine cannot run.
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrRedirectLoop is returned when a turn exceeds the redirect limit.
	ErrRedirectLoop = errors.New("redirect limit exceeded")
	// ErrNoInboundMessage is returned when a resumed turn has no customer message to consume.
	ErrNoInboundMessage = errors.New("no inbound message to resume with")
)

var tracer = otel.Tracer("github.com/humanagencyorg/twilio-stub/pkg/dialog")

// Webhooks is the outbound webhook client used by the engine.
type Webhooks interface {
	Post(ctx context.Context, rawURL string, form url.Values) (json.RawMessage, error)
	Actions(ctx context.Context, rawURL string, form url.Values) ([]schema.Action, error)
}

// Options tunes engine behaviour.
type Options struct {
	PacingInterval time.Duration
	MaxRedirects   int
	// StrictTypes aborts the turn when a question declares a type without a
	// matcher. Otherwise the answer is accepted and a warning logged.
	StrictTypes bool
}

// Engine interprets the task schema for one turn at a time. It holds no
// per-conversation state of its own.
type Engine struct {
	store     store.Store
	hooks     Webhooks
	validator *validator.Validator
	media     media.Registry
	pacer     Pacer
	publisher *events.Publisher
	metrics   *metrics.Metrics
	opts      Options
}

// Option configures an Engine.
type Option func(*Engine)

// WithPacer replaces SleepPacer.
func WithPacer(p Pacer) Option { return func(e *Engine) { e.pacer = p } }

// WithMedia sets the registry consulted by Show actions.
func WithMedia(r media.Registry) Option { return func(e *Engine) { e.media = r } }

// WithPublisher emits dialog events.
func WithPublisher(p *events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithMetrics records turn outcomes and message counts.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithOptions sets tuning options. Zero fields keep their defaults.
func WithOptions(o Options) Option {
	return func(e *Engine) {
		if o.PacingInterval > 0 {
			e.opts.PacingInterval = o.PacingInterval
		}
		if o.MaxRedirects > 0 {
			e.opts.MaxRedirects = o.MaxRedirects
		}
		e.opts.StrictTypes = o.StrictTypes
	}
}

// NewEngine creates an engine over st. hooks serves webhook redirects and
// webhook validation rules.
func NewEngine(st store.Store, hooks Webhooks, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		hooks: hooks,
		pacer: SleepPacer,
		opts: Options{
			PacingInterval: DefaultPacingInterval,
			MaxRedirects:   DefaultMaxRedirects,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	var poster validator.Poster
	if hooks != nil {
		poster = hooks
	}
	e.validator = validator.New(poster)
	return e
}

// turn carries what one Resolve call has loaded.
type turn struct {
	Turn
	schema *schema.Schema
	state  State
	userID string
	input  string
	hasIn  bool
	hops   int
	// list is the action list being run. fromHook is set when it came
	// from a webhook reply rather than a task.
	list     []schema.Action
	fromHook bool
}

// Resolve advances the channel's dialog by one turn.
func (e *Engine) Resolve(ctx context.Context, in Turn) (err error) {
	if in.Channel == "" {
		return errors.New("resolve: empty channel")
	}

	ctx, span := tracer.Start(ctx, "dialog.Resolve")
	span.SetAttributes(attribute.String("dialog.channel", in.Channel))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.metrics.Turn("error")
			_ = e.publisher.Emit(ctx, events.SystemError, in.Channel, &events.SystemErrorData{
				Channel: in.Channel,
				Error:   err.Error(),
			})
		}
		span.End()
	}()

	t, err := e.load(ctx, in)
	if err != nil {
		return err
	}
	phase := t.state.Phase()
	span.SetAttributes(attribute.String("dialog.phase", phase.String()))
	slog.DebugContext(ctx, "resolving turn",
		slog.String("channel", in.Channel), slog.String("phase", phase.String()))

	switch phase {
	case AwaitingCollectAnswer:
		err = e.continueCollect(ctx, t)
	case AwaitingListenMatch:
		err = e.continueListen(ctx, t)
	default:
		err = e.start(ctx, t)
	}
	if err != nil {
		return err
	}

	if t.state.Phase() == NotStarted {
		e.metrics.Turn("ok")
	} else {
		e.metrics.Turn("suspended")
	}
	return nil
}

func (e *Engine) load(ctx context.Context, in Turn) (*turn, error) {
	sch, err := schema.Load(ctx, e.store)
	if err != nil {
		return nil, err
	}
	state, err := LoadState(ctx, e.store, in.Channel)
	if err != nil {
		return nil, err
	}
	userID, err := store.GetString(ctx, e.store, store.UserIDKey(in.Channel))
	if err != nil {
		return nil, fmt.Errorf("load user id: %w", err)
	}
	msgs, err := History(ctx, e.store, in.Channel)
	if err != nil {
		return nil, err
	}
	input, ok := lastInbound(msgs)
	return &turn{
		Turn:   in,
		schema: sch,
		state:  state,
		userID: userID,
		input:  input,
		hasIn:  ok,
	}, nil
}

// start begins a new dialog: explicit target, then sample match, then greeting.
func (e *Engine) start(ctx context.Context, t *turn) error {
	var (
		task *schema.Task
		ok   bool
	)
	switch {
	case t.TargetTask != "":
		task, ok = t.schema.FindTaskByName(t.TargetTask)
		if !ok {
			return fmt.Errorf("start dialog: %w: %q", schema.ErrTaskNotFound, t.TargetTask)
		}
	default:
		task, ok = t.schema.FindTaskBySample(t.Body)
		if !ok {
			task, ok = t.schema.FindTaskByName(schema.GreetingTask)
		}
		if !ok {
			return fmt.Errorf("start dialog: %w: %q", schema.ErrTaskNotFound, schema.GreetingTask)
		}
	}

	t.state = State{DialogID: NewDialogID(), CurrentTask: task.UniqueName}
	if err := SaveState(ctx, e.store, t.Channel, t.state); err != nil {
		return err
	}
	_ = e.publisher.Emit(ctx, events.DialogStarted, t.state.DialogID, &events.DialogStartedData{
		Channel:  t.Channel,
		DialogID: t.state.DialogID,
		Task:     task.UniqueName,
	})
	return e.run(ctx, t, task.Actions)
}

type outcome int

const (
	outcomeContinue outcome = iota
	outcomeSuspend
	outcomeReplace
)

// run executes actions in order until one suspends or the list ends. A
// redirect replaces the remaining list with its target's actions.
func (e *Engine) run(ctx context.Context, t *turn, actions []schema.Action) error {
	queue := actions
	for i := 0; i < len(queue); i++ {
		t.list = queue
		out, next, err := e.step(ctx, t, queue[i])
		if err != nil {
			return err
		}
		switch out {
		case outcomeSuspend:
			return nil
		case outcomeReplace:
			t.hops++
			if t.hops > e.opts.MaxRedirects {
				return fmt.Errorf("%w: %d redirects", ErrRedirectLoop, t.hops-1)
			}
			queue, i = next, -1
		}
	}
	return nil
}

func (e *Engine) step(ctx context.Context, t *turn, a schema.Action) (outcome, []schema.Action, error) {
	switch a.Kind() {
	case schema.KindSay:
		return outcomeContinue, nil, e.emit(ctx, t, a.Say.Text, "")

	case schema.KindShow:
		mediaURL := media.Resolve(e.media, a.Show.MediaURL())
		return outcomeContinue, nil, e.emit(ctx, t, a.Show.Body, mediaURL)

	case schema.KindRedirect:
		next, err := e.redirect(ctx, t, *a.Redirect)
		return outcomeReplace, next, err

	case schema.KindCollect:
		c := a.Collect
		if len(c.Questions) == 0 {
			return 0, nil, fmt.Errorf("%w: collect %q has no questions", ErrInvalidSchema, c.Name)
		}
		t.state.Listen = nil
		t.state.Collect = &CollectState{Action: *c, Answers: []Answer{}}
		if err := SaveState(ctx, e.store, t.Channel, t.state); err != nil {
			return 0, nil, err
		}
		return outcomeSuspend, nil, e.emit(ctx, t, c.Questions[0].Prompt, "")

	case schema.KindListen:
		t.state.Collect = nil
		t.state.Listen = &ListenState{Action: *a.Listen}
		if t.fromHook {
			t.state.Listen.Replay = t.list
		}
		return outcomeSuspend, nil, SaveState(ctx, e.store, t.Channel, t.state)
	}
	return 0, nil, fmt.Errorf("%w: empty action", ErrInvalidSchema)
}

// redirect resolves a redirect to the actions that replace the current list.
func (e *Engine) redirect(ctx context.Context, t *turn, r schema.Redirect) ([]schema.Action, error) {
	if r.IsTask() {
		return e.enterTask(ctx, t, r.Task)
	}
	return e.callWebhook(ctx, t, r.URI, nil)
}

func (e *Engine) enterTask(ctx context.Context, t *turn, name string) ([]schema.Action, error) {
	task, ok := t.schema.FindTaskByName(name)
	if !ok {
		return nil, fmt.Errorf("redirect: %w: %q", schema.ErrTaskNotFound, name)
	}
	t.state.CurrentTask = task.UniqueName
	t.fromHook = false
	if err := SaveState(ctx, e.store, t.Channel, t.state); err != nil {
		return nil, err
	}
	_ = e.publisher.Emit(ctx, events.TaskEntered, t.state.DialogID, &events.TaskEnteredData{
		Channel: t.Channel,
		Task:    task.UniqueName,
	})
	return task.Actions, nil
}

func (e *Engine) callWebhook(ctx context.Context, t *turn, rawURL string, answers map[string]string) ([]schema.Action, error) {
	if e.hooks == nil {
		return nil, fmt.Errorf("redirect to %s: no webhook client", rawURL)
	}
	env := webhook.Envelope{
		DialogueSid:    t.state.DialogID,
		UserIdentifier: t.userID,
		Answers:        answers,
	}
	if t.hasIn {
		env.CurrentInput = t.input
	}
	form, err := env.Form()
	if err != nil {
		return nil, err
	}
	actions, err := e.hooks.Actions(ctx, rawURL, form)
	if err != nil {
		return nil, fmt.Errorf("redirect to webhook: %w", err)
	}
	t.fromHook = true
	return actions, nil
}

// inline runs a single message action outside the action list. Only Say and
// Show may appear where inline actions are allowed.
func (e *Engine) inline(ctx context.Context, t *turn, a schema.Action) error {
	switch a.Kind() {
	case schema.KindSay, schema.KindShow:
		_, _, err := e.step(ctx, t, a)
		return err
	}
	return fmt.Errorf("%w: %q action cannot run inline", ErrInvalidSchema, a.Kind())
}

// emit appends a bot message, then paces.
func (e *Engine) emit(ctx context.Context, t *turn, body, mediaURL string) error {
	msg := Message{
		Sid:         NewMessageSid(),
		Body:        body,
		Author:      BotAuthor,
		MediaURL:    mediaURL,
		DateCreated: time.Now().UTC(),
	}
	if err := AppendMessage(ctx, e.store, t.Channel, msg); err != nil {
		return err
	}
	e.metrics.Message()
	_ = e.publisher.Emit(ctx, events.MessageEmitted, t.state.DialogID, &events.MessageEmittedData{
		Channel:  t.Channel,
		Sid:      msg.Sid,
		Body:     msg.Body,
		MediaURL: msg.MediaURL,
	})
	return e.pacer.Pause(ctx, e.opts.PacingInterval)
}
