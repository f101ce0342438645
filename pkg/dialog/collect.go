package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/humanagencyorg/twilio-stub/pkg/events"
	"github.com/humanagencyorg/twilio-stub/pkg/schema"
	"github.com/humanagencyorg/twilio-stub/pkg/validator"
)

// continueCollect consumes the newest customer message as the answer to the
// question at index len(Answers).
func (e *Engine) continueCollect(ctx context.Context, t *turn) error {
	cs := t.state.Collect
	idx := len(cs.Answers)
	if idx >= len(cs.Action.Questions) {
		return fmt.Errorf("%w: collect %q has no question %d", ErrInvalidSchema, cs.Action.Name, idx)
	}
	if !t.hasIn {
		return ErrNoInboundMessage
	}
	answer := t.input
	q := cs.Action.Questions[idx]

	if q.Validate != nil {
		valid, err := e.validate(ctx, answer, q)
		if err != nil {
			return err
		}
		if !valid {
			return e.rejectAnswer(ctx, t, q, answer)
		}
		if onSuccess := e.onSuccess(t.schema, q.Validate); onSuccess != nil {
			if err := e.inline(ctx, t, *onSuccess); err != nil {
				return err
			}
		}
		cs.ErrorIndex = 0
	}

	cs.Answers = append(cs.Answers, Answer{Field: q.Name, Value: answer})
	_ = e.publisher.Emit(ctx, events.CollectAnswered, t.state.DialogID, &events.CollectAnswerData{
		Channel: t.Channel,
		Field:   q.Name,
		Answer:  answer,
	})

	if next := idx + 1; next < len(cs.Action.Questions) {
		if err := e.emit(ctx, t, cs.Action.Questions[next].Prompt, ""); err != nil {
			return err
		}
		return SaveState(ctx, e.store, t.Channel, t.state)
	}
	return e.completeCollect(ctx, t)
}

func (e *Engine) validate(ctx context.Context, answer string, q schema.Question) (bool, error) {
	valid, err := e.validator.Validate(ctx, answer, q.Validate, q.Type)
	if errors.Is(err, validator.ErrUnsupportedType) && !e.opts.StrictTypes {
		slog.WarnContext(ctx, "accepting answer for unsupported validation type",
			slog.String("field", q.Name), slog.String("type", q.Type))
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("validate %q: %w", q.Name, err)
	}
	return valid, nil
}

// onSuccess returns the rule's success action, else the style sheet default.
func (e *Engine) onSuccess(s *schema.Schema, rule *schema.Rule) *schema.Action {
	if rule.OnSuccess != nil {
		return rule.OnSuccess
	}
	if s.StyleSheet != nil && s.StyleSheet.Collect != nil && s.StyleSheet.Collect.Validate != nil {
		return s.StyleSheet.Collect.Validate.OnSuccess
	}
	return nil
}

// rejectAnswer emits the next failure message, cycling through the list, and
// optionally repeats the question. The question index does not move.
func (e *Engine) rejectAnswer(ctx context.Context, t *turn, q schema.Question, answer string) error {
	cs := t.state.Collect
	messages, repeat := t.schema.FailureDefaults()
	if f := q.Validate.OnFailure; f != nil {
		if len(f.Messages) > 0 {
			messages = f.Messages
		}
		if f.RepeatQuestion != nil {
			repeat = *f.RepeatQuestion
		}
	}

	if len(messages) > 0 {
		cursor := cs.ErrorIndex
		if cursor < 0 || cursor >= len(messages) {
			cursor = 0
		}
		if err := e.inline(ctx, t, messages[cursor]); err != nil {
			return err
		}
		cs.ErrorIndex = cursor + 1
	}
	if err := SaveState(ctx, e.store, t.Channel, t.state); err != nil {
		return err
	}

	_ = e.publisher.Emit(ctx, events.CollectRejected, t.state.DialogID, &events.CollectAnswerData{
		Channel: t.Channel,
		Field:   q.Name,
		Answer:  answer,
	})

	if repeat {
		return e.emit(ctx, t, q.Prompt, "")
	}
	return nil
}

// completeCollect ends the Collect lifecycle and follows on_complete.
func (e *Engine) completeCollect(ctx context.Context, t *turn) error {
	cs := t.state.Collect
	answers := cs.answerMap()
	onComplete := cs.Action.OnComplete

	t.state.endLifecycle()
	if err := SaveState(ctx, e.store, t.Channel, t.state); err != nil {
		return err
	}
	_ = e.publisher.Emit(ctx, events.CollectCompleted, t.state.DialogID, &events.CollectCompletedData{
		Channel: t.Channel,
		Collect: cs.Action.Name,
		Answers: answers,
	})

	if onComplete == nil || onComplete.Redirect == nil {
		return nil
	}
	r := *onComplete.Redirect
	if r.IsTask() {
		return e.run(ctx, t, []schema.Action{{Redirect: &r}})
	}
	actions, err := e.callWebhook(ctx, t, r.URI, answers)
	if err != nil {
		return err
	}
	return e.run(ctx, t, actions)
}
