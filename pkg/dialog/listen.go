package dialog

import (
	"context"
	"fmt"

	"github.com/humanagencyorg/twilio-stub/pkg/events"
	"github.com/humanagencyorg/twilio-stub/pkg/schema"
)

// continueListen matches the newest customer message against the samples of
// the listened tasks, in list order. A miss replays the list the Listen came
// from: the webhook reply that carried it, else the current task.
func (e *Engine) continueListen(ctx context.Context, t *turn) error {
	if !t.hasIn {
		return ErrNoInboundMessage
	}
	utterance := t.input

	candidates, err := listenCandidates(t.schema, t.state.Listen.Action)
	if err != nil {
		return err
	}
	for _, task := range candidates {
		if !task.HasSample(utterance) {
			continue
		}
		t.state.endLifecycle()
		_ = e.publisher.Emit(ctx, events.ListenMatched, t.state.DialogID, &events.ListenData{
			Channel:   t.Channel,
			Utterance: utterance,
			Task:      task.UniqueName,
		})
		actions, err := e.enterTask(ctx, t, task.UniqueName)
		if err != nil {
			return err
		}
		return e.run(ctx, t, actions)
	}

	_ = e.publisher.Emit(ctx, events.ListenMissed, t.state.DialogID, &events.ListenData{
		Channel:   t.Channel,
		Utterance: utterance,
	})
	if replay := t.state.Listen.Replay; len(replay) > 0 {
		t.fromHook = true
		return e.run(ctx, t, replay)
	}
	current, ok := t.schema.FindTaskByName(t.state.CurrentTask)
	if !ok {
		return fmt.Errorf("listen replay: %w: %q", schema.ErrTaskNotFound, t.state.CurrentTask)
	}
	return e.run(ctx, t, current.Actions)
}

// listenCandidates resolves the Listen task list; an empty list means every task.
func listenCandidates(s *schema.Schema, l schema.Listen) ([]*schema.Task, error) {
	if len(l.Tasks) == 0 {
		out := make([]*schema.Task, len(s.Tasks))
		for i := range s.Tasks {
			out[i] = &s.Tasks[i]
		}
		return out, nil
	}
	out := make([]*schema.Task, 0, len(l.Tasks))
	for _, name := range l.Tasks {
		task, ok := s.FindTaskByName(name)
		if !ok {
			return nil, fmt.Errorf("listen: %w: %q", schema.ErrTaskNotFound, name)
		}
		out = append(out, task)
	}
	return out, nil
}
