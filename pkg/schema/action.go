package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAction is returned when an action object does not decode to
// exactly one known variant.
var ErrInvalidAction = errors.New("invalid action")

// Kind names an action variant.
type Kind string

const (
	KindSay      Kind = "say"
	KindShow     Kind = "show"
	KindCollect  Kind = "collect"
	KindListen   Kind = "listen"
	KindRedirect Kind = "redirect"
)

// Action is one step of a task. Exactly one field is set; the variant is
// fixed when the schema is decoded.
type Action struct {
	Say      *Say
	Show     *Show
	Collect  *Collect
	Listen   *Listen
	Redirect *Redirect
}

// Kind reports which variant the action holds.
func (a Action) Kind() Kind {
	switch {
	case a.Say != nil:
		return KindSay
	case a.Show != nil:
		return KindShow
	case a.Collect != nil:
		return KindCollect
	case a.Listen != nil:
		return KindListen
	case a.Redirect != nil:
		return KindRedirect
	}
	return ""
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("%w: want exactly one variant key, got %d", ErrInvalidAction, len(raw))
	}

	var out Action
	for key, body := range raw {
		var err error
		switch Kind(key) {
		case KindSay:
			out.Say = new(Say)
			err = json.Unmarshal(body, out.Say)
		case KindShow:
			out.Show = new(Show)
			err = json.Unmarshal(body, out.Show)
		case KindCollect:
			out.Collect = new(Collect)
			err = json.Unmarshal(body, out.Collect)
		case KindListen:
			out.Listen = new(Listen)
			err = json.Unmarshal(body, out.Listen)
		case KindRedirect:
			out.Redirect = new(Redirect)
			err = json.Unmarshal(body, out.Redirect)
		default:
			return fmt.Errorf("%w: unknown variant %q", ErrInvalidAction, key)
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidAction, key, err)
		}
	}
	*a = out
	return nil
}

func (a Action) MarshalJSON() ([]byte, error) {
	switch a.Kind() {
	case KindSay:
		return json.Marshal(map[string]*Say{"say": a.Say})
	case KindShow:
		return json.Marshal(map[string]*Show{"show": a.Show})
	case KindCollect:
		return json.Marshal(map[string]*Collect{"collect": a.Collect})
	case KindListen:
		return json.Marshal(map[string]*Listen{"listen": a.Listen})
	case KindRedirect:
		return json.Marshal(map[string]*Redirect{"redirect": a.Redirect})
	}
	return nil, fmt.Errorf("%w: empty action", ErrInvalidAction)
}

// ActionList decodes both the wrapped {"actions": [...]} form and a bare array.
type ActionList []Action

func (l *ActionList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Actions []Action `json:"actions"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return err
		}
		*l = wrapped.Actions
		return nil
	}
	var bare []Action
	if err := json.Unmarshal(data, &bare); err != nil {
		return err
	}
	*l = bare
	return nil
}

func (l ActionList) MarshalJSON() ([]byte, error) {
	actions := []Action(l)
	if actions == nil {
		actions = []Action{}
	}
	return json.Marshal(struct {
		Actions []Action `json:"actions"`
	}{actions})
}

// Say emits a bot message verbatim.
type Say struct {
	Text string
}

func (s *Say) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = text
		return nil
	}
	var obj struct {
		Speech string `json:"speech"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	s.Text = obj.Speech
	return nil
}

func (s Say) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Text)
}

// Image is a media attachment of a Show action.
type Image struct {
	Label string `json:"label,omitempty"`
	URL   string `json:"url"`
}

// Show emits a bot message carrying a media reference.
type Show struct {
	Body   string  `json:"body"`
	Images []Image `json:"images,omitempty"`
}

// MediaURL returns the first image URL, or "".
func (s Show) MediaURL() string {
	if len(s.Images) == 0 {
		return ""
	}
	return s.Images[0].URL
}

// Collect gathers a sequence of answers over several turns.
type Collect struct {
	Name       string      `json:"name"`
	Questions  []Question  `json:"questions"`
	OnComplete *OnComplete `json:"on_complete,omitempty"`
}

// OnComplete runs once every question of a Collect has an answer.
type OnComplete struct {
	Redirect *Redirect `json:"redirect,omitempty"`
}

// Question is one field of a Collect.
type Question struct {
	Name     string
	Prompt   string
	Type     string
	Validate *Rule
}

type questionJSON struct {
	Name     string          `json:"name"`
	Question json.RawMessage `json:"question"`
	Type     string          `json:"type,omitempty"`
	Validate json.RawMessage `json:"validate,omitempty"`
}

func (q *Question) UnmarshalJSON(data []byte) error {
	var raw questionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	q.Name = raw.Name
	q.Type = raw.Type
	q.Prompt = ""
	q.Validate = nil

	if len(raw.Question) > 0 {
		// "question" is either plain text or a nested say.
		var text string
		if err := json.Unmarshal(raw.Question, &text); err == nil {
			q.Prompt = text
		} else {
			var nested struct {
				Say Say `json:"say"`
			}
			if err := json.Unmarshal(raw.Question, &nested); err != nil {
				return fmt.Errorf("question %q: %w", raw.Name, err)
			}
			q.Prompt = nested.Say.Text
		}
	}

	switch v := bytes.TrimSpace(raw.Validate); {
	case len(v) == 0, bytes.Equal(v, []byte("null")), bytes.Equal(v, []byte("false")):
	case bytes.Equal(v, []byte("true")):
		q.Validate = &Rule{}
	default:
		var rule Rule
		if err := json.Unmarshal(v, &rule); err != nil {
			return fmt.Errorf("question %q validate: %w", raw.Name, err)
		}
		q.Validate = &rule
	}
	return nil
}

func (q Question) MarshalJSON() ([]byte, error) {
	prompt, err := json.Marshal(q.Prompt)
	if err != nil {
		return nil, err
	}
	out := questionJSON{Name: q.Name, Question: prompt, Type: q.Type}
	if q.Validate != nil {
		if out.Validate, err = json.Marshal(q.Validate); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// Rule is the validation block of a question.
type Rule struct {
	AllowedValues *AllowedValues `json:"allowed_values,omitempty"`
	Webhook       *WebhookRule   `json:"webhook,omitempty"`
	OnSuccess     *Action        `json:"on_success,omitempty"`
	OnFailure     *OnFailure     `json:"on_failure,omitempty"`
}

// AllowedValues restricts answers to a fixed, case-sensitive list.
type AllowedValues struct {
	List []string `json:"list"`
}

// WebhookRule delegates validation to an external endpoint.
type WebhookRule struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
}

// OnFailure lists the messages cycled through on invalid answers.
type OnFailure struct {
	Messages       []Action `json:"messages,omitempty"`
	RepeatQuestion *bool    `json:"repeat_question,omitempty"`
}

// Listen waits for the next inbound message to match a sample of one of Tasks.
// An empty Tasks list matches against every task in the schema, as does the
// shorthand "listen": true. "listen": false is rejected.
type Listen struct {
	Tasks []string `json:"tasks,omitempty"`
}

func (l *Listen) UnmarshalJSON(data []byte) error {
	var flag bool
	if err := json.Unmarshal(data, &flag); err == nil {
		if !flag {
			return fmt.Errorf("%w: listen false", ErrInvalidAction)
		}
		l.Tasks = nil
		return nil
	}
	type plain Listen
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*l = Listen(p)
	return nil
}

// TaskScheme prefixes task references in redirects.
const TaskScheme = "task://"

// Redirect is either a graph edge to Task or a webhook call to URI.
type Redirect struct {
	Task   string
	URI    string
	Method string
}

// IsTask reports whether the redirect targets another task.
func (r Redirect) IsTask() bool { return r.Task != "" }

func (r *Redirect) UnmarshalJSON(data []byte) error {
	var target string
	if err := json.Unmarshal(data, &target); err != nil {
		var obj struct {
			URI    string `json:"uri"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		target = obj.URI
		r.Method = obj.Method
	}
	return r.setTarget(target)
}

func (r *Redirect) setTarget(target string) error {
	r.Task, r.URI = "", ""
	switch {
	case strings.HasPrefix(target, TaskScheme):
		r.Task = strings.TrimPrefix(target, TaskScheme)
		if r.Task == "" {
			return errors.New("redirect: empty task reference")
		}
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		r.URI = target
	case target == "":
		return errors.New("redirect: missing target")
	default:
		return fmt.Errorf("redirect: unsupported target %q", target)
	}
	return nil
}

func (r Redirect) MarshalJSON() ([]byte, error) {
	if r.IsTask() {
		return json.Marshal(TaskScheme + r.Task)
	}
	return json.Marshal(struct {
		URI    string `json:"uri"`
		Method string `json:"method,omitempty"`
	}{r.URI, r.Method})
}
