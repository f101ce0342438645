// Package schema models the bot definition: tasks, their actions and sample
// utterances, and the global style sheet.
package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/humanagencyorg/twilio-stub/pkg/store"
)

var (
	// ErrTaskNotFound is returned when a referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNoSchema is returned when the store holds no schema.
	ErrNoSchema = errors.New("no schema loaded")
)

// GreetingTask is the task a dialog falls back to when nothing else matches.
const GreetingTask = "greeting"

// Schema is the full bot definition.
type Schema struct {
	UniqueName   string          `json:"uniqueName,omitempty"`
	FriendlyName string          `json:"friendlyName,omitempty"`
	Tasks        []Task          `json:"tasks"`
	StyleSheet   *StyleSheet     `json:"styleSheet,omitempty"`
	Defaults     json.RawMessage `json:"defaults,omitempty"`
}

// Task is a named node of the dialog graph.
type Task struct {
	Sid        string     `json:"sid,omitempty"`
	UniqueName string     `json:"uniqueName"`
	Actions    ActionList `json:"actions"`
	Samples    []Sample   `json:"samples,omitempty"`
}

// Sample is a training utterance used for intent matching.
type Sample struct {
	Sid        string `json:"sid,omitempty"`
	Language   string `json:"language,omitempty"`
	TaggedText string `json:"taggedText"`
}

// HasSample reports whether utterance equals one of the task's samples.
func (t Task) HasSample(utterance string) bool {
	for _, s := range t.Samples {
		if s.TaggedText == utterance {
			return true
		}
	}
	return false
}

// FindTaskByName returns the task with the given unique name.
func (s *Schema) FindTaskByName(name string) (*Task, bool) {
	for i := range s.Tasks {
		if s.Tasks[i].UniqueName == name {
			return &s.Tasks[i], true
		}
	}
	return nil, false
}

// FindTaskBySample returns the first task with a sample equal to utterance.
func (s *Schema) FindTaskBySample(utterance string) (*Task, bool) {
	if utterance == "" {
		return nil, false
	}
	for i := range s.Tasks {
		if s.Tasks[i].HasSample(utterance) {
			return &s.Tasks[i], true
		}
	}
	return nil, false
}

// AddTask appends t, replacing any task with the same unique name.
func (s *Schema) AddTask(t Task) {
	for i := range s.Tasks {
		if s.Tasks[i].UniqueName == t.UniqueName {
			s.Tasks[i] = t
			return
		}
	}
	s.Tasks = append(s.Tasks, t)
}

// RemoveTask deletes the task whose sid or unique name equals ref.
func (s *Schema) RemoveTask(ref string) bool {
	for i := range s.Tasks {
		if s.Tasks[i].Sid == ref || s.Tasks[i].UniqueName == ref {
			s.Tasks = append(s.Tasks[:i], s.Tasks[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Schema) taskByRef(ref string) (*Task, bool) {
	for i := range s.Tasks {
		if s.Tasks[i].Sid == ref || s.Tasks[i].UniqueName == ref {
			return &s.Tasks[i], true
		}
	}
	return nil, false
}

// AddSample attaches a sample to the task identified by sid or unique name.
func (s *Schema) AddSample(taskRef string, sample Sample) error {
	t, ok := s.taskByRef(taskRef)
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskRef)
	}
	t.Samples = append(t.Samples, sample)
	return nil
}

// RemoveSample detaches the sample with sampleSid from a task.
func (s *Schema) RemoveSample(taskRef, sampleSid string) error {
	t, ok := s.taskByRef(taskRef)
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskRef)
	}
	for i := range t.Samples {
		if t.Samples[i].Sid == sampleSid {
			t.Samples = append(t.Samples[:i], t.Samples[i+1:]...)
			return nil
		}
	}
	return nil
}

// FailureDefaults returns the schema-wide validation failure settings.
func (s *Schema) FailureDefaults() (messages []Action, repeat bool) {
	if s.StyleSheet == nil || s.StyleSheet.Collect == nil || s.StyleSheet.Collect.Validate == nil {
		return nil, false
	}
	f := s.StyleSheet.Collect.Validate.OnFailure
	if f == nil {
		return nil, false
	}
	if f.RepeatQuestion != nil {
		repeat = *f.RepeatQuestion
	}
	return f.Messages, repeat
}

// StyleSheet holds global style rules.
type StyleSheet struct {
	Collect *CollectStyle   `json:"collect,omitempty"`
	Voice   json.RawMessage `json:"voice,omitempty"`
}

// CollectStyle carries the defaults applied to every Collect.
type CollectStyle struct {
	Validate *ValidateStyle `json:"validate,omitempty"`
}

// ValidateStyle is the default validation behaviour.
type ValidateStyle struct {
	OnFailure *OnFailure `json:"on_failure,omitempty"`
	OnSuccess *Action    `json:"on_success,omitempty"`
}

type styleSheetBody StyleSheet

func (s *StyleSheet) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		StyleSheet *styleSheetBody `json:"style_sheet"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.StyleSheet != nil {
		*s = StyleSheet(*wrapped.StyleSheet)
		return nil
	}
	var body styleSheetBody
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	*s = StyleSheet(body)
	return nil
}

func (s StyleSheet) MarshalJSON() ([]byte, error) {
	body := styleSheetBody(s)
	return json.Marshal(struct {
		StyleSheet *styleSheetBody `json:"style_sheet"`
	}{&body})
}

// Decode parses a JSON schema document.
func Decode(data []byte) (*Schema, error) {
	var s Schema
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	return &s, nil
}

// DecodeYAML parses a YAML schema document with the same field names as JSON.
func DecodeYAML(data []byte) (*Schema, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert YAML: %w", err)
	}
	return Decode(raw)
}

// Load reads the current schema from the store.
func Load(ctx context.Context, st store.Store) (*Schema, error) {
	raw, err := st.Get(ctx, store.SchemaKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSchema
	}
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Decode(raw)
}

// Save writes the schema to the store.
func Save(ctx context.Context, st store.Store, s *Schema) error {
	return store.SetJSON(ctx, st, store.SchemaKey, s)
}
