package dialog

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/humanagencyorg/twilio-stub/pkg/schema"
	"github.com/humanagencyorg/twilio-stub/pkg/store"
)

// slowStore widens the gap between a read and the write that follows it.
type slowStore struct {
	*store.Memory
	delay time.Duration
}

func (s *slowStore) Get(ctx context.Context, key string) ([]byte, error) {
	time.Sleep(s.delay)
	return s.Memory.Get(ctx, key)
}

func TestAppendCustomerMessageDuringTurn(t *testing.T) {
	st := &slowStore{Memory: store.NewMemory(), delay: 5 * time.Millisecond}
	s, err := schema.Decode([]byte(`{"tasks":[{"uniqueName":"greeting","actions":[
	  {"say":"a"},{"say":"b"},{"say":"c"}
	]}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := schema.Save(t.Context(), st, s); err != nil {
		t.Fatal(err)
	}
	engine := NewEngine(st, nil, WithPacer(PacerFunc(func(context.Context, time.Duration) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	})))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := engine.Resolve(t.Context(), Turn{Channel: testChannel, TargetTask: "greeting"}); err != nil {
			t.Errorf("Resolve: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		time.Sleep(3 * time.Millisecond)
		if _, err := AppendCustomerMessage(t.Context(), st, testChannel, testCustomer, "hi"); err != nil {
			t.Errorf("AppendCustomerMessage: %v", err)
		}
	}()
	wg.Wait()

	msgs, err := History(t.Context(), st, testChannel)
	if err != nil {
		t.Fatal(err)
	}
	var bodies []string
	for _, m := range msgs {
		bodies = append(bodies, m.Body)
	}
	if len(bodies) != 4 || !slices.Contains(bodies, "hi") {
		t.Fatalf("messages = %q, want a, b, c and hi", bodies)
	}
	bot := slices.DeleteFunc(slices.Clone(bodies), func(b string) bool { return b == "hi" })
	assertBodies(t, bot, []string{"a", "b", "c"})
}
