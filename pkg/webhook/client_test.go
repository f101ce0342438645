package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/humanagencyorg/twilio-stub/pkg/schema"
	"github.com/humanagencyorg/twilio-stub/pkg/urlvalidation"
)

func newTestClient(opts ...Option) *Client {
	return NewClient(append([]Option{WithURLValidation(urlvalidation.AllowPrivateIPs())}, opts...)...)
}

func TestClientActions(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get(FieldDialogueSid); got != "abcdefghijkl" {
			t.Errorf("DialogueSid = %q, want %q", got, "abcdefghijkl")
		}
		w.Write([]byte(`{"actions":[{"say":"from hook"},{"redirect":"task://next"}]}`))
	}))
	defer ts.Close()

	form, err := Envelope{DialogueSid: "abcdefghijkl"}.Form()
	if err != nil {
		t.Fatalf("Form: %v", err)
	}

	actions, err := newTestClient().Actions(t.Context(), ts.URL, form)
	if err != nil {
		t.Fatalf("Actions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("got %d actions, want 2", len(actions))
	}
	if actions[0].Kind() != schema.KindSay || actions[0].Say.Text != "from hook" {
		t.Errorf("actions[0] = %+v", actions[0])
	}
	if actions[1].Redirect == nil || actions[1].Redirect.Task != "next" {
		t.Errorf("actions[1] = %+v", actions[1])
	}
}

func TestClientSignsRequests(t *testing.T) {
	var gotSig string
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotSig = r.Header.Get(SignatureHeader)
		if !Verify("secret", ts.URL, r.PostForm, gotSig) {
			t.Error("signature did not verify")
		}
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := newTestClient(WithAuthToken("secret")).Post(t.Context(), ts.URL, map[string][]string{"A": {"1"}})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if gotSig == "" {
		t.Error("expected signature header")
	}
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name: "non-2xx",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				w.Write([]byte("upstream down"))
			},
			want: ErrStatus,
		},
		{
			name: "invalid json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>"))
			},
			want: ErrDecode,
		},
		{
			name: "bad action",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"actions":[{"fly":"away"}]}`))
			},
			want: schema.ErrInvalidAction,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			_, err := newTestClient().Actions(t.Context(), ts.URL, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	start := time.Now()
	_, err := newTestClient(WithTimeout(50*time.Millisecond)).Post(t.Context(), ts.URL, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestClientRejectsPrivateURLByDefault(t *testing.T) {
	_, err := NewClient().Post(t.Context(), "http://127.0.0.1:1/hook", nil)
	if err == nil {
		t.Error("expected SSRF rejection")
	}
}

func TestEnvelopeForm(t *testing.T) {
	form, err := Envelope{
		DialogueSid:    "abcdefghijkl",
		UserIdentifier: "user-1",
		CurrentInput:   "42",
		Answers:        map[string]string{"age": "42", "name": "Ann"},
	}.Form()
	if err != nil {
		t.Fatalf("Form: %v", err)
	}
	if form.Get(FieldUserIdentifier) != "user-1" || form.Get(FieldCurrentInput) != "42" {
		t.Errorf("form = %v", form)
	}

	var mem struct {
		Twilio struct {
			CollectedData struct {
				DataCollect struct {
					Answers map[string]struct {
						Answer string `json:"answer"`
					} `json:"answers"`
				} `json:"data_collect"`
			} `json:"collected_data"`
		} `json:"twilio"`
	}
	if err := json.Unmarshal([]byte(form.Get(FieldMemory)), &mem); err != nil {
		t.Fatalf("decode memory: %v", err)
	}
	if got := mem.Twilio.CollectedData.DataCollect.Answers["name"].Answer; got != "Ann" {
		t.Errorf("name answer = %q, want %q", got, "Ann")
	}

	bare, _ := Envelope{DialogueSid: "x"}.Form()
	for _, field := range []string{FieldUserIdentifier, FieldCurrentInput, FieldMemory} {
		if _, ok := bare[field]; ok {
			t.Errorf("empty envelope should omit %s", field)
		}
	}
}
