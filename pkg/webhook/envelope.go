package webhook

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Form field names of the outbound envelope.
const (
	FieldDialogueSid    = "DialogueSid"
	FieldUserIdentifier = "UserIdentifier"
	FieldCurrentInput   = "CurrentInput"
	FieldMemory         = "Memory"
	FieldValidateAnswer = "ValidateFieldAnswer"
)

// Envelope is the fixed set of fields sent on every dialog webhook call.
// Empty fields are omitted.
type Envelope struct {
	DialogueSid    string
	UserIdentifier string
	CurrentInput   string
	Answers        map[string]string
}

type answerValue struct {
	Answer string `json:"answer"`
}

type memory struct {
	Twilio struct {
		CollectedData struct {
			DataCollect struct {
				Answers map[string]answerValue `json:"answers"`
			} `json:"data_collect"`
		} `json:"collected_data"`
	} `json:"twilio"`
}

// Form encodes the envelope. Memory is included only when there are answers.
func (e Envelope) Form() (url.Values, error) {
	form := url.Values{}
	form.Set(FieldDialogueSid, e.DialogueSid)
	if e.UserIdentifier != "" {
		form.Set(FieldUserIdentifier, e.UserIdentifier)
	}
	if e.CurrentInput != "" {
		form.Set(FieldCurrentInput, e.CurrentInput)
	}
	if len(e.Answers) > 0 {
		var m memory
		m.Twilio.CollectedData.DataCollect.Answers = make(map[string]answerValue, len(e.Answers))
		for field, v := range e.Answers {
			m.Twilio.CollectedData.DataCollect.Answers[field] = answerValue{Answer: v}
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode memory: %w", err)
		}
		form.Set(FieldMemory, string(raw))
	}
	return form, nil
}
