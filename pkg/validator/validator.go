// Package validator checks collected answers against a question's rule or
// declared type.
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"

	"github.com/humanagencyorg/twilio-stub/pkg/schema"
	"github.com/humanagencyorg/twilio-stub/pkg/webhook"
)

// ErrUnsupportedType is returned for a declared type with no matcher.
var ErrUnsupportedType = errors.New("unsupported validation type")

// Poster is the part of the webhook client the validator needs.
type Poster interface {
	Post(ctx context.Context, rawURL string, form url.Values) (json.RawMessage, error)
}

var matchers = map[string]*regexp.Regexp{
	"Twilio.FIRST_NAME":   regexp.MustCompile(`^[A-Z]\w+$`),
	"Twilio.LAST_NAME":    regexp.MustCompile(`^[A-Z]\w+$`),
	"Twilio.EMAIL":        regexp.MustCompile(`^\w+@\w+\.\w{2,4}$`),
	"Twilio.CITY":         regexp.MustCompile(`^(?:Kyiv|Odessa|Lviv|New York|Saint Louis|Washington)$`),
	"Twilio.COUNTRY":      regexp.MustCompile(`^(?:Ukraine|USA|United States of America|Great Britain)$`),
	"Twilio.US_STATE":     regexp.MustCompile(`^(?:MO|CA|NY)$`),
	"Twilio.ZIP_CODE":     regexp.MustCompile(`^\d{5,6}$`),
	"Twilio.PHONE_NUMBER": regexp.MustCompile(`^\d{10}$`),
	"Twilio.YES_NO":       regexp.MustCompile(`(?i)^(?:yes|no)$`),
}

// Supported reports whether declaredType has a matcher.
func Supported(declaredType string) bool {
	_, ok := matchers[declaredType]
	return ok
}

// Validator evaluates answers. A nil Poster makes webhook rules fail.
type Validator struct {
	poster Poster
}

// New creates a validator that calls webhook rules through poster.
func New(poster Poster) *Validator {
	return &Validator{poster: poster}
}

// Validate checks answer. A webhook rule wins over an allowed-values list,
// which wins over the declared type. An empty type is always valid.
func (v *Validator) Validate(ctx context.Context, answer string, rule *schema.Rule, declaredType string) (bool, error) {
	if rule != nil && rule.Webhook != nil && rule.Webhook.URL != "" {
		return v.viaWebhook(ctx, rule.Webhook.URL, answer)
	}
	if rule != nil && rule.AllowedValues != nil {
		return slices.Contains(rule.AllowedValues.List, answer), nil
	}
	if declaredType == "" {
		return true, nil
	}
	m, ok := matchers[declaredType]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnsupportedType, declaredType)
	}
	return m.MatchString(answer), nil
}

func (v *Validator) viaWebhook(ctx context.Context, rawURL, answer string) (bool, error) {
	if v.poster == nil {
		return false, errors.New("validation webhook configured but no client available")
	}
	body, err := v.poster.Post(ctx, rawURL, url.Values{webhook.FieldValidateAnswer: {answer}})
	if err != nil {
		return false, fmt.Errorf("validation webhook: %w", err)
	}
	var reply struct {
		Valid json.RawMessage `json:"valid"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return false, fmt.Errorf("%w: %v", webhook.ErrDecode, err)
	}
	return truthy(reply.Valid), nil
}

// truthy interprets a JSON value as a boolean: true, "true" or a non-zero number.
func truthy(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		b, _ := strconv.ParseBool(s)
		return b
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0
	}
	return false
}
