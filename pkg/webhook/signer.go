package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// SignatureHeader carries the request signature on outbound webhook calls.
const SignatureHeader = "X-Twilio-Signature"

// Sign computes the request signature: HMAC-SHA1 over the full URL followed by
// every form key and value in key order, base64 encoded.
func Sign(authToken, rawURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(rawURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(authToken, rawURL string, form url.Values, signature string) bool {
	expected := Sign(authToken, rawURL, form)
	return hmac.Equal([]byte(expected), []byte(signature))
}
