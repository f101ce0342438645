package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	token := "test-auth-token"
	endpoint := "https://hooks.example.com/collect?x=1"
	form := url.Values{"DialogueSid": {"abcdefghijkl"}, "CurrentInput": {"yes"}}

	sig := Sign(token, endpoint, form)

	if !Verify(token, endpoint, form, sig) {
		t.Error("Verify should return true for valid signature")
	}
	if Verify("wrong-token", endpoint, form, sig) {
		t.Error("Verify should return false for wrong token")
	}

	tampered := url.Values{"DialogueSid": {"abcdefghijkl"}, "CurrentInput": {"no"}}
	if Verify(token, endpoint, tampered, sig) {
		t.Error("Verify should return false for tampered form")
	}
	if Verify(token, "https://hooks.example.com/other", form, sig) {
		t.Error("Verify should return false for a different URL")
	}
}

func TestSignSortsKeys(t *testing.T) {
	form := url.Values{"b": {"2"}, "a": {"1"}}

	mac := hmac.New(sha1.New, []byte("tok"))
	mac.Write([]byte("https://h.example.com/pa1b2"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if got := Sign("tok", "https://h.example.com/p", form); got != want {
		t.Errorf("Sign = %q, want %q", got, want)
	}
}
