package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const headerTwilioSignature = "X-Twilio-Signature"

// SignatureValidator checks X-Twilio-Signature. BaseURL is the public
// origin the provider calls, since the request host seen behind a proxy
// differs from the one that was signed.
type SignatureValidator struct {
	AuthToken string
	BaseURL   string
}

// Sign computes the signature Twilio would send for fullURL and params.
func (v SignatureValidator) Sign(fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, val := range vals {
			b.WriteString(k)
			b.WriteString(val)
		}
	}

	mac := hmac.New(sha1.New, []byte(v.AuthToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Valid reports whether r carries a correct signature. It parses the form.
func (v SignatureValidator) Valid(r *http.Request) bool {
	sig := r.Header.Get(headerTwilioSignature)
	if sig == "" || v.AuthToken == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	fullURL := strings.TrimRight(v.BaseURL, "/") + r.URL.RequestURI()
	expected := v.Sign(fullURL, r.PostForm)
	return hmac.Equal([]byte(sig), []byte(expected))
}
