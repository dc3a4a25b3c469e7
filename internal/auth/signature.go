package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// SignatureHeader carries the provider's request signature.
const SignatureHeader = "X-Twilio-Signature"

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrNotConfigured    = errors.New("webhook secret not configured")
)

// Sign computes the provider signature for a form POST: the URL followed by
// every parameter key and value in key order, HMAC-SHA1 keyed with secret,
// base64 encoded.
func Sign(rawURL string, params url.Values, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(rawURL)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// CandidateURLs lists the URLs the provider may have signed. The signer signs
// the URL it called, which differs from what the server sees behind a
// reverse proxy, so besides the verbatim URL we try the forwarded
// scheme/host and, when set, the configured public base URL.
func CandidateURLs(requestURL string, headers http.Header, publicBase string) []string {
	out := []string{requestURL}
	add := func(s string) {
		for _, have := range out {
			if have == s {
				return
			}
		}
		out = append(out, s)
	}

	u, err := url.Parse(requestURL)
	if err != nil {
		return out
	}

	proto := firstValue(headers.Get("X-Forwarded-Proto"))
	host := firstValue(headers.Get("X-Forwarded-Host"))
	if proto != "" || host != "" {
		fwd := *u
		if proto != "" {
			fwd.Scheme = proto
		}
		if host != "" {
			fwd.Host = host
		}
		add(fwd.String())
	}

	if publicBase != "" {
		if base, err := url.Parse(publicBase); err == nil && base.Host != "" {
			pub := *u
			pub.Scheme = base.Scheme
			pub.Host = base.Host
			add(pub.String())
		}
	}
	return out
}

// Verify reports whether signature matches any candidate URL derived from
// requestURL and headers. Every candidate is checked with a constant-time
// comparison.
func Verify(requestURL string, headers http.Header, params url.Values, signature, secret string) bool {
	return verifyCandidates(CandidateURLs(requestURL, headers, ""), params, signature, secret)
}

func verifyCandidates(candidates []string, params url.Values, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	ok := false
	for _, c := range candidates {
		if hmac.Equal([]byte(Sign(c, params, secret)), []byte(signature)) {
			ok = true
		}
	}
	return ok
}

// Verifier checks webhook signatures with a fixed configuration.
type Verifier struct {
	Secret        string
	PublicBaseURL string

	// Skip disables verification. It must be set explicitly; an empty
	// Secret never disables verification.
	Skip bool
}

// Check validates one request. It returns [ErrNotConfigured] when no secret
// is set, [ErrMissingSignature] or [ErrInvalidSignature] otherwise.
func (v Verifier) Check(requestURL string, headers http.Header, params url.Values) error {
	if v.Skip {
		return nil
	}
	if v.Secret == "" {
		return ErrNotConfigured
	}
	sig := headers.Get(SignatureHeader)
	if sig == "" {
		return ErrMissingSignature
	}
	candidates := CandidateURLs(requestURL, headers, v.PublicBaseURL)
	if !verifyCandidates(candidates, params, sig, v.Secret) {
		return ErrInvalidSignature
	}
	return nil
}

// RequestURL reconstructs the absolute URL the server observed for r.
func RequestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func firstValue(h string) string {
	if i := strings.IndexByte(h, ','); i >= 0 {
		h = h[:i]
	}
	return strings.TrimSpace(h)
}
