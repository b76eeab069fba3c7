// Package signature signs and verifies fly402 webhook deliveries. A
// signature is the base64url (unpadded) HMAC-SHA256 of
// RFC3339Nano(timestamp) + "." + canonicalJSON(body).
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	canonicaljson "github.com/gibson042/canonicaljson-go"
)

const (
	// HeaderSignature carries the delivery signature.
	HeaderSignature = "Webhook-Signature"
	// HeaderTimestamp carries the signing time in RFC 3339.
	HeaderTimestamp = "Webhook-Timestamp"
)

var (
	ErrMissingHeaders   = errors.New("signature: signature and timestamp headers are required")
	ErrStaleTimestamp   = errors.New("signature: timestamp outside the allowed skew")
	ErrInvalidSignature = errors.New("signature: invalid signature")
)

// Sign returns the signature of body at ts under key.
func Sign(key []byte, ts time.Time, body []byte) (string, error) {
	if len(key) == 0 {
		return "", errors.New("signature: key is required")
	}
	canonical, err := CanonicalizeJSONBody(body)
	if err != nil {
		return "", fmt.Errorf("signature: canonicalize body: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(signingPayload(ts, canonical))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks sig against body and ts.
func Verify(key []byte, ts time.Time, body []byte, sig string) error {
	expected, err := Sign(key, ts, body)
	if err != nil {
		return err
	}
	decodedExpected, _ := base64.RawURLEncoding.DecodeString(expected)
	decoded, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !hmac.Equal(decoded, decodedExpected) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyRequest checks a received delivery. The body stays readable for
// later handlers. A maxSkew of zero disables the freshness check.
func VerifyRequest(r *http.Request, key []byte, now time.Time, maxSkew time.Duration) error {
	sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if sig == "" || tsHeader == "" {
		return ErrMissingHeaders
	}
	ts, err := parseTimestamp(tsHeader)
	if err != nil {
		return fmt.Errorf("signature: timestamp must be RFC3339: %w", err)
	}
	if maxSkew > 0 && absDuration(now.Sub(ts)) > maxSkew {
		return ErrStaleTimestamp
	}
	body, err := readAndBufferBody(r)
	if err != nil {
		return fmt.Errorf("signature: read body: %w", err)
	}
	return Verify(key, ts, body, sig)
}

// CanonicalizeJSONBody normalizes arbitrary JSON into canonical form.
func CanonicalizeJSONBody(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("signature: multiple JSON documents in body")
	}
	return canonicaljson.Marshal(payload)
}

// FormatTimestamp renders ts for [HeaderTimestamp].
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}

func readAndBufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		r.Body = io.NopCloser(bytes.NewReader(nil))
		return nil, nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	return raw, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func signingPayload(ts time.Time, canonicalBody []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(FormatTimestamp(ts))
	buf.WriteByte('.')
	buf.Write(canonicalBody)
	return buf.Bytes()
}
