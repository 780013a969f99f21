// Package signature validates the authenticity of inbound provider
// callbacks: shared-secret HMAC webhooks, per-call stream tokens, and
// provider-issued signed bearer tokens with replay protection.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

// Rejection reasons reported by all three verification modes.
const (
	ReasonMissingHeader       = "missing_header"
	ReasonTimestampOutOfRange = "timestamp_out_of_range"
	ReasonSignatureMismatch   = "signature_mismatch"
	ReasonMalformedBody       = "malformed_body"
	ReasonMalformedToken      = "malformed_token"
	ReasonUnsupportedAlg      = "unsupported_algorithm"
	ReasonTokenExpired        = "token_expired"
	ReasonNotYetValid         = "not_yet_valid"
	ReasonSubjectMismatch     = "subject_mismatch"
	ReasonKeyIDMismatch       = "key_id_mismatch"
	ReasonBodyHashMismatch    = "body_hash_mismatch"
	ReasonBodyHashRequired    = "body_hash_required"
	ReasonReplayDetected      = "replay_detected"
)

func reject(reason string) error {
	return fmt.Errorf("%w: %s", apperrors.ErrAuthFailure, reason)
}

// Reason extracts the rejection reason from an auth failure error.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx >= 0 {
		return msg[idx+2:]
	}
	return msg
}

// CanonicalBody produces the canonical body segment of the signed
// string: empty for GET/HEAD or empty payloads, otherwise a stable
// key-sorted JSON rendering of the parsed body.
func CanonicalBody(method string, body []byte) (string, error) {
	switch strings.ToUpper(method) {
	case "GET", "HEAD":
		return "", nil
	}
	if len(body) == 0 {
		return "", nil
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", reject(ReasonMalformedBody)
	}
	// encoding/json emits object keys in sorted order, which gives the
	// stable rendering both signer and verifier agree on.
	out, err := json.Marshal(parsed)
	if err != nil {
		return "", reject(ReasonMalformedBody)
	}
	return string(out), nil
}

// ComputeWebhookSignature returns the hex HMAC-SHA256 over the canonical
// string "timestamp.METHOD.path.body".
func ComputeWebhookSignature(secret, timestamp, method, path string, body []byte) (string, error) {
	canonical, err := CanonicalBody(method, body)
	if err != nil {
		return "", err
	}
	payload := strings.Join([]string{timestamp, strings.ToUpper(method), path, canonical}, ".")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyWebhook checks an inbound shared-secret HMAC request.
func (v *Verifier) VerifyWebhook(method, path string, body []byte, timestamp, sig string) error {
	if timestamp == "" || sig == "" {
		return reject(ReasonMissingHeader)
	}
	if err := v.checkSkew(timestamp); err != nil {
		return err
	}

	want, err := ComputeWebhookSignature(v.cfg.WebhookSecret, timestamp, method, path, body)
	if err != nil {
		return err
	}
	if !constantTimeEqualHex(want, sig) {
		return reject(ReasonSignatureMismatch)
	}
	return nil
}

// VerifyAdmin checks an operator request with the admin shared secret.
func (v *Verifier) VerifyAdmin(method, path string, body []byte, timestamp, sig string) error {
	if timestamp == "" || sig == "" {
		return reject(ReasonMissingHeader)
	}
	if err := v.checkSkew(timestamp); err != nil {
		return err
	}
	want, err := ComputeWebhookSignature(v.cfg.AdminSecret, timestamp, method, path, body)
	if err != nil {
		return err
	}
	if !constantTimeEqualHex(want, sig) {
		return reject(ReasonSignatureMismatch)
	}
	return nil
}

// checkSkew rejects timestamps outside the configured drift window.
// Accepts unix seconds or unix milliseconds.
func (v *Verifier) checkSkew(timestamp string) error {
	n, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return reject(ReasonTimestampOutOfRange)
	}
	ts := time.Unix(n, 0)
	if n > 1e12 {
		ts = time.UnixMilli(n)
	}
	drift := v.now().Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.cfg.SkewWindow {
		return reject(ReasonTimestampOutOfRange)
	}
	return nil
}

func constantTimeEqualHex(want, got string) bool {
	wantRaw, err := hex.DecodeString(want)
	if err != nil {
		return false
	}
	gotRaw, err := hex.DecodeString(strings.TrimSpace(got))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(wantRaw, gotRaw) == 1
}
