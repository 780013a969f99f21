package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// ComputeStreamToken derives the short-lived token carried as stream
// connection parameters: hex HMAC-SHA256 over "callId.timestamp".
func ComputeStreamToken(secret, callID, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(callID + "." + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyStreamToken checks the token+timestamp pair presented on a
// stream-open request. An unset stream secret is a deliberate open
// bypass for development setups, not a failure.
func (v *Verifier) VerifyStreamToken(callID, timestamp, token string) error {
	if v.cfg.StreamSecret == "" {
		return nil
	}
	if timestamp == "" || token == "" {
		return reject(ReasonMissingHeader)
	}
	if err := v.checkSkew(timestamp); err != nil {
		return err
	}
	want := ComputeStreamToken(v.cfg.StreamSecret, callID, timestamp)
	if !constantTimeEqualHex(want, token) {
		return reject(ReasonSignatureMismatch)
	}
	return nil
}
