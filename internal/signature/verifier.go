package signature

import (
	"time"

	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// Verifier bundles the three verification schemes behind one construct.
type Verifier struct {
	cfg    config.SignatureConfig
	replay *ReplayCache
	nowFn  func() time.Time
}

// NewVerifier builds a verifier with a replay cache sized from config.
func NewVerifier(cfg config.SignatureConfig) *Verifier {
	return &Verifier{
		cfg:    cfg,
		replay: NewReplayCache(cfg.ReplayCacheMax),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock, used by tests.
func (v *Verifier) WithNow(now func() time.Time) *Verifier {
	v.nowFn = now
	return v
}

func (v *Verifier) now() time.Time { return v.nowFn() }

// WebhookMode returns the enforcement mode for generic webhooks.
func (v *Verifier) WebhookMode() config.IntegrationMode { return v.cfg.WebhookMode }

// StreamMode returns the enforcement mode for stream-open requests.
func (v *Verifier) StreamMode() config.IntegrationMode { return v.cfg.StreamMode }

// TokenMode returns the enforcement mode for signed-token webhooks.
func (v *Verifier) TokenMode() config.IntegrationMode { return v.cfg.TokenMode }

// Enforce applies an integration mode to a verification error. It
// returns true when the request must be rejected. In warn mode the
// failure is logged and the request proceeds, which supports staged
// rollout of a new secret.
func Enforce(mode config.IntegrationMode, err error, lg *logger.Logger, point string) bool {
	if err == nil || mode == config.ModeOff {
		return false
	}
	switch mode {
	case config.ModeWarn:
		lg.Warn("signature verification failed, proceeding in warn mode",
			zap.String("point", point), zap.String("reason", Reason(err)))
		return false
	default:
		lg.Warn("signature verification failed, rejecting",
			zap.String("point", point), zap.String("reason", Reason(err)))
		return true
	}
}
