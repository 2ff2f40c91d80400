package processor

import (
	"fmt"

	"github.com/paybroker/paybroker/internal/distribution"
)

// Config holds one broker's processor credentials and settings. It is
// constructed once when the broker's backend is built and never mutated;
// there is no process-wide credential state.
type Config struct {
	Kind          Kind
	PublicKey     string
	SecretKey     string
	ClientID      string // connect / deposit account key
	Mode          Mode
	WebhookURL    string
	WebhookSecret string
	Fees          distribution.Schedule
	BaseURL       string // override for tests; empty = processor default
}

// Validate checks the configuration for the selected backend kind.
func (c Config) Validate() error {
	switch c.Kind {
	case KindStripe, KindRazorpay, KindFlutterwave, KindFake:
	default:
		return fmt.Errorf("unknown backend kind %q", c.Kind)
	}

	switch c.Mode {
	case ModeLocal, ModeForward, ModeRemote:
	case "":
		return fmt.Errorf("mode is required")
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}

	if c.Kind != KindFake && c.SecretKey == "" {
		return fmt.Errorf("secret key is required for %s backend", c.Kind)
	}
	if c.Mode != ModeLocal && c.ClientID == "" {
		return fmt.Errorf("client id is required in %s mode", c.Mode)
	}
	if c.Fees.Denominator == 0 {
		return fmt.Errorf("fee schedule denominator must be non-zero")
	}
	return nil
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLocal, ModeForward, ModeRemote:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}
