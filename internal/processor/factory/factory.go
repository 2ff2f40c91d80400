// Package factory constructs the processor backend selected by a broker's
// configuration.
package factory

import (
	"fmt"

	"github.com/paybroker/paybroker/internal/charge"
	"github.com/paybroker/paybroker/internal/processor"
	"github.com/paybroker/paybroker/internal/processor/fake"
	"github.com/paybroker/paybroker/internal/processor/flutterwave"
	"github.com/paybroker/paybroker/internal/processor/razorpay"
	"github.com/paybroker/paybroker/internal/processor/stripebackend"
)

// New builds the backend named by cfg.Kind, wired to the given charge
// state machine. The config is validated first so a bad deployment fails
// at startup rather than on the first payment.
func New(cfg processor.Config, machine *charge.Machine) (processor.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case processor.KindStripe:
		return stripebackend.New(cfg, machine), nil
	case processor.KindRazorpay:
		return razorpay.New(cfg, machine), nil
	case processor.KindFlutterwave:
		return flutterwave.New(cfg, machine), nil
	case processor.KindFake:
		return fake.New(cfg, machine), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}
