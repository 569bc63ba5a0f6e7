package session

import (
	"time"

	"github.com/srg/blelink/internal/device"
)

// Options tunes connection timing and the recovery policy
type Options struct {
	// SettleDelay is waited before every fresh link request so the transport can release the previous link
	SettleDelay time.Duration
	// RecoveryInterval is the pause between an abnormal drop and the reconnect attempt
	RecoveryInterval time.Duration
	// AbnormalStatus is the link status that triggers automatic recovery
	AbnormalStatus device.Status
	// MaxRecoveryAttempts bounds consecutive recovery attempts; 0 means unbounded
	MaxRecoveryAttempts int
	// ReportRecovery publishes a Recovering event before each attempt
	ReportRecovery bool
	// EventBuffer is the capacity of the link event channel
	EventBuffer int
}

// DefaultOptions returns the options used when none are configured
func DefaultOptions() Options {
	return Options{
		SettleDelay:      500 * time.Millisecond,
		RecoveryInterval: 500 * time.Millisecond,
		AbnormalStatus:   device.StatusGattError,
		EventBuffer:      128,
	}
}

func (o Options) withDefaults() Options {
	if o.AbnormalStatus == device.StatusSuccess {
		o.AbnormalStatus = device.StatusGattError
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 128
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.RecoveryInterval < 0 {
		o.RecoveryInterval = 0
	}
	return o
}
