package mutualcredit

import "github.com/btcsuite/btclog"

// log is the package-level logger, disabled by default until the caller
// wires one in with UseLogger. Every package in this repo follows the same
// convention lnd uses throughout its subsystems.
var log = btclog.Disabled

// UseLogger sets the package-wide logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
