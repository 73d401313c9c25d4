// SPDX-License-Identifier: GPL-2.0-only

package usberr

import "time"

// RecoveryHint tells a caller whether and how to retry a mapped Error. It
// never changes program behavior on its own; callers that want automatic
// retry read it explicitly (spec §4.2/§7).
type RecoveryHint struct {
	Recoverable  bool
	BaseDelay    time.Duration
	MaxRetries   int
	JitterFrac   float64
	UserAction   string
	SystemAction string
}

var hintNone = RecoveryHint{Recoverable: false}

func hintBackoff(base time.Duration, maxRetries int) RecoveryHint {
	return RecoveryHint{Recoverable: true, BaseDelay: base, MaxRetries: maxRetries, JitterFrac: 0.2}
}
