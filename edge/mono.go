// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package edge

import "time"

// monoToTime converts a CLOCK_MONOTONIC timestamp into wall clock time given a reading of
// both clocks taken at the same instant.
func monoToTime(ts, monoNow time.Duration, wallNow time.Time) time.Time {
	return wallNow.Add(ts - monoNow)
}
