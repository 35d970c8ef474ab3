// Package detector decides when a query run must escalate to the headless tier.
package detector

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/JakeFAU/jobstream/internal/metrics"
)

// DefaultSkipThreshold is the cheap-tier yield at which the headless tier is skipped.
const DefaultSkipThreshold = 25

// Decision is a pure verdict; it is recomputed on every call and never stored.
type Decision struct {
	ShouldLaunch      bool   `json:"shouldLaunch"`
	PartialCollection bool   `json:"partialCollection"`
	Reason            string `json:"reason"`
	PreCollectedJobs  int    `json:"preCollectedJobs"`
	Threshold         int    `json:"threshold"`
}

// Outcome labels the verdict for logs and metrics.
func (d Decision) Outcome() string {
	switch {
	case !d.ShouldLaunch:
		return "skip"
	case d.PartialCollection:
		return "launch_partial"
	default:
		return "launch_cold"
	}
}

// Decide launches the headless tier iff preCollectedJobs < skipThreshold. Negative counts are treated
// as zero and a non-positive threshold falls back to DefaultSkipThreshold.
func Decide(preCollectedJobs, skipThreshold int) Decision {
	if preCollectedJobs < 0 {
		preCollectedJobs = 0
	}
	if skipThreshold <= 0 {
		skipThreshold = DefaultSkipThreshold
	}
	d := Decision{PreCollectedJobs: preCollectedJobs, Threshold: skipThreshold}
	switch {
	case preCollectedJobs >= skipThreshold:
		d.Reason = fmt.Sprintf("cheap tiers collected %d jobs, meeting skip threshold %d", preCollectedJobs, skipThreshold)
	case preCollectedJobs == 0:
		d.ShouldLaunch = true
		d.Reason = fmt.Sprintf("cold start: cheap tiers returned no jobs (threshold %d), full headless collection", skipThreshold)
	default:
		d.ShouldLaunch = true
		d.PartialCollection = true
		d.Reason = fmt.Sprintf("partial collection: cheap tiers returned %d of %d jobs, topping up with headless", preCollectedJobs, skipThreshold)
	}
	return d
}

// DecideRaw sanitizes env-style inputs before deciding: non-finite or negative counts become zero,
// fractional counts are truncated and unparsable thresholds use the default.
func DecideRaw(preCollectedJobs float64, skipThreshold string) Decision {
	return Decide(SanitizeCount(preCollectedJobs), ParseThreshold(skipThreshold))
}

// SanitizeCount coerces a count to the nearest valid non-negative integer.
func SanitizeCount(v float64) int {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case math.IsInf(v, 1), v >= math.MaxInt32:
		return math.MaxInt32
	default:
		return int(v)
	}
}

// ParseThreshold reads a positive integer threshold, falling back to DefaultSkipThreshold.
func ParseThreshold(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return DefaultSkipThreshold
	}
	return n
}

// Record counts the verdict in metrics and returns it unchanged.
func Record(d Decision) Decision {
	metrics.ObserveHeadlessDecision(d.Outcome())
	return d
}
