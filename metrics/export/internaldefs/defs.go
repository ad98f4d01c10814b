package internaldefs

import (
	goThreeDS "github.com/MrEthical07/goThreeDS"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   goThreeDS.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for exporters.
type HistogramDef struct {
	ID   goThreeDS.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: goThreeDS.MetricInitSuccess, Name: "threeds_init_success_total", Help: "Transactions opened with the 3DS server."},
	{ID: goThreeDS.MetricInitFailure, Name: "threeds_init_failure_total", Help: "Failed init calls."},
	{ID: goThreeDS.MetricFingerprintReceived, Name: "threeds_fingerprint_received_total", Help: "Fingerprint phases completed by a method notification."},
	{ID: goThreeDS.MetricFingerprintSideChannel, Name: "threeds_fingerprint_side_channel_total", Help: "Fingerprint phases completed by browser info supplied with the request."},
	{ID: goThreeDS.MetricFingerprintTimeout, Name: "threeds_fingerprint_timeout_total", Help: "Fingerprint phases that timed out without browser info."},
	{ID: goThreeDS.MetricFingerprintRejected, Name: "threeds_fingerprint_rejected_total", Help: "Method notifications carrying invalid browser info."},
	{ID: goThreeDS.MetricAuthFrictionless, Name: "threeds_auth_frictionless_total", Help: "Authentications resolved without a challenge."},
	{ID: goThreeDS.MetricAuthChallenge, Name: "threeds_auth_challenge_total", Help: "Authentications that required a challenge."},
	{ID: goThreeDS.MetricAuthFailure, Name: "threeds_auth_failure_total", Help: "Failed authentication calls."},
	{ID: goThreeDS.MetricValidationFailure, Name: "threeds_validation_failure_total", Help: "Requests rejected before any upstream call."},
	{ID: goThreeDS.MetricChallengeCompleted, Name: "threeds_challenge_completed_total", Help: "Challenges resolved by a completion signal."},
	{ID: goThreeDS.MetricChallengeDuplicateSignal, Name: "threeds_challenge_duplicate_signal_total", Help: "Redundant challenge completion signals ignored."},
	{ID: goThreeDS.MetricChallengeAlreadyCompleted, Name: "threeds_challenge_already_completed_total", Help: "Challenge status updates answered with already completed."},
	{ID: goThreeDS.MetricChallengeTimeout, Name: "threeds_challenge_timeout_total", Help: "Challenges abandoned by the operational timeout."},
	{ID: goThreeDS.MetricResultSuccess, Name: "threeds_result_success_total", Help: "Results fetched from the 3DS server."},
	{ID: goThreeDS.MetricResultFailure, Name: "threeds_result_failure_total", Help: "Failed result fetches."},
	{ID: goThreeDS.MetricNotificationAccepted, Name: "threeds_notification_accepted_total", Help: "Out-of-band notifications accepted."},
	{ID: goThreeDS.MetricNotificationRejected, Name: "threeds_notification_rejected_total", Help: "Out-of-band notifications rejected."},
	{ID: goThreeDS.MetricNotificationUndelivered, Name: "threeds_notification_undelivered_total", Help: "Notifications with no listening transaction."},
	{ID: goThreeDS.MetricRateLimitHit, Name: "threeds_rate_limit_hit_total", Help: "Requests denied by rate limiting."},
}

var HistogramDefs = []HistogramDef{
	{ID: goThreeDS.MetricUpstreamLatency, Name: "threeds_upstream_latency_seconds", Help: "3DS server round trip latency."},
}

// HistogramBounds are the upper bounds of the engine buckets, in seconds.
var HistogramBounds = []string{
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"1",
	"2.5",
	"5",
	"+Inf",
}

// NormalizeBuckets pads or truncates raw to eight buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets describes the cumulativebuckets operation and its observable behavior.
//
// CumulativeBuckets converts per-bucket counts to the running totals exporters publish.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
