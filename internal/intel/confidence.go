package intel

import (
	"math"
)

// ConfidenceFloor is the lowest score a prediction can carry; even with every
// penalty applied passengers still see a usable signal.
const ConfidenceFloor = 0.45

// ConfidenceInput carries the quality signals for one prediction.
type ConfidenceInput struct {
	TrafficLevel          TrafficLevel
	CongestionLevel       CongestionLevel
	GPSAccuracyM          float64
	SecondsSinceReconnect float64 // negative when the driver never reconnected
	CurrentSpeedKmh       float64
	HistoricalSamples     int
}

// ConfidenceResult is the numeric score plus the applied penalties.
type ConfidenceResult struct {
	Score     float64  `json:"score"`
	Label     string   `json:"label"`
	Penalties []string `json:"penalties,omitempty"`
}

// Confidence scores prediction quality in [0.45, 1.00].
func Confidence(in ConfidenceInput) ConfidenceResult {
	score := 1.00
	var penalties []string

	apply := func(amount float64, reason string) {
		score -= amount
		penalties = append(penalties, reason)
	}

	if in.TrafficLevel == TrafficHigh {
		apply(0.25, "High traffic conditions")
	}
	switch in.CongestionLevel {
	case CongestionHeavy:
		apply(0.20, "Heavy route congestion")
	case CongestionModerate:
		apply(0.10, "Moderate route congestion")
	}
	if in.GPSAccuracyM > 80 {
		apply(0.10, "Low GPS accuracy")
	}
	if in.SecondsSinceReconnect >= 0 && in.SecondsSinceReconnect < 120 {
		apply(0.10, "Driver recently reconnected")
	}
	if in.CurrentSpeedKmh <= 0 || math.IsNaN(in.CurrentSpeedKmh) {
		apply(0.05, "Bus is stationary")
	}
	if in.HistoricalSamples < 5 {
		apply(0.05, "Limited historical data")
	}

	if math.IsNaN(score) || math.IsInf(score, 0) {
		score = ConfidenceFloor
	}
	if score < ConfidenceFloor {
		score = ConfidenceFloor
	}
	if score > 1.00 {
		score = 1.00
	}

	return ConfidenceResult{
		Score:     score,
		Label:     confidenceLabel(score),
		Penalties: penalties,
	}
}

func confidenceLabel(score float64) string {
	switch {
	case score >= 0.80:
		return "HIGH"
	case score >= 0.60:
		return "MEDIUM"
	default:
		return "LOW"
	}
}
