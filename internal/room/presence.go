package room

import (
	"math"
	"time"
)

// Presence aggregation: per-room quality metrics recomputed from the full
// current participant set. The computation is pure so replaying an identical
// stats report yields an identical aggregate.

const (
	scoreExcellent = 4
	scoreGood      = 3
	scorePoor      = 2
	scoreOffline   = 1
)

func qualityScore(q Quality) int {
	switch q {
	case QualityExcellent:
		return scoreExcellent
	case QualityGood:
		return scoreGood
	case QualityPoor:
		return scorePoor
	default:
		return scoreOffline
	}
}

func qualityFromScore(score float64) Quality {
	switch int(math.Round(score)) {
	case scoreExcellent:
		return QualityExcellent
	case scoreGood:
		return QualityGood
	case scorePoor:
		return QualityPoor
	default:
		return QualityOffline
	}
}

// computeMetrics derives the room aggregate from the current participants.
func computeMetrics(participants map[string]*Participant, now time.Time) Metrics {
	m := Metrics{
		AverageQuality:    QualityOffline,
		TotalParticipants: len(participants),
		UpdatedAt:         now,
	}
	if len(participants) == 0 {
		return m
	}

	var scoreSum int
	var stable int
	for _, p := range participants {
		scoreSum += qualityScore(p.ConnectionQuality)
		if p.ConnectionQuality == QualityExcellent || p.ConnectionQuality == QualityGood {
			stable++
		}
		if p.MediaStats != nil {
			m.TotalBandwidthKbps += p.MediaStats.BandwidthKbps
		}
	}

	m.AverageQuality = qualityFromScore(float64(scoreSum) / float64(len(participants)))
	m.NetworkStability = float64(stable) / float64(len(participants))
	return m
}

// avgLatencyMs averages reported round-trip times across a participant set.
// Participants that have not reported stats are excluded.
func avgLatencyMs(participants map[string]*Participant) (sum float64, n int) {
	for _, p := range participants {
		if p.MediaStats != nil {
			sum += p.MediaStats.RTTMs
			n++
		}
	}
	return sum, n
}
