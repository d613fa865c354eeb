package gps

import (
	"github.com/markus-lassfolk/fieldclock/pkg"
)

// Tier is the quality bucket of a position's precision radius. Higher
// values are better, so tiers compare with the usual operators.
type Tier int

const (
	TierUnusable Tier = iota
	TierPoor
	TierFair
	TierGood
	TierExcellent
)

// Accuracy thresholds in meters; each bound is inclusive for the better tier.
const (
	ExcellentAccuracyM = 20.0
	GoodAccuracyM      = 50.0
	FairAccuracyM      = 100.0
	PoorAccuracyM      = 1000.0
)

func (t Tier) String() string {
	switch t {
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	case TierFair:
		return "fair"
	case TierPoor:
		return "poor"
	default:
		return "unusable"
	}
}

// MarshalText renders the tier name in JSON payloads
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// AcceptableForAttendance reports whether the tier is good enough to clock in on GPS
func (t Tier) AcceptableForAttendance() bool {
	return t >= TierGood
}

// Assessment is the classifier's verdict for one position
type Assessment struct {
	Tier            Tier     `json:"tier"`
	Recommendations []string `json:"recommendations"`
}

var tierRecommendations = map[Tier][]string{
	TierUnusable: {
		"Enable location services on your device",
		"Allow location permission for this application",
		"Move outdoors or next to a window with a clear view of the sky",
		"Restart location services or the device if the problem persists",
	},
	TierPoor: {
		"Move outdoors or away from tall buildings",
		"Turn on Wi-Fi to help network positioning",
		"Wait a few seconds while the position refines",
	},
	TierFair: {
		"Accuracy is improving, keep waiting a few seconds",
		"Stay still while the position refines",
	},
	TierGood: {
		"Location accuracy is acceptable for attendance",
	},
	TierExcellent: {
		"Location accuracy is excellent",
	},
}

const networkSourceNote = "Using network-based location, precision is limited"

// ClassifyTier maps a precision radius to its tier. Unknown accuracy is unusable.
func ClassifyTier(accuracyM *float64) Tier {
	if accuracyM == nil {
		return TierUnusable
	}
	a := *accuracyM
	switch {
	case a <= ExcellentAccuracyM:
		return TierExcellent
	case a <= GoodAccuracyM:
		return TierGood
	case a <= FairAccuracyM:
		return TierFair
	case a <= PoorAccuracyM:
		return TierPoor
	default:
		return TierUnusable
	}
}

// Classify returns the tier and the ordered recommendations for a fix with
// the given accuracy and source. The result is a fresh slice on each call.
func Classify(accuracyM *float64, source pkg.PositionSource) Assessment {
	tier := ClassifyTier(accuracyM)
	base := tierRecommendations[tier]

	recs := make([]string, 0, len(base)+1)
	if source == pkg.SourceNetwork {
		recs = append(recs, networkSourceNote)
	}
	recs = append(recs, base...)

	return Assessment{Tier: tier, Recommendations: recs}
}

// ClassifyPosition is Classify applied to a position
func ClassifyPosition(p pkg.Position) Assessment {
	return Classify(p.Accuracy, p.Source)
}
