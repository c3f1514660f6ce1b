package model

import "strings"

// RiskScore is the ordered risk classification of an endpoint.
type RiskScore string

const (
	RiskNoData   RiskScore = ""
	RiskNone     RiskScore = "none"
	RiskLow      RiskScore = "low"
	RiskMedium   RiskScore = "medium"
	RiskHigh     RiskScore = "high"
	RiskCritical RiskScore = "critical"
)

// Rank places a score on the total order NoData < None < Low < Medium < High < Critical.
// Unknown values rank with NoData.
func Rank(r RiskScore) int {
	switch r {
	case RiskNone:
		return 1
	case RiskLow:
		return 2
	case RiskMedium:
		return 3
	case RiskHigh:
		return 4
	case RiskCritical:
		return 5
	default:
		return 0
	}
}

// MaxRisk returns the highest ranked score.
func MaxRisk(scores ...RiskScore) RiskScore {
	best := RiskNoData
	for _, s := range scores {
		if Rank(s) > Rank(best) {
			best = s
		}
	}
	return best
}

// ParseRiskScore parses a case-insensitive score name.
func ParseRiskScore(s string) (RiskScore, bool) {
	r := RiskScore(strings.ToLower(strings.TrimSpace(s)))
	if r == RiskNoData || Rank(r) > 0 {
		return r, true
	}
	return RiskNoData, false
}

// String returns the score name, or "no_data" for the sentinel.
func (r RiskScore) String() string {
	if r == RiskNoData {
		return "no_data"
	}
	return string(r)
}
