package domain

import "time"

// RiskLevel is a pure, monotonic function of the risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Recommendation is a pure function of the risk level.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReview  Recommendation = "review"
	RecommendDecline Recommendation = "decline"
)

// Level thresholds (inclusive lower bounds).
const (
	ThresholdCritical = 80
	ThresholdHigh     = 60
	ThresholdMedium   = 30
)

// LevelForScore maps a 0..100 score to its level.
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= ThresholdCritical:
		return RiskCritical
	case score >= ThresholdHigh:
		return RiskHigh
	case score >= ThresholdMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RecommendationFor maps a level to the admission recommendation.
func RecommendationFor(level RiskLevel) Recommendation {
	switch level {
	case RiskCritical:
		return RecommendDecline
	case RiskHigh:
		return RecommendReview
	default:
		return RecommendApprove
	}
}

// RiskAssessment is the output of a transaction risk evaluation.
type RiskAssessment struct {
	Score          int            `json:"score"`
	Level          RiskLevel      `json:"level"`
	Flags          []string       `json:"flags"`
	Recommendation Recommendation `json:"recommendation"`
}

// RequestContext carries the request-layer signals used for scoring.
// Every field is optional; absence is scored, never rejected.
type RequestContext struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// DeviceContext carries the attestation signals for device trust.
type DeviceContext struct {
	DeviceType   string   `json:"deviceType,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	UserAgent    string   `json:"userAgent,omitempty"`
}

// DeviceTrustRecord is created on first attestation of a fingerprint.
// TrustScore is frozen after creation; only LastSeen moves.
type DeviceTrustRecord struct {
	DeviceID        string    `json:"deviceId"`
	TrustScore      int       `json:"trustScore"`
	KnownDevice     bool      `json:"knownDevice"`
	FirstSeen       time.Time `json:"firstSeen"`
	LastSeen        time.Time `json:"lastSeen"`
	BehaviorPattern string    `json:"behaviorPattern"`
}

// RiskRule is an operator-defined CEL rule adding Score to the assessment
// and Flag to its flags when the expression evaluates to true.
type RiskRule struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Score       int    `json:"score"`
	Flag        string `json:"flag"`
	Enabled     bool   `json:"enabled"`
}
