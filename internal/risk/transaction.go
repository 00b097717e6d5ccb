package risk

import (
	"context"
	"regexp"
	"strings"

	"github.com/mssola/useragent"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Amount tiers. Both apply to amounts above the high tier.
const (
	HighAmount   = 10000
	MediumAmount = 1000
)

// Flags emitted by the built-in signals.
const (
	FlagHighAmount    = "High transaction amount"
	FlagMediumAmount  = "Medium transaction amount"
	FlagMissingUA     = "Missing user agent"
	FlagBot           = "Bot or crawler user agent"
	FlagMissingIP     = "Missing IP address"
	FlagMissingDevice = "Missing device identifier"
	FlagHighVelocity  = "High transaction velocity"
)

var botPattern = regexp.MustCompile(`(?i)(bot|crawl|spider|scrap|slurp|curl/|wget|python-requests|go-http-client|headless|phantomjs)`)

// signal is one scored observation.
type signal struct {
	score int
	flag  string
}

// AssessTransactionRisk scores a transaction from its amount, the device
// and the request context. The call is recorded in the device's velocity
// window before scoring.
func (e *Engine) AssessTransactionRisk(ctx context.Context, amount float64, deviceID string, rc domain.RequestContext) domain.RiskAssessment {
	ua := strings.TrimSpace(rc.UserAgent)
	ip := strings.TrimSpace(rc.IP)

	var signals []signal
	if amount > HighAmount {
		signals = append(signals, signal{40, FlagHighAmount})
	}
	if amount > MediumAmount {
		signals = append(signals, signal{15, FlagMediumAmount})
	}

	bot := false
	if ua == "" {
		signals = append(signals, signal{20, FlagMissingUA})
	} else if isBot(ua) {
		bot = true
		signals = append(signals, signal{50, FlagBot})
	}

	if ip == "" {
		signals = append(signals, signal{10, FlagMissingIP})
	}

	count := 0
	if deviceID == "" {
		signals = append(signals, signal{10, FlagMissingDevice})
	} else {
		count = e.velocity.Record(deviceID, e.now())
		if count > e.cfg.VelocityThreshold {
			signals = append(signals, signal{30, FlagHighVelocity})
		}
	}

	for _, hit := range e.rules.Evaluate(ctx, rules.Input{
		Amount:        amount,
		DeviceID:      deviceID,
		IP:            ip,
		UserAgent:     ua,
		VelocityCount: count,
		IsBot:         bot,
	}) {
		signals = append(signals, signal{hit.Score, hit.Flag})
	}

	assessment := aggregate(signals)

	if e.auditor != nil && (assessment.Level == domain.RiskHigh || assessment.Level == domain.RiskCritical) {
		sev := domain.SeverityHigh
		if assessment.Level == domain.RiskCritical {
			sev = domain.SeverityCritical
		}
		e.auditor.LogSecurityEvent(ctx, audit.Event{
			Action:    "risk_assessment",
			Severity:  sev,
			Success:   assessment.Recommendation != domain.RecommendDecline,
			RequestID: rc.RequestID,
			IP:        ip,
			UserAgent: ua,
			Amount:    amount,
			Metadata: map[string]any{
				"score":          assessment.Score,
				"level":          string(assessment.Level),
				"recommendation": string(assessment.Recommendation),
				"flags":          assessment.Flags,
			},
		})
	}

	return assessment
}

// aggregate sums signal scores, clamps to 0..100 and derives the level and
// recommendation.
func aggregate(signals []signal) domain.RiskAssessment {
	score := 0
	flags := make([]string, 0, len(signals))
	for _, s := range signals {
		score += s.score
		flags = append(flags, s.flag)
	}
	score = clamp(score)

	level := domain.LevelForScore(score)
	return domain.RiskAssessment{
		Score:          score,
		Level:          level,
		Flags:          flags,
		Recommendation: domain.RecommendationFor(level),
	}
}

func isBot(ua string) bool {
	if botPattern.MatchString(ua) {
		return true
	}
	return useragent.New(ua).Bot()
}

func clamp(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}
