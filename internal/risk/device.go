package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mssola/useragent"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BaseTrustScore is the starting score for a newly seen device.
const BaseTrustScore = 50

// BehaviorUnestablished marks a device with no history yet.
const BehaviorUnestablished = "unestablished"

var legitDevicePattern = regexp.MustCompile(`(?i)(iphone|ipad|android|windows phone|smart-?tv|tizen|webos|roku|playstation|xbox|nintendo|carplay|android auto)`)

var commonDeviceTypes = map[string]struct{}{
	"mobile":       {},
	"tablet":       {},
	"desktop":      {},
	"smartwatch":   {},
	"smart_tv":     {},
	"pos_terminal": {},
}

// AssessDeviceTrust returns the trust record for fingerprint. The score is
// computed once on first sight; later calls only refresh LastSeen.
func (e *Engine) AssessDeviceTrust(ctx context.Context, fingerprint string, dc domain.DeviceContext) (*domain.DeviceTrustRecord, error) {
	if fingerprint == "" {
		return nil, domain.NewValidationError("fingerprint", "device fingerprint is required")
	}

	v, err, _ := e.flight.Do(fingerprint, func() (any, error) {
		return e.lookupOrScore(ctx, fingerprint, dc)
	})
	if err != nil {
		return nil, err
	}
	rec := *v.(*domain.DeviceTrustRecord)
	return &rec, nil
}

func (e *Engine) lookupOrScore(ctx context.Context, fingerprint string, dc domain.DeviceContext) (*domain.DeviceTrustRecord, error) {
	now := e.now().UTC()

	data, err := e.trust.Get(ctx, domain.NamespaceDeviceTrust, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to read device trust: %w", err)
	}

	var rec *domain.DeviceTrustRecord
	if data != nil {
		rec = &domain.DeviceTrustRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return nil, fmt.Errorf("corrupt device trust record: %w", err)
		}
		rec.LastSeen = now
	} else {
		rec = &domain.DeviceTrustRecord{
			DeviceID:        fingerprint,
			TrustScore:      scoreDevice(dc),
			KnownDevice:     false,
			FirstSeen:       now,
			LastSeen:        now,
			BehaviorPattern: BehaviorUnestablished,
		}
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode device trust: %w", err)
	}
	if err := e.trust.Set(ctx, domain.NamespaceDeviceTrust, fingerprint, encoded, e.cfg.TrustTTL); err != nil {
		return nil, fmt.Errorf("failed to store device trust: %w", err)
	}
	return rec, nil
}

func scoreDevice(dc domain.DeviceContext) int {
	score := BaseTrustScore
	if len(dc.Capabilities) > 0 {
		score += 20
	}
	if isLegitDevice(dc.UserAgent) {
		score += 15
	}
	if _, ok := commonDeviceTypes[strings.ToLower(strings.TrimSpace(dc.DeviceType))]; ok {
		score += 10
	}
	return clamp(score)
}

func isLegitDevice(ua string) bool {
	if ua == "" {
		return false
	}
	if legitDevicePattern.MatchString(ua) {
		return true
	}
	parsed := useragent.New(ua)
	return parsed.Mobile() && !parsed.Bot()
}
