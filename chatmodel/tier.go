package chatmodel

import "strings"

// Tier is a caller classification that determines rate and quota ceilings.
type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier maps a string to a known Tier, defaulting to TierFree for
// unrecognized non-empty values and TierAnonymous for empty input.
func ParseTier(val string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(val))) {
	case TierAnonymous:
		return TierAnonymous
	case TierFree:
		return TierFree
	case TierPro:
		return TierPro
	case TierEnterprise:
		return TierEnterprise
	case "":
		return TierAnonymous
	default:
		return TierFree
	}
}

func (t Tier) String() string {
	return string(t)
}

// Valid reports whether the tier is one of the known classifications.
func (t Tier) Valid() bool {
	switch t {
	case TierAnonymous, TierFree, TierPro, TierEnterprise:
		return true
	default:
		return false
	}
}
