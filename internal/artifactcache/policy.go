package artifactcache

import (
	"time"

	"github.com/kiaraoke/verdict/internal/domain"
)

const day = 24 * time.Hour

// hotTierTTL is the fixed TTL for every entry in the in-memory tier,
// independent of artifact class (§4.C3: "Tier-1 TTL is one hour").
const hotTierTTL = time.Hour

// neverExpires is used as the cold-tier expiry for classes that never age
// out (user-corrected word timings).
var neverExpires = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// coldTierTTL returns the cold-tier lifetime for class, per the per-artifact
// TTL policy table.
func coldTierTTL(class domain.ArtifactClass) time.Duration {
	switch class {
	case domain.ClassLyricsSynced:
		return 365 * day
	case domain.ClassLyricsUnsynced:
		return 90 * day
	case domain.ClassLyricsNegative:
		return 7 * day
	case domain.ClassWordTimingsProfessional:
		return 365 * day
	case domain.ClassWordTimingsGenerated:
		return 90 * day
	case domain.ClassWordTimingsUserCorrected:
		return 0 // never expires; callers must check neverExpiresClass
	case domain.ClassStems, domain.ClassReferencePitch, domain.ClassReferenceEnvelope:
		return 90 * day
	default:
		return 24 * time.Hour
	}
}

func neverExpiresClass(class domain.ArtifactClass) bool {
	return class == domain.ClassWordTimingsUserCorrected
}

func expiryFor(class domain.ArtifactClass, now time.Time) time.Time {
	if neverExpiresClass(class) {
		return neverExpires
	}
	return now.Add(coldTierTTL(class))
}

// provenanceRank orders provenance strings for SelectBest: lower rank wins.
// Per §4.C3 Priority: "user-corrected < professional < generated", read as
// a preference order from most to least preferred, so user-corrected is
// chosen first. Unknown provenances rank after all three. Ties on rank
// prefer the most recently created entry.
var provenanceRank = map[string]int{
	"user_corrected": 0,
	"professional":   1,
	"generated":      2,
}

func rankOf(provenance string) int {
	if r, ok := provenanceRank[provenance]; ok {
		return r
	}
	return len(provenanceRank) + 1
}
