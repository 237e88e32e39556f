package willdoc

import (
	"math"
	"strings"
)

// Seal levels, worst to best.
const (
	LevelProvisional = "provisional"
	LevelBronze      = "bronze"
	LevelSilver      = "silver"
	LevelGold        = "gold"
)

// MinFinalizeScore is the floor for finalizing a will.
const MinFinalizeScore = 50

const shareEpsilon = 0.01

type Finding struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type SealResult struct {
	Score    int       `json:"score"`
	Level    string    `json:"level"`
	Findings []Finding `json:"findings"`
}

// Seal grades a will's completeness. The checks are deliberately dumb
// and deterministic: the same content always earns the same score, and
// every dropped point shows up as a finding. Findings list only what is
// missing or weak; a perfect will has none.
//
// Weights: testator identity 10, named executor 15 (+5 for an
// alternate), at least one beneficiary 15, shares summing to 100 10,
// residuary clause 10, complete guardian entries 10, two witnesses 15,
// signature block 10, funeral wishes 5. The raw maximum is 105; scores
// cap at 100.
func Seal(content Content) SealResult {
	score := 0
	findings := make([]Finding, 0)

	if hasText(content.Testator.FullName) && hasText(content.Testator.DateOfBirth) && hasText(content.Testator.Address) {
		score += 10
	} else {
		findings = append(findings, Finding{
			Code:     "TESTATOR_INCOMPLETE",
			Severity: "error",
			Message:  "testator needs full name, date of birth, and address",
		})
	}

	primaries, alternates := 0, 0
	for _, executor := range content.Executors {
		if !hasText(executor.Name) {
			continue
		}
		if executor.Alternate {
			alternates++
		} else {
			primaries++
		}
	}
	if primaries > 0 {
		score += 15
	} else {
		findings = append(findings, Finding{
			Code:     "NO_EXECUTOR",
			Severity: "error",
			Message:  "name at least one executor",
		})
	}
	if alternates > 0 {
		score += 5
	} else if primaries > 0 {
		findings = append(findings, Finding{
			Code:     "NO_ALTERNATE_EXECUTOR",
			Severity: "info",
			Message:  "an alternate executor covers the primary being unable to serve",
		})
	}

	named := 0
	var shareSum float64
	for _, beneficiary := range content.Beneficiaries {
		if hasText(beneficiary.Name) {
			named++
		}
		shareSum += beneficiary.SharePercent
	}
	if named > 0 {
		score += 15
	} else {
		findings = append(findings, Finding{
			Code:     "NO_BENEFICIARIES",
			Severity: "error",
			Message:  "name at least one beneficiary",
		})
	}
	if named > 0 && math.Abs(shareSum-100) <= shareEpsilon {
		score += 10
	} else if named > 0 {
		findings = append(findings, Finding{
			Code:     "SHARES_NOT_100",
			Severity: "warn",
			Message:  "beneficiary shares should sum to exactly 100%",
		})
	}

	if hasText(content.ResiduaryClause) {
		score += 10
	} else {
		findings = append(findings, Finding{
			Code:     "NO_RESIDUARY_CLAUSE",
			Severity: "warn",
			Message:  "without a residuary clause, unlisted assets fall to intestacy rules",
		})
	}

	guardiansComplete := true
	for _, guardian := range content.Guardians {
		if !hasText(guardian.Name) || !hasText(guardian.ForMinor) {
			guardiansComplete = false
			break
		}
	}
	if guardiansComplete {
		// No guardian entries counts as complete: not every estate
		// has minors to provide for.
		score += 10
	} else {
		findings = append(findings, Finding{
			Code:     "GUARDIAN_INCOMPLETE",
			Severity: "warn",
			Message:  "every guardian entry needs a guardian name and the minor they cover",
		})
	}

	if NamedWitnesses(content) >= 2 {
		score += 15
	} else {
		findings = append(findings, Finding{
			Code:     "FEW_WITNESSES",
			Severity: "error",
			Message:  "two witnesses are required for finalization",
		})
	}

	if hasText(content.SignedAt) && hasText(content.SignedPlace) {
		score += 10
	} else {
		findings = append(findings, Finding{
			Code:     "UNSIGNED",
			Severity: "warn",
			Message:  "signature date and place are blank",
		})
	}

	if hasText(content.FuneralWishes) {
		score += 5
	} else {
		findings = append(findings, Finding{
			Code:     "NO_FUNERAL_WISHES",
			Severity: "info",
			Message:  "funeral wishes spare the family a decision",
		})
	}

	if score > 100 {
		score = 100
	}

	return SealResult{
		Score:    score,
		Level:    levelFor(score),
		Findings: findings,
	}
}

func levelFor(score int) string {
	switch {
	case score >= 90:
		return LevelGold
	case score >= 70:
		return LevelSilver
	case score >= 50:
		return LevelBronze
	default:
		return LevelProvisional
	}
}

func hasText(value string) bool {
	return strings.TrimSpace(value) != ""
}
