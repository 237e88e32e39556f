// Package willdoc defines the structured will document: the content
// schema committed to a will's repo, its validation rules, and the
// trust seal scoring that grades completeness.
package willdoc

import (
	"fmt"
	"strings"
)

type Testator struct {
	FullName    string `json:"fullName"`
	DateOfBirth string `json:"dateOfBirth"`
	Address     string `json:"address"`
}

type Executor struct {
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Alternate bool   `json:"alternate,omitempty"`
}

type Beneficiary struct {
	Name         string  `json:"name"`
	Relationship string  `json:"relationship,omitempty"`
	SharePercent float64 `json:"sharePercent"`
}

type Bequest struct {
	Item      string `json:"item"`
	Recipient string `json:"recipient"`
}

type Guardian struct {
	Name     string `json:"name"`
	ForMinor string `json:"forMinor"`
}

type Witness struct {
	Name string `json:"name"`
}

// Content is the full document. It round-trips as content.json in the
// will's version repo, so field names are part of the stored format.
type Content struct {
	Testator        Testator      `json:"testator"`
	Executors       []Executor    `json:"executors,omitempty"`
	Beneficiaries   []Beneficiary `json:"beneficiaries,omitempty"`
	Bequests        []Bequest     `json:"bequests,omitempty"`
	Guardians       []Guardian    `json:"guardians,omitempty"`
	ResiduaryClause string        `json:"residuaryClause,omitempty"`
	FuneralWishes   string        `json:"funeralWishes,omitempty"`
	Witnesses       []Witness     `json:"witnesses,omitempty"`
	SignedAt        string        `json:"signedAt,omitempty"`
	SignedPlace     string        `json:"signedPlace,omitempty"`
}

// ValidationError lists every problem found, so a client can surface
// them all at once instead of fixing one per request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid will content: " + strings.Join(e.Problems, "; ")
}

// Validate rejects content that must never be committed. Incomplete
// content is fine (the seal grades that); contradictory content is not.
func Validate(content Content) error {
	var problems []string

	var shareSum float64
	for i, beneficiary := range content.Beneficiaries {
		if strings.TrimSpace(beneficiary.Name) == "" {
			problems = append(problems, fmt.Sprintf("beneficiary %d has no name", i+1))
		}
		if beneficiary.SharePercent < 0 {
			problems = append(problems, fmt.Sprintf("beneficiary %d has a negative share", i+1))
		}
		if beneficiary.SharePercent > 100 {
			problems = append(problems, fmt.Sprintf("beneficiary %d share exceeds 100%%", i+1))
		}
		shareSum += beneficiary.SharePercent
	}
	if shareSum > 100+shareEpsilon {
		problems = append(problems, fmt.Sprintf("beneficiary shares sum to %.2f%%, over 100%%", shareSum))
	}

	for i, executor := range content.Executors {
		if strings.TrimSpace(executor.Name) == "" {
			problems = append(problems, fmt.Sprintf("executor %d has no name", i+1))
		}
	}

	for i, bequest := range content.Bequests {
		if strings.TrimSpace(bequest.Item) == "" || strings.TrimSpace(bequest.Recipient) == "" {
			problems = append(problems, fmt.Sprintf("bequest %d needs both an item and a recipient", i+1))
		}
	}

	for i, witness := range content.Witnesses {
		if strings.TrimSpace(witness.Name) == "" {
			problems = append(problems, fmt.Sprintf("witness %d has no name", i+1))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// NamedWitnesses counts witnesses with a usable name. Finalize requires
// at least two.
func NamedWitnesses(content Content) int {
	count := 0
	for _, witness := range content.Witnesses {
		if strings.TrimSpace(witness.Name) != "" {
			count++
		}
	}
	return count
}
