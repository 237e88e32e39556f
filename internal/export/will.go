package export

import (
	"strconv"
	"strings"
	"time"

	"heirloom/api/internal/willdoc"
)

// TemplateData is the will flattened for the template: executors split
// by role, shares pre-formatted, blank entries dropped.
type TemplateData struct {
	Title       string
	Status      string
	Version     string
	SealScore   int
	SealLevel   string
	GeneratedAt time.Time

	Testator      willdoc.Testator
	Primaries     []willdoc.Executor
	Alternates    []willdoc.Executor
	Beneficiaries []BeneficiaryRow
	Bequests      []willdoc.Bequest
	Guardians     []willdoc.Guardian
	Residuary     string
	Funeral       string
	Witnesses     []string
	SignedAt      string
	SignedPlace   string
}

// BeneficiaryRow is one line of the distribution table.
type BeneficiaryRow struct {
	Name         string
	Relationship string
	Share        string
}

func willTemplateData(req Request) TemplateData {
	c := req.Content
	data := TemplateData{
		Title:       req.Title,
		Status:      req.Status,
		Version:     req.Version,
		SealScore:   req.SealScore,
		SealLevel:   req.SealLevel,
		GeneratedAt: time.Now().UTC(),
		Testator:    c.Testator,
		Bequests:    c.Bequests,
		Guardians:   c.Guardians,
		Residuary:   strings.TrimSpace(c.ResiduaryClause),
		Funeral:     strings.TrimSpace(c.FuneralWishes),
		SignedAt:    c.SignedAt,
		SignedPlace: c.SignedPlace,
	}

	for _, e := range c.Executors {
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		if e.Alternate {
			data.Alternates = append(data.Alternates, e)
		} else {
			data.Primaries = append(data.Primaries, e)
		}
	}

	for _, b := range c.Beneficiaries {
		if strings.TrimSpace(b.Name) == "" {
			continue
		}
		data.Beneficiaries = append(data.Beneficiaries, BeneficiaryRow{
			Name:         b.Name,
			Relationship: b.Relationship,
			Share:        formatShare(b.SharePercent),
		})
	}

	for _, w := range c.Witnesses {
		if strings.TrimSpace(w.Name) == "" {
			continue
		}
		data.Witnesses = append(data.Witnesses, w.Name)
	}

	return data
}

// formatShare renders a percentage without trailing zeros: 50 -> "50%",
// 33.33 -> "33.33%". Zero shares render empty so unallocated
// beneficiaries do not show a misleading "0%".
func formatShare(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64) + "%"
}
