package intent

import (
	"strconv"
	"strings"

	"pveassist/internal/domain"
)

var chapterAliases = map[string]string{
	"basis":          domain.ChapterBasis,
	"basics":         domain.ChapterBasis,
	"start":          domain.ChapterBasis,
	"ruimtes":        domain.ChapterRuimtes,
	"ruimte":         domain.ChapterRuimtes,
	"rooms":          domain.ChapterRuimtes,
	"wensen":         domain.ChapterWensen,
	"wishes":         domain.ChapterWensen,
	"budget":         domain.ChapterBudget,
	"kosten":         domain.ChapterBudget,
	"techniek":       domain.ChapterTechniek,
	"installaties":   domain.ChapterTechniek,
	"installations":  domain.ChapterTechniek,
	"duurzaamheid":   domain.ChapterDuurzaamheid,
	"sustainability": domain.ChapterDuurzaamheid,
	"risico":         domain.ChapterRisico,
	"risicos":        domain.ChapterRisico,
	"risks":          domain.ChapterRisico,
}

// fieldAliases maps spoken field names to chapter and field id.
var fieldAliases = map[string][2]string{
	"projectnaam":     {domain.ChapterBasis, "projectName"},
	"project name":    {domain.ChapterBasis, "projectName"},
	"naam":            {domain.ChapterBasis, "projectName"},
	"locatie":         {domain.ChapterBasis, "location"},
	"location":        {domain.ChapterBasis, "location"},
	"slaapkamers":     {domain.ChapterRuimtes, "bedrooms"},
	"bedrooms":        {domain.ChapterRuimtes, "bedrooms"},
	"badkamers":       {domain.ChapterRuimtes, "bathrooms"},
	"bathrooms":       {domain.ChapterRuimtes, "bathrooms"},
	"oppervlakte":     {domain.ChapterRuimtes, "floorArea"},
	"floor area":      {domain.ChapterRuimtes, "floorArea"},
	"stijl":           {domain.ChapterWensen, "style"},
	"style":           {domain.ChapterWensen, "style"},
	"budget":          {domain.ChapterBudget, "budgetTotal"},
	"totaalbudget":    {domain.ChapterBudget, "budgetTotal"},
	"total budget":    {domain.ChapterBudget, "budgetTotal"},
	"financiering":    {domain.ChapterBudget, "financing"},
	"financing":       {domain.ChapterBudget, "financing"},
	"verwarming":      {domain.ChapterTechniek, "heating"},
	"heating":         {domain.ChapterTechniek, "heating"},
	"ventilatie":      {domain.ChapterTechniek, "ventilation"},
	"ventilation":     {domain.ChapterTechniek, "ventilation"},
	"energielabel":    {domain.ChapterDuurzaamheid, "energyLabel"},
	"energy label":    {domain.ChapterDuurzaamheid, "energyLabel"},
	"zonnepanelen":    {domain.ChapterDuurzaamheid, "solarPanels"},
	"solar panels":    {domain.ChapterDuurzaamheid, "solarPanels"},
	"risicos":         {domain.ChapterRisico, "risks"},
	"risks":           {domain.ChapterRisico, "risks"},
}

// budgetIntent turns a matched amount into an absolute set or a signed delta.
func budgetIntent(sign, digits string, thousands bool) (Intent, bool) {
	amount, ok := ParseAmount(digits, thousands)
	if !ok {
		return Intent{}, false
	}
	in := Intent{Kind: KindBudgetSet, Chapter: domain.ChapterBudget, Field: "budgetTotal", Value: amount}
	switch sign {
	case "+":
		in.Kind = KindBudgetDelta
	case "-":
		in.Kind = KindBudgetDelta
		in.Value = -amount
	}
	return in, true
}

// ParseAmount parses a money amount. With the k suffix a decimal comma or dot
// is honoured ("2,5k" is 2500). Otherwise a final group of one or two digits
// is cents ("1.250,50" is 1250.5) and the other dots, commas and spaces
// separate groups of three digits.
func ParseAmount(digits string, thousands bool) (float64, bool) {
	s := strings.ReplaceAll(strings.TrimSpace(digits), " ", "")
	if s == "" {
		return 0, false
	}
	if thousands {
		s = strings.ReplaceAll(s, ",", ".")
		if strings.Count(s, ".") > 1 {
			return 0, false
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return v * 1000, true
	}
	var cents float64
	if i := strings.LastIndexAny(s, ".,"); i >= 0 {
		if tail := s[i+1:]; len(tail) <= 2 && isDigits(tail) {
			c, err := strconv.ParseFloat("0."+tail, 64)
			if err != nil {
				return 0, false
			}
			cents, s = c, s[:i]
		}
	}
	groups := strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == ',' })
	if len(groups) == 0 {
		return 0, false
	}
	for i, g := range groups {
		if !isDigits(g) || (i > 0 && len(g) != 3) || (i == 0 && len(groups) > 1 && len(g) > 3) {
			return 0, false
		}
	}
	v, err := strconv.ParseInt(strings.Join(groups, ""), 10, 64)
	if err != nil {
		return 0, false
	}
	return float64(v) + cents, true
}

func parseInt(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
