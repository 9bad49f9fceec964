package service

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// Template is a recommendation blueprint. Description may reference feature values as
// {feature_name}; adherence features render as percentages.
type Template struct {
	Category           string                                  `yaml:"category"`
	Priority           domain.Priority                         `yaml:"priority"`
	PriorityByCategory map[domain.RiskCategory]domain.Priority `yaml:"priority_by_category,omitempty"`
	Title              string                                  `yaml:"title"`
	Description        string                                  `yaml:"description"`
	Actions            []string                                `yaml:"actions"`
}

// ComorbidityTemplate applies when Flag is true on the snapshot.
type ComorbidityTemplate struct {
	Flag     string   `yaml:"flag"`
	Template Template `yaml:"template"`
}

// AdherenceTier applies when adherence_mean falls below Below and not below the next more
// severe tier.
type AdherenceTier struct {
	Name     string   `yaml:"name"`
	Below    float64  `yaml:"below"`
	Template Template `yaml:"template"`
}

// FeatureTemplate applies when Feature is a top risk driver. MinValue, when set, must not
// exceed the feature value.
type FeatureTemplate struct {
	Feature  string   `yaml:"feature"`
	MinValue *float64 `yaml:"min_value,omitempty"`
	Template Template `yaml:"template"`
}

// TemplateCatalog is the recommendation configuration consumed by RecommendationEngine.
type TemplateCatalog struct {
	Base           map[domain.RiskCategory][]Template `yaml:"base"`
	Comorbidities  []ComorbidityTemplate              `yaml:"comorbidities"`
	AdherenceTiers []AdherenceTier                    `yaml:"adherence_tiers"`
	FeatureRules   []FeatureTemplate                  `yaml:"feature_rules"`
}

// LoadTemplateCatalog reads and validates a YAML catalog file.
func LoadTemplateCatalog(path string) (*TemplateCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template catalog: %w", err)
	}

	var catalog TemplateCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse template catalog %s: %w", path, err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid template catalog %s: %w", path, err)
	}
	return &catalog, nil
}

// Validate checks that every template is complete and the adherence tiers are usable.
// The catalog is not modified.
func (c *TemplateCatalog) Validate() error {
	for _, category := range []domain.RiskCategory{domain.RiskLow, domain.RiskMedium, domain.RiskHigh} {
		if len(c.Base[category]) == 0 {
			return domain.NewValidationError("base."+category.String(), "at least one base template is required", nil)
		}
	}
	for category, templates := range c.Base {
		if !category.IsValid() {
			return domain.NewValidationError("base", "unknown risk category", category)
		}
		for i, t := range templates {
			if err := t.validate(fmt.Sprintf("base.%s[%d]", category, i)); err != nil {
				return err
			}
		}
	}

	for i, ct := range c.Comorbidities {
		field := fmt.Sprintf("comorbidities[%d]", i)
		if ct.Flag == "" {
			return domain.NewValidationError(field+".flag", "flag is required", nil)
		}
		if err := ct.Template.validate(field + ".template"); err != nil {
			return err
		}
	}

	tiers := c.sortedTiers()
	for i, tier := range tiers {
		field := fmt.Sprintf("adherence_tiers[%d]", i)
		if tier.Below <= 0 || tier.Below > 1 {
			return domain.NewValidationError(field+".below", "bound must be a fraction in (0,1]", tier.Below)
		}
		if i > 0 && tier.Below == tiers[i-1].Below {
			return domain.NewValidationError(field+".below", "duplicate tier bound", tier.Below)
		}
		if err := tier.Template.validate(field + ".template"); err != nil {
			return err
		}
	}

	for i, fr := range c.FeatureRules {
		field := fmt.Sprintf("feature_rules[%d]", i)
		if fr.Feature == "" {
			return domain.NewValidationError(field+".feature", "feature is required", nil)
		}
		if err := fr.Template.validate(field + ".template"); err != nil {
			return err
		}
	}
	return nil
}

// sortedTiers returns a copy of the adherence tiers, most severe first.
func (c *TemplateCatalog) sortedTiers() []AdherenceTier {
	tiers := append([]AdherenceTier(nil), c.AdherenceTiers...)
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].Below < tiers[j].Below
	})
	return tiers
}

func (t Template) validate(field string) error {
	if t.Category == "" {
		return domain.NewValidationError(field+".category", "category is required", nil)
	}
	if t.Title == "" {
		return domain.NewValidationError(field+".title", "title is required", nil)
	}
	if !t.Priority.IsValid() {
		return domain.NewValidationError(field+".priority", "priority must be high, medium or low", t.Priority)
	}
	for category, p := range t.PriorityByCategory {
		if !category.IsValid() || !p.IsValid() {
			return domain.NewValidationError(field+".priority_by_category", "invalid category or priority override", category)
		}
	}
	return nil
}

// Render produces a fresh recommendation for the given risk category and feature values.
func (t Template) Render(category domain.RiskCategory, features map[string]float64) domain.Recommendation {
	priority := t.Priority
	if override, ok := t.PriorityByCategory[category]; ok {
		priority = override
	}

	actions := make([]string, len(t.Actions))
	copy(actions, t.Actions)

	return domain.Recommendation{
		Category:    t.Category,
		Priority:    priority,
		Title:       t.Title,
		Description: renderPlaceholders(t.Description, features),
		Actions:     actions,
	}
}

func renderPlaceholders(text string, features map[string]float64) string {
	if !strings.Contains(text, "{") {
		return text
	}
	pairs := make([]string, 0, len(features)*2)
	for name, value := range features {
		pairs = append(pairs, "{"+name+"}", formatFeature(name, value))
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

func formatFeature(name string, value float64) string {
	if strings.HasPrefix(name, "adherence_") {
		return strconv.FormatFloat(value*100, 'f', 1, 64)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func floatPtr(v float64) *float64 {
	return &v
}

// DefaultTemplateCatalog returns the built-in clinical recommendation templates.
func DefaultTemplateCatalog() *TemplateCatalog {
	return &TemplateCatalog{
		Base: map[domain.RiskCategory][]Template{
			domain.RiskLow: {
				{
					Category:    "monitoring",
					Priority:    domain.PriorityLow,
					Title:       "Routine Monitoring",
					Description: "Continue standard TB treatment monitoring protocols.",
					Actions: []string{
						"Maintain current treatment regimen",
						"Schedule routine follow-up visits every 2-3 months",
						"Monitor adherence and adverse reactions",
					},
				},
			},
			domain.RiskMedium: {
				{
					Category:    "monitoring",
					Priority:    domain.PriorityMedium,
					Title:       "Enhanced Monitoring",
					Description: "Increase monitoring frequency and assess treatment response.",
					Actions: []string{
						"Schedule follow-up visits monthly",
						"Monitor adherence closely (target >90%)",
						"Consider chest X-ray every 3 months",
						"Assess for treatment modifications if needed",
					},
				},
				{
					Category:    "adherence",
					Priority:    domain.PriorityMedium,
					Title:       "Adherence Support",
					Description: "Provide additional support to improve treatment adherence.",
					Actions: []string{
						"Counsel patient on importance of adherence",
						"Consider directly observed therapy (DOT)",
						"Address barriers to adherence",
					},
				},
			},
			domain.RiskHigh: {
				{
					Category:    "monitoring",
					Priority:    domain.PriorityHigh,
					Title:       "Intensive Monitoring",
					Description: "High risk detected. Implement intensive monitoring protocol.",
					Actions: []string{
						"Schedule follow-up visits every 2-4 weeks",
						"Perform chest X-ray every 2-3 months",
						"Monitor lung function tests",
						"Consider referral to pulmonologist",
					},
				},
				{
					Category:    "treatment",
					Priority:    domain.PriorityHigh,
					Title:       "Treatment Review",
					Description: "Review current treatment regimen for optimization.",
					Actions: []string{
						"Assess treatment response and efficacy",
						"Consider treatment modification if indicated",
						"Review drug interactions and adverse effects",
						"Optimize drug dosages based on patient factors",
					},
				},
				{
					Category:    "comorbidities",
					Priority:    domain.PriorityHigh,
					Title:       "Comorbidity Management",
					Description: "Manage comorbidities that may increase PTLD risk.",
					Actions: []string{
						"Optimize management of existing comorbidities",
						"Screen for and manage diabetes if present",
						"Provide smoking cessation support if applicable",
						"Ensure HIV treatment is optimized if HIV-positive",
					},
				},
			},
		},
		Comorbidities: []ComorbidityTemplate{
			{
				Flag: domain.FlagHIV,
				Template: Template{
					Category:    "comorbidities",
					Priority:    domain.PriorityHigh,
					Title:       "HIV Co-infection Management",
					Description: "HIV co-infection is contributing to increased PTLD risk.",
					Actions: []string{
						"Ensure optimal HIV treatment (ART)",
						"Monitor CD4 count and viral load",
						"Assess for drug interactions between TB and HIV medications",
						"Coordinate care with HIV specialist",
						"Monitor for opportunistic infections",
					},
				},
			},
			{
				Flag: domain.FlagDiabetes,
				Template: Template{
					Category:    "comorbidities",
					Priority:    domain.PriorityHigh,
					Title:       "Diabetes Management",
					Description: "Diabetes is contributing to increased PTLD risk.",
					Actions: []string{
						"Optimize diabetes control (target HbA1c <7%)",
						"Monitor blood glucose levels",
						"Assess for diabetic complications",
						"Coordinate with endocrinologist if needed",
						"Consider impact of TB medications on glucose control",
					},
				},
			},
			{
				Flag: domain.FlagSmoker,
				Template: Template{
					Category:    "lifestyle",
					Priority:    domain.PriorityHigh,
					Title:       "Smoking Cessation",
					Description: "Smoking is significantly contributing to PTLD risk.",
					Actions: []string{
						"Provide smoking cessation counseling",
						"Offer smoking cessation support (counseling, medications)",
						"Monitor smoking status at each visit",
						"Educate on risks of continued smoking",
						"Consider referral to smoking cessation program",
					},
				},
			},
		},
		AdherenceTiers: []AdherenceTier{
			{
				Name:  "critical",
				Below: 0.80,
				Template: Template{
					Category: "adherence",
					Priority: domain.PriorityMedium,
					PriorityByCategory: map[domain.RiskCategory]domain.Priority{
						domain.RiskHigh: domain.PriorityHigh,
					},
					Title:       "Critical Adherence Intervention",
					Description: "Low adherence ({adherence_mean}%) is significantly impacting risk.",
					Actions: []string{
						"Implement directly observed therapy (DOT)",
						"Identify and address adherence barriers",
						"Provide patient education on importance of adherence",
						"Consider treatment simplification if possible",
						"Schedule more frequent follow-ups to monitor adherence",
					},
				},
			},
			{
				Name:  "improvement",
				Below: 0.90,
				Template: Template{
					Category:    "adherence",
					Priority:    domain.PriorityMedium,
					Title:       "Adherence Improvement",
					Description: "Adherence ({adherence_mean}%) is below optimal target (90%+).",
					Actions: []string{
						"Counsel patient on importance of consistent adherence",
						"Identify barriers to adherence",
						"Consider adherence support interventions",
						"Monitor adherence closely",
					},
				},
			},
		},
		FeatureRules: []FeatureTemplate{
			{
				Feature:  domain.FeatureAge,
				MinValue: floatPtr(61),
				Template: Template{
					Category: "demographics",
					Priority: domain.PriorityLow,
					PriorityByCategory: map[domain.RiskCategory]domain.Priority{
						domain.RiskHigh: domain.PriorityMedium,
					},
					Title:       "Age-Related Risk Management",
					Description: "Patient age ({age} years) is contributing to increased risk.",
					Actions: []string{
						"Consider age-appropriate treatment adjustments",
						"Monitor for age-related complications",
						"Ensure adequate nutritional support",
					},
				},
			},
			{
				Feature:  domain.FeatureComorbidityCount,
				MinValue: floatPtr(3),
				Template: Template{
					Category: "comorbidities",
					Priority: domain.PriorityMedium,
					PriorityByCategory: map[domain.RiskCategory]domain.Priority{
						domain.RiskHigh: domain.PriorityHigh,
					},
					Title:       "Multiple Comorbidities",
					Description: "Patient has {comorbidity_count} comorbidities, which increases PTLD risk.",
					Actions: []string{
						"Coordinate care with specialists",
						"Review medication interactions",
						"Monitor for complications",
						"Consider treatment modifications",
					},
				},
			},
			{
				Feature:  domain.FeatureComorbidityCount,
				MinValue: floatPtr(2),
				Template: Template{
					Category:    "comorbidities",
					Priority:    domain.PriorityMedium,
					Title:       "Comorbidity Management",
					Description: "Patient has {comorbidity_count} comorbidities requiring attention.",
					Actions: []string{
						"Coordinate care with relevant specialists",
						"Review medication interactions",
						"Monitor for complications",
						"Consider CT scan for detailed assessment",
						"Monitor for progression of lung changes",
						"Assess response to treatment",
					},
				},
			},
			{
				Feature:  domain.FeatureModificationCount,
				MinValue: floatPtr(3),
				Template: Template{
					Category:    "treatment",
					Priority:    domain.PriorityMedium,
					Title:       "Treatment Stability",
					Description: "Multiple treatment modifications ({modification_count}) may indicate treatment challenges.",
					Actions: []string{
						"Review reasons for previous modifications",
						"Assess current treatment efficacy",
						"Consider treatment optimization",
						"Monitor for adverse reactions",
					},
				},
			},
		},
	}
}
