package service

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// RecommendationInput carries everything the rule table inspects.
type RecommendationInput struct {
	Category     domain.RiskCategory
	Features     *domain.FeatureVector
	Attributions []domain.Attribution
	Flags        map[string]bool
}

// RecommendationRule pairs a predicate with the template it emits.
type RecommendationRule struct {
	Code     string
	Template Template
	Applies  func(in *RecommendationInput, features map[string]float64) bool
}

// RecommendationOptions configures the engine beyond its catalog.
type RecommendationOptions struct {
	LowAdherenceThreshold float64
	TopK                  int
	MinContribution       float64
}

// RecommendationEngine evaluates an ordered rule table built once from a TemplateCatalog.
// It holds no mutable state and is safe for concurrent use.
type RecommendationEngine struct {
	logger       *logrus.Logger
	opts         RecommendationOptions
	rules        []RecommendationRule
	featureRules map[string][]FeatureTemplate
}

// NewRecommendationEngine validates the catalog and builds the rule table.
func NewRecommendationEngine(catalog *TemplateCatalog, opts RecommendationOptions, logger *logrus.Logger) (*RecommendationEngine, error) {
	if catalog == nil {
		return nil, fmt.Errorf("template catalog is required")
	}
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid template catalog: %w", err)
	}
	if opts.TopK < 0 {
		return nil, domain.NewValidationError("top_k_attributions", "must not be negative", opts.TopK)
	}

	if opts.LowAdherenceThreshold <= 0 {
		opts.LowAdherenceThreshold = domain.DefaultLowAdherenceThreshold
	}

	e := &RecommendationEngine{
		logger:       logger,
		opts:         opts,
		featureRules: make(map[string][]FeatureTemplate),
	}
	e.initializeRules(catalog)

	e.logger.WithFields(logrus.Fields{
		"rule_count":         len(e.rules),
		"feature_rule_count": len(catalog.FeatureRules),
	}).Debug("Initialized recommendation rules")

	return e, nil
}

// NewRecommendationEngineFromConfig builds an engine from the assessment configuration,
// loading the templates file when one is configured.
func NewRecommendationEngineFromConfig(cfg domain.AssessmentConfig, logger *logrus.Logger) (*RecommendationEngine, error) {
	catalog := DefaultTemplateCatalog()
	if cfg.TemplatesFile != "" {
		loaded, err := LoadTemplateCatalog(cfg.TemplatesFile)
		if err != nil {
			return nil, err
		}
		catalog = loaded
	}
	return NewRecommendationEngine(catalog, RecommendationOptions{
		LowAdherenceThreshold: cfg.Adherence.LowThreshold,
		TopK:                  cfg.TopKAttributions,
		MinContribution:       cfg.MinContribution,
	}, logger)
}

func (e *RecommendationEngine) initializeRules(catalog *TemplateCatalog) {
	for _, category := range []domain.RiskCategory{domain.RiskLow, domain.RiskMedium, domain.RiskHigh} {
		category := category
		for _, t := range catalog.Base[category] {
			e.addRule("base:"+category.String(), t, func(in *RecommendationInput, _ map[string]float64) bool {
				return in.Category == category
			})
		}
	}

	for _, ct := range catalog.Comorbidities {
		flag := ct.Flag
		e.addRule("comorbidity:"+flag, ct.Template, func(in *RecommendationInput, _ map[string]float64) bool {
			return in.Flags[flag]
		})
	}

	// Most severe first; each tier covers [previous bound, own bound).
	lower := 0.0
	for _, tier := range catalog.sortedTiers() {
		from, below := lower, tier.Below
		threshold := e.opts.LowAdherenceThreshold
		e.addRule("adherence:"+tier.Name, tier.Template, func(_ *RecommendationInput, features map[string]float64) bool {
			mean, ok := features[domain.FeatureAdherenceMean]
			return ok && mean < threshold && mean < below && mean >= from
		})
		lower = tier.Below
	}

	for _, fr := range catalog.FeatureRules {
		e.featureRules[fr.Feature] = append(e.featureRules[fr.Feature], fr)
	}
}

func (e *RecommendationEngine) addRule(code string, t Template, applies func(in *RecommendationInput, features map[string]float64) bool) {
	e.rules = append(e.rules, RecommendationRule{
		Code:     code,
		Template: t,
		Applies:  applies,
	})
}

// Rules returns the ordered rule table.
func (e *RecommendationEngine) Rules() []RecommendationRule {
	return e.rules
}

// Generate evaluates the rule table, then feature rules for the top risk drivers, and
// returns recommendations deduplicated by (category, title) and stable-sorted by priority.
func (e *RecommendationEngine) Generate(in *RecommendationInput) []domain.Recommendation {
	features := map[string]float64{}
	if in.Features != nil {
		features = in.Features.Map()
	}

	recommendations := make([]domain.Recommendation, 0, 8)
	for _, rule := range e.rules {
		if rule.Applies(in, features) {
			recommendations = append(recommendations, rule.Template.Render(in.Category, features))
		}
	}

	for _, driver := range e.riskDrivers(in.Attributions) {
		if t, ok := e.matchFeatureRule(driver, features); ok {
			recommendations = append(recommendations, t.Render(in.Category, features))
		}
	}

	recommendations = deduplicateRecommendations(recommendations)
	sort.SliceStable(recommendations, func(i, j int) bool {
		return recommendations[i].Priority.Rank() < recommendations[j].Priority.Rank()
	})

	e.logger.WithFields(logrus.Fields{
		"category":        in.Category,
		"recommendations": len(recommendations),
		"attributions":    len(in.Attributions),
	}).Debug("Generated recommendations")

	return recommendations
}

// riskDrivers keeps attributions that raise risk by more than the minimum contribution,
// ranked by magnitude, up to top-K.
func (e *RecommendationEngine) riskDrivers(attributions []domain.Attribution) []domain.Attribution {
	ranked := make([]domain.Attribution, len(attributions))
	copy(ranked, attributions)
	RankAttributions(ranked)

	drivers := make([]domain.Attribution, 0, e.opts.TopK)
	for _, a := range ranked {
		if len(drivers) == e.opts.TopK {
			break
		}
		if a.Contribution > e.opts.MinContribution {
			drivers = append(drivers, a)
		}
	}
	return drivers
}

func (e *RecommendationEngine) matchFeatureRule(driver domain.Attribution, features map[string]float64) (Template, bool) {
	value, ok := features[driver.Feature]
	if !ok {
		value = driver.Value
	}
	for _, fr := range e.featureRules[driver.Feature] {
		if fr.MinValue == nil || value >= *fr.MinValue {
			return fr.Template, true
		}
	}
	return Template{}, false
}

func deduplicateRecommendations(recommendations []domain.Recommendation) []domain.Recommendation {
	seen := make(map[string]bool, len(recommendations))
	unique := recommendations[:0]
	for _, r := range recommendations {
		if seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		unique = append(unique, r)
	}
	return unique
}
