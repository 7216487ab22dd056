package usecase

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"adlens/internal/domain"
)

// EstimatePolicy turns a reported min/max range into one number. The
// provider only publishes buckets, so every aggregate is an estimate.
type EstimatePolicy interface {
	Name() string
	Estimate(lo, hi *float64) (float64, bool)
}

// MidpointPolicy uses the centre of the range, or the only known bound.
type MidpointPolicy struct{}

func (MidpointPolicy) Name() string { return "midpoint" }

func (MidpointPolicy) Estimate(lo, hi *float64) (float64, bool) {
	if m := midpoint(lo, hi); m != nil {
		return *m, true
	}
	return 0, false
}

// LowerBoundPolicy uses the guaranteed minimum.
type LowerBoundPolicy struct{}

func (LowerBoundPolicy) Name() string { return "lower_bound" }

func (LowerBoundPolicy) Estimate(lo, hi *float64) (float64, bool) {
	switch {
	case lo != nil:
		return *lo, true
	case hi != nil:
		return 0, true
	}
	return 0, false
}

// PolicyByName resolves the AGGREGATION_POLICY setting.
func PolicyByName(name string) (EstimatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "midpoint":
		return MidpointPolicy{}, nil
	case "lower_bound", "lowerbound":
		return LowerBoundPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown aggregation policy %q", name)
}

const (
	topicLimit    = 10
	minTopicRunes = 3
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "you": {}, "your": {}, "with": {}, "our": {},
	"are": {}, "this": {}, "that": {}, "from": {}, "all": {}, "now": {}, "get": {},
	"can": {}, "more": {}, "new": {}, "not": {}, "but": {}, "has": {}, "have": {},
	"was": {}, "will": {}, "its": {}, "it's": {}, "just": {}, "out": {}, "into": {},
	"who": {}, "what": {}, "when": {}, "how": {}, "why": {}, "than": {}, "then": {},
	"they": {}, "them": {}, "their": {}, "there": {}, "here": {}, "about": {}, "over": {},
	"only": {}, "also": {}, "any": {}, "each": {}, "every": {}, "one": {}, "yours": {},
	"been": {}, "were": {}, "which": {}, "these": {}, "those": {}, "such": {}, "very": {},
	"http": {}, "https": {}, "www": {}, "com": {},
}

// AggregationEngine rolls grouped ads into competitor and market metrics.
type AggregationEngine struct {
	policy EstimatePolicy
}

func NewAggregationEngine(policy EstimatePolicy) *AggregationEngine {
	if policy == nil {
		policy = MidpointPolicy{}
	}
	return &AggregationEngine{policy: policy}
}

func (e *AggregationEngine) Policy() EstimatePolicy {
	return e.policy
}

// Aggregate computes the analysis for pages in the given order. Pages with an
// error are listed with zero metrics.
func (e *AggregationEngine) Aggregate(pages []domain.CompetitorPageData) *domain.AnalysisResult {
	result := &domain.AnalysisResult{
		EstimatePolicy:  e.policy.Name(),
		Competitors:     make([]domain.CompetitorComparison, 0, len(pages)),
		TrendingTopics:  []domain.TopicCount{},
		Recommendations: []string{},
	}

	spends := make([]float64, len(pages))
	for i, page := range pages {
		cmp := domain.CompetitorComparison{Brand: page.PageName}
		if page.Error != "" {
			cmp.Error = page.Error
			result.Competitors = append(result.Competitors, cmp)
			continue
		}

		cmp.Metrics, spends[i] = e.summarize(page.Ads)
		cmp.CreativeTypes = creativeHistogram(page.Ads)
		cmp.AdFrequency = adFrequency(page.Ads)

		result.TotalAds += cmp.Metrics.TotalAds
		result.TotalImpressions += cmp.Metrics.TotalImpressions
		result.TotalSpend += spends[i]
		result.FormatTrends.Add(cmp.CreativeTypes)
		result.Competitors = append(result.Competitors, cmp)
	}

	for i := range result.Competitors {
		if result.TotalSpend > 0 {
			result.Competitors[i].MarketShare = round4(spends[i] / result.TotalSpend)
		}
	}
	result.TotalImpressions = round2(result.TotalImpressions)
	result.TotalSpend = round2(result.TotalSpend)

	result.TrendingTopics = trendingTopics(pages)
	result.Recommendations = recommendations(result)
	return result
}

// summarize returns the competitor metrics and its unrounded spend estimate.
func (e *AggregationEngine) summarize(ads []domain.NormalizedAd) (domain.MetricsSummary, float64) {
	var m domain.MetricsSummary
	var spend float64
	var cpmWeighted, cpmWeight, ctrWeighted, ctrWeight float64

	m.TotalAds = len(ads)
	for _, ad := range ads {
		if ad.IsActive {
			m.ActiveAds++
		}
		imp, impKnown := e.policy.Estimate(toFloat(ad.ImpressionsMin), toFloat(ad.ImpressionsMax))
		if impKnown {
			m.TotalImpressions += imp
		}
		if s, ok := e.policy.Estimate(ad.SpendMin, ad.SpendMax); ok {
			spend += s
		}
		if !impKnown || imp <= 0 {
			continue
		}
		if ad.DerivedCPM != nil {
			cpmWeighted += *ad.DerivedCPM * imp
			cpmWeight += imp
		}
		if ad.DerivedCTR != nil {
			ctrWeighted += *ad.DerivedCTR * imp
			ctrWeight += imp
		}
	}

	if cpmWeight > 0 {
		v := round4(cpmWeighted / cpmWeight)
		m.AvgCPM = &v
	}
	if ctrWeight > 0 {
		v := round4(ctrWeighted / ctrWeight)
		m.AvgCTR = &v
	}
	m.TotalImpressions = round2(m.TotalImpressions)
	m.TotalSpend = round2(spend)
	return m, spend
}

func creativeHistogram(ads []domain.NormalizedAd) domain.CreativeHistogram {
	var h domain.CreativeHistogram
	for _, ad := range ads {
		switch {
		case ad.HasVideo:
			h.Video++
		case len(ad.ImageURLs) > 1:
			h.Carousel++
		default:
			h.Image++
		}
	}
	return h
}

// adFrequency is ads launched per week over the observed delivery span,
// never spreading over less than one week.
func adFrequency(ads []domain.NormalizedAd) float64 {
	if len(ads) == 0 {
		return 0
	}
	var first, last time.Time
	for _, ad := range ads {
		if ad.StartDate == nil {
			continue
		}
		end := ad.LastSeenDate
		if ad.EndDate != nil {
			end = *ad.EndDate
		}
		if first.IsZero() || ad.StartDate.Before(first) {
			first = *ad.StartDate
		}
		if end.After(last) {
			last = end
		}
	}
	weeks := 1.0
	if !first.IsZero() && last.After(first) {
		weeks = math.Max(1, last.Sub(first).Hours()/(24*7))
	}
	return round2(float64(len(ads)) / weeks)
}

// trendingTopics counts body-text tokens; ties keep first-seen order.
func trendingTopics(pages []domain.CompetitorPageData) []domain.TopicCount {
	counts := make(map[string]int)
	var order []string
	for _, page := range pages {
		if page.Error != "" {
			continue
		}
		for _, ad := range page.Ads {
			if ad.BodyText == nil {
				continue
			}
			for _, tok := range tokenize(*ad.BodyText) {
				if _, seen := counts[tok]; !seen {
					order = append(order, tok)
				}
				counts[tok]++
			}
		}
	}

	topics := make([]domain.TopicCount, 0, len(order))
	for _, tok := range order {
		topics = append(topics, domain.TopicCount{Topic: tok, Count: counts[tok]})
	}
	sort.SliceStable(topics, func(i, j int) bool {
		return topics[i].Count > topics[j].Count
	})
	if len(topics) > topicLimit {
		topics = topics[:topicLimit]
	}
	return topics
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if len([]rune(f)) < minTopicRunes {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if strings.IndexFunc(f, unicode.IsLetter) < 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

func recommendations(r *domain.AnalysisResult) []string {
	var recs []string

	var failed []string
	for _, c := range r.Competitors {
		if c.Error != "" {
			failed = append(failed, c.Brand)
		}
	}

	if r.TotalAds == 0 {
		recs = append(recs, "No ads were collected; widen the query, region or date range and run the job again.")
		if len(failed) > 0 {
			recs = append(recs, "Data could not be collected for "+strings.Join(failed, ", ")+"; retry those pages.")
		}
		return recs
	}

	formats := r.FormatTrends
	if total := formats.Total(); total > 0 {
		videoShare := float64(formats.Video) / float64(total)
		if videoShare < 0.3 {
			recs = append(recs, fmt.Sprintf("Only %.0f%% of competitor ads use video; video creatives can stand out.", videoShare*100))
		} else {
			recs = append(recs, fmt.Sprintf("Video accounts for %.0f%% of competitor ads; keep video in the creative mix.", videoShare*100))
		}
		if formats.Carousel == 0 {
			recs = append(recs, "No competitor runs carousel ads; carousel formats are uncontested.")
		}
	}

	leader := -1
	for i, c := range r.Competitors {
		if c.Error != "" || c.MarketShare <= 0 {
			continue
		}
		if leader < 0 || c.MarketShare > r.Competitors[leader].MarketShare {
			leader = i
		}
	}
	if leader >= 0 {
		c := r.Competitors[leader]
		recs = append(recs, fmt.Sprintf("%s leads estimated spend with a %.0f%% share across %d active ads; benchmark against it.",
			c.Brand, c.MarketShare*100, c.Metrics.ActiveAds))
	}

	if len(r.TrendingTopics) > 0 {
		n := min(3, len(r.TrendingTopics))
		names := make([]string, n)
		for i := 0; i < n; i++ {
			names[i] = r.TrendingTopics[i].Topic
		}
		recs = append(recs, "Common messaging themes: "+strings.Join(names, ", ")+"; test creatives that own or counter them.")
	}

	if len(failed) > 0 {
		recs = append(recs, "Data could not be collected for "+strings.Join(failed, ", ")+"; retry those pages.")
	}
	return recs
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
