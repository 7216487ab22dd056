package domain

import "time"

// CompetitorPageData groups one advertiser's ads. When Error is set Ads is
// empty and AdsFound carries no meaning.
type CompetitorPageData struct {
	PageName   string         `json:"page_name"`
	PageURL    string         `json:"page_url"`
	AdsFound   int            `json:"ads_found"`
	Ads        []NormalizedAd `json:"ads"`
	AnalyzedAt time.Time      `json:"analyzed_at"`
	Source     Strategy       `json:"source"`
	Error      string         `json:"error,omitempty"`
}

// CreativeHistogram counts ads by creative format.
type CreativeHistogram struct {
	Image    int `json:"image"`
	Video    int `json:"video"`
	Carousel int `json:"carousel"`
}

func (h CreativeHistogram) Total() int {
	return h.Image + h.Video + h.Carousel
}

func (h *CreativeHistogram) Add(o CreativeHistogram) {
	h.Image += o.Image
	h.Video += o.Video
	h.Carousel += o.Carousel
}

// MetricsSummary holds a competitor's estimated totals. Impressions and
// spend are estimates produced by the active EstimatePolicy.
type MetricsSummary struct {
	TotalAds         int      `json:"total_ads"`
	ActiveAds        int      `json:"active_ads"`
	TotalImpressions float64  `json:"total_impressions"`
	TotalSpend       float64  `json:"total_spend"`
	AvgCPM           *float64 `json:"avg_cpm"`
	AvgCTR           *float64 `json:"avg_ctr"`
}

type CompetitorComparison struct {
	Brand         string            `json:"brand"`
	Metrics       MetricsSummary    `json:"metrics"`
	MarketShare   float64           `json:"market_share"`
	AdFrequency   float64           `json:"ad_frequency"`
	CreativeTypes CreativeHistogram `json:"creative_types"`
	Error         string            `json:"error,omitempty"`
}

type TopicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// AnalysisResult is the market-level rollup of a set of competitor pages.
type AnalysisResult struct {
	TotalAds         int                    `json:"total_ads"`
	TotalImpressions float64                `json:"total_impressions"`
	TotalSpend       float64                `json:"total_spend"`
	EstimatePolicy   string                 `json:"estimate_policy"`
	Competitors      []CompetitorComparison `json:"competitors"`
	TrendingTopics   []TopicCount           `json:"trending_topics"`
	FormatTrends     CreativeHistogram      `json:"format_trends"`
	Recommendations  []string               `json:"recommendations"`
}

// ResultsSummary is the metadata returned next to grouped job results.
type ResultsSummary struct {
	TotalAds         int      `json:"total_ads"`
	BrandsAnalyzed   int      `json:"brands_analyzed"`
	AnalysisDuration string   `json:"analysis_duration"`
	DataSources      []string `json:"data_sources"`
}

// JobResults maps brand name to its page data.
type JobResults struct {
	Results map[string]CompetitorPageData `json:"results"`
	Summary ResultsSummary                `json:"summary"`
}
