package usecase

import (
	"sort"
	"strings"

	"adlens/internal/domain"
)

const pageURLBase = "https://www.facebook.com/"

// groupByBrand splits ads into per-advertiser pages in first-seen order.
// Requested pages that yielded nothing are listed with zero ads.
func groupByBrand(job *domain.ScrapeJob, ads []domain.NormalizedAd) []domain.CompetitorPageData {
	analyzedAt := job.CreatedAt
	if job.CompletedAt != nil {
		analyzedAt = *job.CompletedAt
	}

	index := make(map[string]int)
	var pages []domain.CompetitorPageData
	for _, ad := range ads {
		key := ad.AdvertiserKey()
		i, ok := index[key]
		if !ok {
			i = len(pages)
			index[key] = i
			pages = append(pages, domain.CompetitorPageData{
				PageName:   key,
				PageURL:    pageURL(job.Query, ad),
				AnalyzedAt: analyzedAt,
				Source:     ad.Source,
				Ads:        []domain.NormalizedAd{},
			})
		}
		pages[i].Ads = append(pages[i].Ads, ad)
		pages[i].AdsFound = len(pages[i].Ads)
	}

	failed := make(map[string]domain.PageFailure, len(job.PageErrors))
	for _, f := range job.PageErrors {
		failed[f.PageID] = f
	}
	for _, ref := range job.Query.PageRefs() {
		if matchesAny(pages, ref.ID) {
			continue
		}
		page := domain.CompetitorPageData{
			PageName:   ref.ID,
			PageURL:    ref.URL,
			AnalyzedAt: analyzedAt,
			Source:     job.StrategyUsed,
			Ads:        []domain.NormalizedAd{},
		}
		if f, ok := failed[ref.ID]; ok {
			page.Error = f.Message
		}
		pages = append(pages, page)
	}
	return pages
}

// pageURL prefers the URL the caller submitted for this advertiser.
func pageURL(q domain.JobQuery, ad domain.NormalizedAd) string {
	for _, ref := range q.PageRefs() {
		if matchesAd(ref.ID, ad) {
			return ref.URL
		}
	}
	if ad.PageID != "" {
		return pageURLBase + ad.PageID
	}
	return ""
}

func matchesAd(id string, ad domain.NormalizedAd) bool {
	return strings.EqualFold(id, ad.PageID) || strings.EqualFold(id, ad.PageName) ||
		strings.EqualFold(id, strings.ReplaceAll(ad.PageName, " ", ""))
}

func matchesAny(pages []domain.CompetitorPageData, id string) bool {
	for _, p := range pages {
		for _, ad := range p.Ads {
			if matchesAd(id, ad) {
				return true
			}
		}
	}
	return false
}

// dataSources lists the strategies that produced the ads.
func dataSources(job *domain.ScrapeJob, pages []domain.CompetitorPageData) []string {
	set := make(map[string]struct{})
	for _, p := range pages {
		for _, ad := range p.Ads {
			if ad.Source != domain.StrategyUnset {
				set[string(ad.Source)] = struct{}{}
			}
		}
	}
	if len(set) == 0 && job.StrategyUsed != domain.StrategyUnset {
		set[string(job.StrategyUsed)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
