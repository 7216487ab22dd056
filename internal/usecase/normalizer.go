package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"adlens/internal/domain"
)

// Normalizer turns raw strategy payloads into NormalizedAd values. It is
// stateless; the same record always yields the same result.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize converts one raw record. Exactly one of the return values is
// non-nil.
func (n *Normalizer) Normalize(raw domain.RawRecord) (*domain.NormalizedAd, *domain.SkippedRecord) {
	if len(raw.Payload) == 0 {
		return nil, &domain.SkippedRecord{Reason: domain.SkipUndecodable, Detail: "empty payload"}
	}

	switch raw.Source {
	case domain.StrategyFallback:
		var s domain.ScrapedAd
		if err := json.Unmarshal(raw.Payload, &s); err != nil {
			return nil, &domain.SkippedRecord{Reason: domain.SkipUndecodable, Detail: err.Error()}
		}
		return n.fromScraped(s, raw)
	default:
		var p domain.ProviderAd
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return nil, &domain.SkippedRecord{Reason: domain.SkipUndecodable, Detail: err.Error()}
		}
		return n.fromProvider(p, raw)
	}
}

func (n *Normalizer) fromProvider(p domain.ProviderAd, raw domain.RawRecord) (*domain.NormalizedAd, *domain.SkippedRecord) {
	pageName := strings.TrimSpace(p.PageName)
	if pageName == "" {
		pageName = strings.TrimSpace(p.Bylines)
	}
	if pageName == "" && strings.TrimSpace(p.PageID) == "" {
		return nil, &domain.SkippedRecord{Reason: domain.SkipMissingAdvertiser, Detail: recordID(p.ID, raw)}
	}

	ad := baseAd(raw)
	ad.ID = recordID(p.ID, raw)
	ad.SourcePlatform = sourcePlatform(raw.Platform, p.PublisherPlatforms)
	ad.PageID = strings.TrimSpace(p.PageID)
	ad.PageName = pageName
	ad.Verified = p.PageIsVerified
	ad.Category = optString(p.PageCategory)

	ad.BodyText = firstString(p.AdCreativeBodies)
	ad.Title = firstString(p.AdCreativeLinkTitles)
	ad.Description = firstString(p.AdCreativeLinkDescriptions)
	ad.CallToAction = optString(p.CallToActionType)
	if caption := firstString(p.AdCreativeLinkCaptions); caption != nil {
		u := *caption
		if !strings.Contains(u, "://") {
			u = "https://" + u
		}
		ad.LandingURL = &u
	}
	for _, m := range p.Media {
		url := strings.TrimSpace(m.URL)
		if url == "" {
			continue
		}
		if strings.EqualFold(m.Type, "video") {
			ad.VideoURLs = append(ad.VideoURLs, url)
		} else {
			ad.ImageURLs = append(ad.ImageURLs, url)
		}
	}
	ad.HasVideo = len(ad.VideoURLs) > 0

	if ad.BodyText == nil && ad.MediaCount() == 0 {
		return nil, &domain.SkippedRecord{Reason: domain.SkipMissingCreative, Detail: ad.ID}
	}

	for _, loc := range p.TargetLocations {
		if loc.Excluded || strings.TrimSpace(loc.Name) == "" {
			continue
		}
		if loc.Type != "" && !strings.EqualFold(loc.Type, "country") {
			continue
		}
		ad.Countries = append(ad.Countries, strings.TrimSpace(loc.Name))
	}
	ad.AgeMin, ad.AgeMax = parseAgeBuckets(p.TargetAges)
	if len(p.TargetInterests) > 0 {
		ad.Interests = append([]string(nil), p.TargetInterests...)
	}

	var skip *domain.SkippedRecord
	if ad.ImpressionsMin, ad.ImpressionsMax, skip = providerIntRange(p.Impressions, "impressions", ad.ID); skip != nil {
		return nil, skip
	}
	if ad.SpendMin, ad.SpendMax, skip = providerFloatRange(p.Spend, "spend", ad.ID); skip != nil {
		return nil, skip
	}
	ad.Currency = optString(p.Currency)

	clicksMin, clicksMax, skip := providerIntRange(p.Clicks, "clicks", ad.ID)
	if skip != nil {
		return nil, skip
	}
	deriveRates(&ad, clicksMin, clicksMax)

	ad.StartDate = parseTime(p.AdDeliveryStartTime)
	ad.EndDate = parseTime(p.AdDeliveryStopTime)
	ad.CreatedDate = parseTime(p.AdCreationTime)
	ad.IsActive = ad.EndDate == nil || ad.EndDate.After(raw.FetchedAt)

	return &ad, nil
}

func (n *Normalizer) fromScraped(s domain.ScrapedAd, raw domain.RawRecord) (*domain.NormalizedAd, *domain.SkippedRecord) {
	if strings.TrimSpace(s.PageName) == "" && strings.TrimSpace(s.PageID) == "" {
		return nil, &domain.SkippedRecord{Reason: domain.SkipMissingAdvertiser, Detail: recordID(s.ArchiveID, raw)}
	}

	ad := baseAd(raw)
	ad.ID = recordID(s.ArchiveID, raw)
	ad.SourcePlatform = sourcePlatform(raw.Platform, s.Platforms)
	ad.PageID = strings.TrimSpace(s.PageID)
	ad.PageName = strings.TrimSpace(s.PageName)
	ad.Verified = s.Verified
	ad.Category = optString(s.Category)

	ad.BodyText = optString(s.Body)
	ad.Title = optString(s.Title)
	ad.Description = optString(s.Description)
	ad.CallToAction = optString(s.CallToAction)
	ad.LandingURL = optString(s.LandingURL)
	ad.ImageURLs = nonEmpty(s.Images)
	ad.VideoURLs = nonEmpty(s.Videos)
	ad.HasVideo = len(ad.VideoURLs) > 0

	if ad.BodyText == nil && ad.MediaCount() == 0 {
		return nil, &domain.SkippedRecord{Reason: domain.SkipMissingCreative, Detail: ad.ID}
	}

	ad.Countries = nonEmpty(s.Countries)

	impMin, impMax, ok := parseDisplayRange(s.Impressions)
	if !ok {
		return nil, &domain.SkippedRecord{Reason: domain.SkipInvertedRange, Detail: fmt.Sprintf("%s: impressions %q", ad.ID, s.Impressions)}
	}
	ad.ImpressionsMin, ad.ImpressionsMax, ok = roundRange(impMin, impMax)
	if !ok {
		return nil, &domain.SkippedRecord{Reason: domain.SkipOutOfRange, Detail: fmt.Sprintf("%s: impressions %q", ad.ID, s.Impressions)}
	}

	spendMin, spendMax, ok := parseDisplayRange(s.Spend)
	if !ok {
		return nil, &domain.SkippedRecord{Reason: domain.SkipInvertedRange, Detail: fmt.Sprintf("%s: spend %q", ad.ID, s.Spend)}
	}
	ad.SpendMin, ad.SpendMax = spendMin, spendMax

	ad.Currency = optString(s.Currency)
	if ad.Currency == nil {
		ad.Currency = currencyFromSymbol(s.Spend)
	}
	deriveRates(&ad, nil, nil)

	ad.StartDate = parseTime(s.StartedOn)
	ad.EndDate = parseTime(s.EndedOn)
	switch strings.ToLower(strings.TrimSpace(s.Status)) {
	case "active":
		ad.IsActive = true
	case "inactive":
		ad.IsActive = false
	default:
		ad.IsActive = ad.EndDate == nil || ad.EndDate.After(raw.FetchedAt)
	}

	return &ad, nil
}

func baseAd(raw domain.RawRecord) domain.NormalizedAd {
	fetched := raw.FetchedAt.UTC()
	return domain.NormalizedAd{
		Source:       raw.Source,
		ScrapedAt:    fetched,
		LastSeenDate: fetched,
		RunID:        raw.RunID,
	}
}

// recordID uses the provider identifier, or a stable digest of the payload.
func recordID(id string, raw domain.RawRecord) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	sum := sha256.Sum256(raw.Payload)
	return "derived-" + hex.EncodeToString(sum[:8])
}

func sourcePlatform(requested string, platforms []string) string {
	if p := strings.ToLower(strings.TrimSpace(requested)); p != "" && p != "all" {
		return p
	}
	for _, p := range platforms {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			return p
		}
	}
	return "facebook"
}

// deriveRates fills CPM (spend per thousand impressions) and CTR (clicks
// per impression) from range midpoints when both sides are known.
func deriveRates(ad *domain.NormalizedAd, clicksMin, clicksMax *int64) {
	imp := midpoint(toFloat(ad.ImpressionsMin), toFloat(ad.ImpressionsMax))
	if imp == nil || *imp <= 0 {
		return
	}
	if spend := midpoint(ad.SpendMin, ad.SpendMax); spend != nil {
		cpm := round4(*spend / *imp * 1000)
		ad.DerivedCPM = &cpm
	}
	if clicks := midpoint(toFloat(clicksMin), toFloat(clicksMax)); clicks != nil {
		ctr := round4(*clicks / *imp)
		ad.DerivedCTR = &ctr
	}
}

// midpoint of a range; a single known bound stands in for the range.
func midpoint(lo, hi *float64) *float64 {
	switch {
	case lo != nil && hi != nil:
		m := (*lo + *hi) / 2
		return &m
	case lo != nil:
		m := *lo
		return &m
	case hi != nil:
		m := *hi
		return &m
	}
	return nil
}

func providerIntRange(r *domain.ProviderRange, field, id string) (*int64, *int64, *domain.SkippedRecord) {
	if r == nil {
		return nil, nil, nil
	}
	lo, hi, ok := parseBounds(r.LowerBound, r.UpperBound)
	if !ok {
		return nil, nil, &domain.SkippedRecord{Reason: domain.SkipInvertedRange,
			Detail: fmt.Sprintf("%s: %s %s-%s", id, field, r.LowerBound, r.UpperBound)}
	}
	loInt, hiInt, ok := roundRange(lo, hi)
	if !ok {
		return nil, nil, &domain.SkippedRecord{Reason: domain.SkipOutOfRange,
			Detail: fmt.Sprintf("%s: %s %s-%s", id, field, r.LowerBound, r.UpperBound)}
	}
	return loInt, hiInt, nil
}

func providerFloatRange(r *domain.ProviderRange, field, id string) (*float64, *float64, *domain.SkippedRecord) {
	if r == nil {
		return nil, nil, nil
	}
	lo, hi, ok := parseBounds(r.LowerBound, r.UpperBound)
	if !ok {
		return nil, nil, &domain.SkippedRecord{Reason: domain.SkipInvertedRange,
			Detail: fmt.Sprintf("%s: %s %s-%s", id, field, r.LowerBound, r.UpperBound)}
	}
	return lo, hi, nil
}

// parseBounds reads both bounds; ok is false only for an inverted range.
func parseBounds(lower, upper string) (*float64, *float64, bool) {
	lo := parseAmount(lower)
	hi := parseAmount(upper)
	if lo != nil && hi != nil && *lo > *hi {
		return nil, nil, false
	}
	return lo, hi, true
}

// parseDisplayRange reads ranges as rendered on the ad library pages:
// "1K-5K", "<1K", "1M+", "$100 - $499", "2,000".
func parseDisplayRange(s string) (*float64, *float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil, true
	}
	if rest, ok := strings.CutPrefix(s, "<"); ok {
		zero := 0.0
		return &zero, parseAmount(rest), true
	}
	if rest, ok := strings.CutPrefix(s, ">"); ok {
		return parseAmount(rest), nil, true
	}
	if rest, ok := strings.CutSuffix(s, "+"); ok {
		return parseAmount(rest), nil, true
	}
	for _, sep := range []string{" - ", "–", "-"} {
		if lower, upper, ok := strings.Cut(s, sep); ok {
			return parseBounds(lower, upper)
		}
	}
	v := parseAmount(s)
	return v, v, true
}

// parseAmount parses "1,500", "$2.5K", "1M"; nil when unparseable.
func parseAmount(s string) *float64 {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "$€£¥₹ ")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return nil
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1e3
	case 'm', 'M':
		mult = 1e6
	case 'b', 'B':
		mult = 1e9
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	v *= mult
	if math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func currencyFromSymbol(s string) *string {
	s = strings.TrimSpace(s)
	var code string
	switch {
	case strings.HasPrefix(s, "$"):
		code = "USD"
	case strings.HasPrefix(s, "€"):
		code = "EUR"
	case strings.HasPrefix(s, "£"):
		code = "GBP"
	case strings.HasPrefix(s, "¥"):
		code = "JPY"
	case strings.HasPrefix(s, "₹"):
		code = "INR"
	default:
		return nil
	}
	return &code
}

// parseAgeBuckets reads "18-24", "65+" or bare ages; an open top bucket
// leaves the maximum unknown.
func parseAgeBuckets(buckets []string) (*int, *int) {
	var minAge, maxAge *int
	openTop := false
	for _, b := range buckets {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		open := strings.HasSuffix(b, "+")
		b = strings.TrimSuffix(b, "+")
		lower, upper, hasUpper := strings.Cut(b, "-")
		lo, err := strconv.Atoi(strings.TrimSpace(lower))
		if err != nil {
			continue
		}
		hi := lo
		if hasUpper {
			if v, err := strconv.Atoi(strings.TrimSpace(upper)); err == nil {
				hi = v
			}
		}
		if minAge == nil || lo < *minAge {
			v := lo
			minAge = &v
		}
		if maxAge == nil || hi > *maxAge || (hi == *maxAge && open) {
			v := hi
			maxAge = &v
			openTop = open
		}
	}
	if openTop {
		return minAge, nil
	}
	return minAge, maxAge
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"Jan 2, 2006",
	"2 Jan 2006",
	"January 2, 2006",
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func optString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func firstString(ss []string) *string {
	for _, s := range ss {
		if v := optString(s); v != nil {
			return v
		}
	}
	return nil
}

func nonEmpty(ss []string) []string {
	var out []string
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func toFloat(v *int64) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}

// roundRange rounds both bounds to integers. It reports false when a bound
// does not fit in an int64.
func roundRange(lo, hi *float64) (*int64, *int64, bool) {
	a, ok := roundInt(lo)
	if !ok {
		return nil, nil, false
	}
	b, ok := roundInt(hi)
	if !ok {
		return nil, nil, false
	}
	return a, b, true
}

func roundInt(v *float64) (*int64, bool) {
	if v == nil {
		return nil, true
	}
	r := math.Round(*v)
	// float64(math.MaxInt64) is 2^63, the first value that overflows
	if math.IsNaN(r) || r >= math.MaxInt64 || r < math.MinInt64 {
		return nil, false
	}
	i := int64(r)
	return &i, true
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
