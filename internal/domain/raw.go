package domain

// Wire shapes carried inside RawRecord.Payload. The provider client and the
// fallback collector produce them; the normalizer consumes them.

// ProviderRange is the provider's bucketed range. Bounds arrive as strings
// and the upper bound is absent for open-ended buckets.
type ProviderRange struct {
	LowerBound string `json:"lower_bound,omitempty"`
	UpperBound string `json:"upper_bound,omitempty"`
}

type ProviderTargetLocation struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Excluded bool   `json:"excluded,omitempty"`
}

type ProviderMedia struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// ProviderAd mirrors one row of the ads archive endpoint.
type ProviderAd struct {
	ID                         string                   `json:"id"`
	PageID                     string                   `json:"page_id"`
	PageName                   string                   `json:"page_name"`
	PageIsVerified             *bool                    `json:"page_is_verified,omitempty"`
	PageCategory               string                   `json:"page_category,omitempty"`
	Bylines                    string                   `json:"bylines,omitempty"`
	AdCreativeBodies           []string                 `json:"ad_creative_bodies,omitempty"`
	AdCreativeLinkTitles       []string                 `json:"ad_creative_link_titles,omitempty"`
	AdCreativeLinkDescriptions []string                 `json:"ad_creative_link_descriptions,omitempty"`
	AdCreativeLinkCaptions     []string                 `json:"ad_creative_link_captions,omitempty"`
	CallToActionType           string                   `json:"call_to_action_type,omitempty"`
	AdSnapshotURL              string                   `json:"ad_snapshot_url,omitempty"`
	AdCreationTime             string                   `json:"ad_creation_time,omitempty"`
	AdDeliveryStartTime        string                   `json:"ad_delivery_start_time,omitempty"`
	AdDeliveryStopTime         string                   `json:"ad_delivery_stop_time,omitempty"`
	Currency                   string                   `json:"currency,omitempty"`
	Impressions                *ProviderRange           `json:"impressions,omitempty"`
	Spend                      *ProviderRange           `json:"spend,omitempty"`
	Clicks                     *ProviderRange           `json:"clicks,omitempty"`
	PublisherPlatforms         []string                 `json:"publisher_platforms,omitempty"`
	Languages                  []string                 `json:"languages,omitempty"`
	TargetAges                 []string                 `json:"target_ages,omitempty"`
	TargetLocations            []ProviderTargetLocation `json:"target_locations,omitempty"`
	TargetInterests            []string                 `json:"target_interests,omitempty"`
	Media                      []ProviderMedia          `json:"media,omitempty"`
}

// ScrapedAd is what the fallback collector extracts from one ad card.
// Numeric fields are kept as the display text and parsed by the normalizer.
type ScrapedAd struct {
	ArchiveID    string   `json:"archive_id,omitempty"`
	PageID       string   `json:"page_id,omitempty"`
	PageName     string   `json:"page_name,omitempty"`
	Verified     *bool    `json:"verified,omitempty"`
	Category     string   `json:"category,omitempty"`
	Body         string   `json:"body,omitempty"`
	Title        string   `json:"title,omitempty"`
	Description  string   `json:"description,omitempty"`
	CallToAction string   `json:"call_to_action,omitempty"`
	LandingURL   string   `json:"landing_url,omitempty"`
	Images       []string `json:"images,omitempty"`
	Videos       []string `json:"videos,omitempty"`
	Platforms    []string `json:"platforms,omitempty"`
	Countries    []string `json:"countries,omitempty"`
	Impressions  string   `json:"impressions,omitempty"`
	Spend        string   `json:"spend,omitempty"`
	Currency     string   `json:"currency,omitempty"`
	StartedOn    string   `json:"started_on,omitempty"`
	EndedOn      string   `json:"ended_on,omitempty"`
	Status       string   `json:"status,omitempty"`
}
