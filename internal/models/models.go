package models

import (
	"time"
)

// PublicationStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusPublishing = "publishing"
	StatusPublished  = "published"
	StatusFailed     = "failed"
)

// Platform tags recognized by the publisher registry.
const (
	PlatformTwitter   = "twitter"
	PlatformLinkedIn  = "linkedin"
	PlatformFacebook  = "facebook"
	PlatformInstagram = "instagram"
)

// KnownPlatforms lists every platform tag the engine can dispatch to.
var KnownPlatforms = []string{PlatformTwitter, PlatformLinkedIn, PlatformFacebook, PlatformInstagram}

// IsKnownPlatform reports whether tag names a supported platform.
func IsKnownPlatform(tag string) bool {
	for _, p := range KnownPlatforms {
		if p == tag {
			return true
		}
	}
	return false
}

// Classification is the normalized error category an adapter maps a
// platform-specific failure into. The dispatcher and retry policy only
// ever see these values, never raw platform errors.
type Classification string

const (
	ClassNone        Classification = ""
	ClassRateLimited Classification = "rate_limited"
	ClassAuth        Classification = "auth"
	ClassTransient   Classification = "transient"
	ClassPermanent   Classification = "permanent"
)

// Terminal reports whether status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusPublished || status == StatusFailed
}

// Schedule is a request to publish one post on a set of platforms at a
// given time. Created by the authoring API; the dispatcher only flips
// IsCompleted once every publication is terminal.
type Schedule struct {
	ID            string    `json:"id"`
	PostID        string    `json:"post_id"`
	UserID        string    `json:"user_id"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Platforms     []string  `json:"platforms"`
	IsActive      bool      `json:"is_active"`
	IsCompleted   bool      `json:"is_completed"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Publication is the per-platform execution record for one schedule.
// Unique per (schedule_id, platform); that constraint is the core
// idempotence invariant.
type Publication struct {
	ID             string         `json:"id"`
	ScheduleID     string         `json:"schedule_id"`
	Platform       string         `json:"platform"`
	Status         string         `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	NextRetryAt    time.Time      `json:"next_retry_at"`
	LeaseOwner     *string        `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	RemotePostID   *string        `json:"remote_post_id,omitempty"`
	ErrorClass     Classification `json:"error_class,omitempty"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	PublishedAt    *time.Time     `json:"published_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// LeaseHeld reports whether the publication carries an unexpired lease at now.
func (p Publication) LeaseHeld(now time.Time) bool {
	return p.LeaseOwner != nil && p.LeaseExpiresAt != nil && p.LeaseExpiresAt.After(now)
}

// PlatformConnection is one user's OAuth credential pair for one platform.
// Token fields hold ciphertext; only the vault sees plaintext.
type PlatformConnection struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Platform     string     `json:"platform"`
	AccessToken  string     `json:"-"`
	RefreshToken *string    `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	IsActive     bool       `json:"is_active"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PostContent is the generic content shape handed to platform adapters.
type PostContent struct {
	Text        string   `json:"text"`
	MediaRefs   []string `json:"media_refs,omitempty"`
	MediaURLs   []string `json:"media_urls,omitempty"`
	LinkPreview string   `json:"link_preview,omitempty"`
}

// PublicationEvent is emitted on every terminal transition.
type PublicationEvent struct {
	ScheduleID   string    `json:"schedule_id"`
	Platform     string    `json:"platform"`
	Outcome      string    `json:"outcome"` // published or failed
	RemotePostID string    `json:"remote_post_id,omitempty"`
	ErrorDetail  string    `json:"error_detail,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}
