package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/quflux/publisher/internal/models"
)

// Result is a successful publish outcome.
type Result struct {
	RemotePostID string
}

// Error is the normalized failure every adapter converts platform responses
// into. No raw platform error crosses the adapter boundary.
type Error struct {
	Class      models.Classification
	RetryAfter time.Duration // set when Class is rate_limited
	Reason     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Reason)
}

// Classify extracts the normalized classification from err, defaulting to
// transient for anything an adapter did not label.
func Classify(err error) (models.Classification, time.Duration, string) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class, pe.RetryAfter, pe.Reason
	}
	return models.ClassTransient, 0, err.Error()
}

// Publisher is the capability each platform adapter implements.
type Publisher interface {
	// Platform returns the tag the adapter serves.
	Platform() string

	// Publish posts content using token and returns the remote post id.
	// Failures are always *Error values carrying a classification.
	Publish(ctx context.Context, content models.PostContent, token string) (Result, error)
}

// Registry dispatches publish calls by platform tag over a closed adapter set.
type Registry struct {
	adapters map[string]Publisher
}

// NewRegistry builds a registry with the default adapters wired to client.
func NewRegistry(client *http.Client) *Registry {
	r := &Registry{adapters: make(map[string]Publisher)}
	r.Register(NewTwitter(client))
	r.Register(NewLinkedIn(client))
	r.Register(NewMeta(client, models.PlatformFacebook))
	r.Register(NewMeta(client, models.PlatformInstagram))
	return r
}

// Register binds an adapter to its platform tag.
func (r *Registry) Register(p Publisher) {
	r.adapters[p.Platform()] = p
}

// Get resolves the adapter for platform.
func (r *Registry) Get(platform string) (Publisher, bool) {
	p, ok := r.adapters[platform]
	return p, ok
}

// postJSON issues an authorized JSON POST and hands the response to the
// caller's decode func. Transport-level failures, including timeouts, come
// back classified transient.
func postJSON(ctx context.Context, client *http.Client, url, token string, payload any, decode func(status int, header http.Header, body []byte) (Result, error)) (Result, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{}, &Error{Class: models.ClassPermanent, Reason: fmt.Sprintf("encode request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return Result{}, &Error{Class: models.ClassPermanent, Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, &Error{Class: models.ClassTransient, Reason: fmt.Sprintf("platform call: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, &Error{Class: models.ClassTransient, Reason: fmt.Sprintf("read response: %v", err)}
	}
	return decode(resp.StatusCode, resp.Header, body)
}

// classifyStatus maps a non-2xx HTTP status to a normalized error.
func classifyStatus(status int, header http.Header, body []byte) *Error {
	reason := fmt.Sprintf("status %d: %s", status, truncate(body, 256))
	retryAfterHeader := header.Get("Retry-After")
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Class: models.ClassRateLimited, RetryAfter: parseRetryAfter(retryAfterHeader), Reason: reason}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Class: models.ClassAuth, Reason: reason}
	case status >= 500:
		return &Error{Class: models.ClassTransient, Reason: reason}
	default:
		return &Error{Class: models.ClassPermanent, Reason: reason}
	}
}

// parseRetryAfter reads a Retry-After header, falling back to one minute
// when the platform sent none or something unparseable.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return time.Minute
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Minute
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
