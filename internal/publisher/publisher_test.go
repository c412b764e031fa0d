package publisher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quflux/publisher/internal/models"
)

func classOf(t *testing.T, err error) *Error {
	t.Helper()
	var pe *Error
	require.True(t, errors.As(err, &pe), "adapter error must be a classified *Error, got %v", err)
	return pe
}

func TestTwitterPublishSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/2/tweets", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"1790000000000000001"}}`))
	}))
	defer srv.Close()

	tw := NewTwitter(srv.Client())
	tw.BaseURL = srv.URL

	res, err := tw.Publish(context.Background(), models.PostContent{Text: "hello"}, "tok")
	require.NoError(t, err)
	require.Equal(t, "1790000000000000001", res.RemotePostID)
}

func TestTwitterPublishRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "900")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tw := NewTwitter(srv.Client())
	tw.BaseURL = srv.URL

	_, err := tw.Publish(context.Background(), models.PostContent{Text: "hello"}, "tok")
	pe := classOf(t, err)
	require.Equal(t, models.ClassRateLimited, pe.Class)
	require.Equal(t, 900*time.Second, pe.RetryAfter)
}

func TestTwitterPublishClassifiesStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   models.Classification
	}{
		{"unauthorized", http.StatusUnauthorized, models.ClassAuth},
		{"forbidden", http.StatusForbidden, models.ClassAuth},
		{"server error", http.StatusInternalServerError, models.ClassTransient},
		{"bad gateway", http.StatusBadGateway, models.ClassTransient},
		{"bad request", http.StatusBadRequest, models.ClassPermanent},
		{"payload too large", http.StatusRequestEntityTooLarge, models.ClassPermanent},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			tw := NewTwitter(srv.Client())
			tw.BaseURL = srv.URL

			_, err := tw.Publish(context.Background(), models.PostContent{Text: "x"}, "tok")
			require.Equal(t, tc.want, classOf(t, err).Class)
		})
	}
}

func TestTwitterPublishTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can detect the
		// client disconnect; otherwise the request context never cancels
		// and srv.Close deadlocks.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	tw := NewTwitter(srv.Client())
	tw.BaseURL = srv.URL

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tw.Publish(ctx, models.PostContent{Text: "x"}, "tok")
	require.Equal(t, models.ClassTransient, classOf(t, err).Class)
}

func TestLinkedInPublishSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/ugcPosts", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"urn:li:ugcPost:12345"}`))
	}))
	defer srv.Close()

	li := NewLinkedIn(srv.Client())
	li.BaseURL = srv.URL

	res, err := li.Publish(context.Background(), models.PostContent{Text: "hello", LinkPreview: "https://example.com"}, "tok")
	require.NoError(t, err)
	require.Equal(t, "urn:li:ugcPost:12345", res.RemotePostID)
}

func TestMetaPublishFacebookSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/me/feed", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"10123456789_987654321"}`))
	}))
	defer srv.Close()

	fb := NewMeta(srv.Client(), models.PlatformFacebook)
	fb.BaseURL = srv.URL

	res, err := fb.Publish(context.Background(), models.PostContent{Text: "hello"}, "tok")
	require.NoError(t, err)
	require.Equal(t, "10123456789_987654321", res.RemotePostID)
}

func TestMetaPublishExpiredTokenIsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Error validating access token","code":190}}`))
	}))
	defer srv.Close()

	fb := NewMeta(srv.Client(), models.PlatformFacebook)
	fb.BaseURL = srv.URL

	_, err := fb.Publish(context.Background(), models.PostContent{Text: "x"}, "tok")
	require.Equal(t, models.ClassAuth, classOf(t, err).Class)
}

func TestMetaPublishThrottleIsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Application request limit reached","code":4}}`))
	}))
	defer srv.Close()

	fb := NewMeta(srv.Client(), models.PlatformFacebook)
	fb.BaseURL = srv.URL

	_, err := fb.Publish(context.Background(), models.PostContent{Text: "x"}, "tok")
	require.Equal(t, models.ClassRateLimited, classOf(t, err).Class)
}

func TestMetaPublishInstagramRequiresMedia(t *testing.T) {
	ig := NewMeta(http.DefaultClient, models.PlatformInstagram)
	_, err := ig.Publish(context.Background(), models.PostContent{Text: "no media"}, "tok")
	require.Equal(t, models.ClassPermanent, classOf(t, err).Class)
}

func TestRegistryClosedSet(t *testing.T) {
	r := NewRegistry(http.DefaultClient)
	for _, platform := range models.KnownPlatforms {
		p, ok := r.Get(platform)
		require.True(t, ok, "missing adapter for %s", platform)
		require.Equal(t, platform, p.Platform())
	}
	_, ok := r.Get("myspace")
	require.False(t, ok)
}

func TestParseRetryAfter(t *testing.T) {
	require.Equal(t, 30*time.Second, parseRetryAfter("30"))
	require.Equal(t, time.Minute, parseRetryAfter(""))
	require.Equal(t, time.Minute, parseRetryAfter("garbage"))
}
