package publisher

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/quflux/publisher/internal/models"
)

// Meta publishes through the Graph API. One adapter type serves both
// Facebook page posts and Instagram media publishing; the platform tag
// selects the endpoint shape.
type Meta struct {
	client   *http.Client
	platform string

	BaseURL string
}

func NewMeta(client *http.Client, platform string) *Meta {
	return &Meta{client: client, platform: platform, BaseURL: "https://graph.facebook.com/v18.0"}
}

func (m *Meta) Platform() string { return m.platform }

type graphResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (m *Meta) Publish(ctx context.Context, content models.PostContent, token string) (Result, error) {
	var url string
	payload := map[string]any{}
	if m.platform == models.PlatformInstagram {
		// Instagram requires media; captions ride along with the first image.
		if len(content.MediaURLs) == 0 {
			return Result{}, &Error{Class: models.ClassPermanent, Reason: "instagram post requires media"}
		}
		url = m.BaseURL + "/me/media_publish"
		payload["image_url"] = content.MediaURLs[0]
		payload["caption"] = content.Text
	} else {
		url = m.BaseURL + "/me/feed"
		payload["message"] = content.Text
		if content.LinkPreview != "" {
			payload["link"] = content.LinkPreview
		}
	}

	return postJSON(ctx, m.client, url, token, payload,
		func(status int, header http.Header, body []byte) (Result, error) {
			var out graphResponse
			_ = json.Unmarshal(body, &out)
			if status != http.StatusOK && status != http.StatusCreated {
				// Graph signals expired tokens with code 190 inside a 400.
				if out.Error != nil && out.Error.Code == 190 {
					return Result{}, &Error{Class: models.ClassAuth, Reason: out.Error.Message}
				}
				if out.Error != nil && isGraphThrottle(out.Error.Code) {
					return Result{}, &Error{Class: models.ClassRateLimited, RetryAfter: parseRetryAfter(header.Get("Retry-After")), Reason: out.Error.Message}
				}
				return Result{}, classifyStatus(status, header, body)
			}
			if out.ID == "" {
				return Result{}, &Error{Class: models.ClassTransient, Reason: "graph response missing id"}
			}
			return Result{RemotePostID: out.ID}, nil
		})
}

// isGraphThrottle covers the Graph API's application and user level
// throttling codes.
func isGraphThrottle(code int) bool {
	switch code {
	case 4, 17, 32, 613:
		return true
	}
	return false
}
