package publisher

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/quflux/publisher/internal/models"
)

// LinkedIn publishes UGC posts on behalf of the connected member.
type LinkedIn struct {
	client *http.Client

	BaseURL string
}

func NewLinkedIn(client *http.Client) *LinkedIn {
	return &LinkedIn{client: client, BaseURL: "https://api.linkedin.com"}
}

func (l *LinkedIn) Platform() string { return models.PlatformLinkedIn }

type ugcPostRequest struct {
	LifecycleState  string         `json:"lifecycleState"`
	SpecificContent map[string]any `json:"specificContent"`
	Visibility      map[string]any `json:"visibility"`
}

type ugcPostResponse struct {
	ID string `json:"id"`
}

func (l *LinkedIn) Publish(ctx context.Context, content models.PostContent, token string) (Result, error) {
	shareContent := map[string]any{
		"shareCommentary":    map[string]any{"text": content.Text},
		"shareMediaCategory": "NONE",
	}
	if len(content.MediaURLs) > 0 {
		media := make([]map[string]any, 0, len(content.MediaURLs))
		for _, u := range content.MediaURLs {
			media = append(media, map[string]any{"status": "READY", "originalUrl": u})
		}
		shareContent["shareMediaCategory"] = "IMAGE"
		shareContent["media"] = media
	} else if content.LinkPreview != "" {
		shareContent["shareMediaCategory"] = "ARTICLE"
		shareContent["media"] = []map[string]any{{"status": "READY", "originalUrl": content.LinkPreview}}
	}

	payload := ugcPostRequest{
		LifecycleState: "PUBLISHED",
		SpecificContent: map[string]any{
			"com.linkedin.ugc.ShareContent": shareContent,
		},
		Visibility: map[string]any{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}

	return postJSON(ctx, l.client, l.BaseURL+"/v2/ugcPosts", token, payload,
		func(status int, header http.Header, body []byte) (Result, error) {
			if status != http.StatusCreated && status != http.StatusOK {
				return Result{}, classifyStatus(status, header, body)
			}
			var out ugcPostResponse
			if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
				return Result{}, &Error{Class: models.ClassTransient, Reason: "ugc post response missing id"}
			}
			return Result{RemotePostID: out.ID}, nil
		})
}
