package publisher

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/quflux/publisher/internal/models"
)

// Twitter publishes through the v2 tweets endpoint.
type Twitter struct {
	client *http.Client

	// BaseURL is overridable for tests.
	BaseURL string
}

func NewTwitter(client *http.Client) *Twitter {
	return &Twitter{client: client, BaseURL: "https://api.x.com"}
}

func (t *Twitter) Platform() string { return models.PlatformTwitter }

type tweetRequest struct {
	Text string `json:"text"`
}

type tweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (t *Twitter) Publish(ctx context.Context, content models.PostContent, token string) (Result, error) {
	text := content.Text
	if content.LinkPreview != "" {
		text += "\n" + content.LinkPreview
	}
	return postJSON(ctx, t.client, t.BaseURL+"/2/tweets", token, tweetRequest{Text: text},
		func(status int, header http.Header, body []byte) (Result, error) {
			if status != http.StatusCreated && status != http.StatusOK {
				return Result{}, classifyStatus(status, header, body)
			}
			var out tweetResponse
			if err := json.Unmarshal(body, &out); err != nil || out.Data.ID == "" {
				return Result{}, &Error{Class: models.ClassTransient, Reason: "tweet response missing id"}
			}
			return Result{RemotePostID: out.Data.ID}, nil
		})
}
