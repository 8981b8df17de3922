package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/loopmesh/dm-ingest/internal/models"
)

// ProfileResolver looks up a display profile for a platform user.
type ProfileResolver interface {
	Lookup(ctx context.Context, platformAccountID, userID string) (*models.DisplayProfile, error)
}

// GraphClient resolves profiles against the platform's Graph-style
// HTTP API.
type GraphClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

func NewGraphClient(baseURL, accessToken string, timeout time.Duration) *GraphClient {
	return &GraphClient{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type graphProfileResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Username   string `json:"username"`
	ProfilePic string `json:"profile_pic"`
}

func (c *GraphClient) Lookup(ctx context.Context, platformAccountID, userID string) (*models.DisplayProfile, error) {
	q := url.Values{}
	q.Set("fields", "name,username,profile_pic")
	q.Set("access_token", c.accessToken)

	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, url.PathEscape(userID), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile lookup returned %d", resp.StatusCode)
	}

	var body graphProfileResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &models.DisplayProfile{
		UserID:    userID,
		Name:      body.Name,
		Username:  body.Username,
		AvatarURL: body.ProfilePic,
	}, nil
}
