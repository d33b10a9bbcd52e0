package mastodon

import (
	"context"
	"net/http"
	"net/url"
)

func (c *Client) GetInstance(ctx context.Context) (*Instance, error) {
	var out Instance
	_, err := c.do(ctx, "instance", http.MethodGet, "/api/v1/instance", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetInstanceRules(ctx context.Context) ([]InstanceRule, error) {
	var out []InstanceRule
	_, err := c.do(ctx, "instance_rules", http.MethodGet, "/api/v1/instance/rules", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OAuthToken exchanges an authorization code for an access token.
func (c *Client) OAuthToken(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	var out TokenResponse
	_, err := c.do(ctx, "oauth_token", http.MethodPost, "/oauth/token", nil, form, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
