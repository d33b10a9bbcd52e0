package mastodon

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

func (c *Client) GetAccount(ctx context.Context, id string) (*Account, error) {
	var out Account
	_, err := c.do(ctx, "get_account", http.MethodGet, "/api/v1/accounts/"+id, nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) VerifyCredentials(ctx context.Context) (*Account, error) {
	var out Account
	_, err := c.do(ctx, "verify_credentials", http.MethodGet, "/api/v1/accounts/verify_credentials", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type StatusesParams struct {
	Limit          int
	MaxID          string
	MinID          string
	SinceID        string
	ExcludeReblogs bool
	ExcludeReplies bool
	OnlyMedia      bool
	Pinned         bool
	Tagged         string
}

func (p StatusesParams) values() url.Values {
	v := url.Values{}
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.MaxID != "" {
		v.Set("max_id", p.MaxID)
	}
	if p.MinID != "" {
		v.Set("min_id", p.MinID)
	}
	if p.SinceID != "" {
		v.Set("since_id", p.SinceID)
	}
	if p.ExcludeReblogs {
		v.Set("exclude_reblogs", "true")
	}
	if p.ExcludeReplies {
		v.Set("exclude_replies", "true")
	}
	if p.OnlyMedia {
		v.Set("only_media", "true")
	}
	if p.Pinned {
		v.Set("pinned", "true")
	}
	if p.Tagged != "" {
		v.Set("tagged", p.Tagged)
	}
	return v
}

// GetAccountStatuses lists recent statuses for one account. The second return
// value is the opaque cursor for the next page, empty at the end.
func (c *Client) GetAccountStatuses(ctx context.Context, id string, params StatusesParams) ([]*Status, string, error) {
	var out []*Status
	next, err := c.do(ctx, "account_statuses", http.MethodGet, "/api/v1/accounts/"+id+"/statuses", params.values(), nil, &out)
	if err != nil {
		return nil, "", err
	}
	return out, next, nil
}
