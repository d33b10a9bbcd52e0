package mastodon

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

type AdminAccountsParams struct {
	Origin string
	Status string
	Limit  int
	MaxID  string
}

// AdminAccounts pages through the admin accounts listing. Requires an
// admin-scoped token.
func (c *Client) AdminAccounts(ctx context.Context, params AdminAccountsParams) ([]*AdminAccount, string, error) {
	v := url.Values{}
	if params.Origin != "" {
		v.Set("origin", params.Origin)
	}
	if params.Status != "" {
		v.Set("status", params.Status)
	}
	if params.Limit > 0 {
		v.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.MaxID != "" {
		v.Set("max_id", params.MaxID)
	}
	var out []*AdminAccount
	next, err := c.do(ctx, "admin_accounts", http.MethodGet, "/api/v1/admin/accounts", v, nil, &out)
	if err != nil {
		return nil, "", err
	}
	return out, next, nil
}

const (
	ActionNone      = "none"
	ActionSilence   = "silence"
	ActionSuspend   = "suspend"
	ActionSensitive = "sensitive"
	ActionDisable   = "disable"
)

type AdminActionInput struct {
	Type            string  `json:"type"`
	Text            *string `json:"text,omitempty"`
	WarningPresetID *string `json:"warning_preset_id,omitempty"`
	ReportID        *string `json:"report_id,omitempty"`
	DurationSeconds *int64  `json:"duration_seconds,omitempty"`
}

func (c *Client) AdminAccountAction(ctx context.Context, id string, input AdminActionInput) error {
	_, err := c.do(ctx, "admin_account_action", http.MethodPost, "/api/v1/admin/accounts/"+id+"/action", nil, &input, nil)
	return err
}

func (c *Client) AdminUnsilence(ctx context.Context, id string) error {
	_, err := c.do(ctx, "admin_unsilence", http.MethodPost, "/api/v1/admin/accounts/"+id+"/unsilence", nil, nil, nil)
	return err
}

func (c *Client) AdminUnsuspend(ctx context.Context, id string) error {
	_, err := c.do(ctx, "admin_unsuspend", http.MethodPost, "/api/v1/admin/accounts/"+id+"/unsuspend", nil, nil, nil)
	return err
}

type DomainBlockInput struct {
	Domain         string `json:"domain"`
	Severity       string `json:"severity"`
	PrivateComment string `json:"private_comment,omitempty"`
	PublicComment  string `json:"public_comment,omitempty"`
}

func (c *Client) AdminBlockDomain(ctx context.Context, input DomainBlockInput) error {
	_, err := c.do(ctx, "admin_block_domain", http.MethodPost, "/api/v1/admin/domain_blocks", nil, &input, nil)
	return err
}

func (c *Client) AdminResolveReport(ctx context.Context, reportID string) error {
	_, err := c.do(ctx, "admin_resolve_report", http.MethodPost, "/api/v1/admin/reports/"+reportID+"/resolve", nil, nil, nil)
	return err
}
