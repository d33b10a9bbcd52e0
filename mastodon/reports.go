package mastodon

import (
	"context"
	"net/http"
)

type ReportInput struct {
	AccountID string   `json:"account_id"`
	StatusIDs []string `json:"status_ids,omitempty"`
	Comment   string   `json:"comment,omitempty"`
	Category  string   `json:"category,omitempty"`
	Forward   bool     `json:"forward,omitempty"`
	RuleIDs   []string `json:"rule_ids,omitempty"`
}

func (c *Client) CreateReport(ctx context.Context, input ReportInput) (*Report, error) {
	var out Report
	_, err := c.do(ctx, "create_report", http.MethodPost, "/api/v1/reports", nil, &input, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
