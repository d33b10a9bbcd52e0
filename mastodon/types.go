package mastodon

import "time"

// Account is the public representation of an account on the instance.
type Account struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Acct        string    `json:"acct"`
	DisplayName string    `json:"display_name"`
	Note        string    `json:"note"`
	Avatar      string    `json:"avatar"`
	Header      string    `json:"header"`
	Bot         bool      `json:"bot"`
	Locked      bool      `json:"locked"`
	CreatedAt   time.Time `json:"created_at"`
	Fields      []Field   `json:"fields"`
}

type Field struct {
	Name       string     `json:"name"`
	Value      string     `json:"value"`
	VerifiedAt *time.Time `json:"verified_at"`
}

// Domain returns the account's domain portion, or "local" for local accounts
// (whose acct carries no domain).
func (a *Account) Domain() string {
	for i := 0; i < len(a.Acct); i++ {
		if a.Acct[i] == '@' {
			return a.Acct[i+1:]
		}
	}
	return "local"
}

// AdminAccount is the admin API's envelope around an account.
type AdminAccount struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Domain    *string   `json:"domain"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	Suspended bool      `json:"suspended"`
	Silenced  bool      `json:"silenced"`
	Disabled  bool      `json:"disabled"`
	Account   Account   `json:"account"`
}

type Status struct {
	ID                 string            `json:"id"`
	CreatedAt          time.Time         `json:"created_at"`
	Content            string            `json:"content"`
	Visibility         string            `json:"visibility"`
	URL                string            `json:"url"`
	Sensitive          bool              `json:"sensitive"`
	SpoilerText        string            `json:"spoiler_text"`
	InReplyToID        *string           `json:"in_reply_to_id"`
	InReplyToAccountID *string           `json:"in_reply_to_account_id"`
	Account            Account           `json:"account"`
	MediaAttachments   []MediaAttachment `json:"media_attachments"`
	Mentions           []Mention         `json:"mentions"`
	Reblog             *Status           `json:"reblog"`
}

const (
	VisibilityPublic   = "public"
	VisibilityUnlisted = "unlisted"
	VisibilityPrivate  = "private"
	VisibilityDirect   = "direct"
)

type MediaAttachment struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	URL         string  `json:"url"`
	RemoteURL   *string `json:"remote_url"`
	Description *string `json:"description"`
}

type Mention struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Acct     string `json:"acct"`
}

type Report struct {
	ID            string    `json:"id"`
	ActionTaken   bool      `json:"action_taken"`
	Category      string    `json:"category"`
	Comment       string    `json:"comment"`
	CreatedAt     time.Time `json:"created_at"`
	TargetAccount *Account  `json:"target_account"`
	Statuses      []Status  `json:"statuses"`
}

const (
	ReportCategorySpam      = "spam"
	ReportCategoryViolation = "violation"
	ReportCategoryLegal     = "legal"
	ReportCategoryOther     = "other"
)

type Instance struct {
	URI         string `json:"uri"`
	Title       string `json:"title"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

type InstanceRule struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
	CreatedAt   int64  `json:"created_at"`
}
