package aurinko

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/Martian-dev/mailsync/internal/syncerr"
)

// ServiceType selects the mailbox backend during OAuth.
type ServiceType string

const (
	ServiceGoogle    ServiceType = "Google"
	ServiceOffice365 ServiceType = "Office365"
)

const oauthScopes = "Mail.Read Mail.ReadWrite Mail.Send Mail.Drafts Mail.All"

// AuthorizeURL builds the URL the user is redirected to in order to connect
// a mailbox. returnURL receives the code on success, along with state when
// it is non-empty.
func (c *Client) AuthorizeURL(service ServiceType, returnURL, state string) string {
	params := url.Values{
		"clientId":     {c.clientID},
		"serviceType":  {string(service)},
		"scopes":       {oauthScopes},
		"responseType": {"code"},
		"returnUrl":    {returnURL},
	}
	if state != "" {
		params.Set("state", state)
	}
	return c.baseURL + "/auth/authorize?" + params.Encode()
}

// ExchangeCode trades an authorization code for an account access token.
// It authenticates with the client credentials, not a bearer token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenGrant, error) {
	if code == "" {
		return nil, syncerr.State("exchange_code", errors.New("missing authorization code"))
	}

	var grant TokenGrant
	err := c.do(ctx, request{
		op:      "exchange_code",
		method:  http.MethodPost,
		path:    "/auth/token/" + url.PathEscape(code),
		body:    struct{}{},
		noRetry: true,
	}, &grant)
	if err != nil {
		return nil, err
	}
	if grant.AccessToken == "" || grant.AccountID.String() == "" {
		return nil, syncerr.Data("exchange_code", errors.New("token response without account id or access token"))
	}
	return &grant, nil
}

// AccountDetails returns the mailbox address and display name behind token.
func (c *Client) AccountDetails(ctx context.Context, token string) (*AccountDetails, error) {
	var details AccountDetails
	if err := c.do(ctx, request{
		op:     "account_details",
		method: http.MethodGet,
		path:   "/account",
		token:  token,
	}, &details); err != nil {
		return nil, err
	}
	return &details, nil
}
