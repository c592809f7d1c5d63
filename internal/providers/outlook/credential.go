package outlook

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/mailsync/internal/auth"
)

// Scopes requested when refreshing Graph tokens
var Scopes = []string{"https://graph.microsoft.com/Mail.Read", "offline_access"}

// tokenCredential adapts an oauth2 token source to azcore.TokenCredential
type tokenCredential struct {
	src oauth2.TokenSource
}

// newTokenCredential returns a credential that refreshes through the
// Microsoft identity platform when client credentials are configured.
func newTokenCredential(ctx context.Context, tok auth.Token, clientID, clientSecret string) azcore.TokenCredential {
	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     microsoft.AzureADEndpoint("common"),
		Scopes:       Scopes,
	}
	src := config.TokenSource(context.WithoutCancel(ctx), &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	})
	return &tokenCredential{src: oauth2.ReuseTokenSource(nil, src)}
}

func (c *tokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.src.Token()
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("graph token: %w", err)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: tok.Expiry}, nil
}
