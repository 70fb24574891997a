package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendarapi "google.golang.org/api/calendar/v3"
	gmailapi "google.golang.org/api/gmail/v1"
	peopleapi "google.golang.org/api/people/v1"
)

// Scopes requested when users connect their account.
var Scopes = []string{
	gmailapi.GmailReadonlyScope,
	gmailapi.GmailSendScope,
	peopleapi.ContactsReadonlyScope,
	calendarapi.CalendarEventsScope,
}

// FileTokenProvider keeps one refresh token per user as a JSON file under a
// directory. The oauth2 package handles access token refresh transparently.
type FileTokenProvider struct {
	oauth *oauth2.Config
	dir   string
}

func NewFileTokenProvider(credentialsFile, clientID, clientSecret, tokenDir string) (*FileTokenProvider, error) {
	var oauthCfg *oauth2.Config

	if credentialsFile != "" {
		data, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read credentials file: %w", err)
		}
		oauthCfg, err = google.ConfigFromJSON(data, Scopes...)
		if err != nil {
			return nil, fmt.Errorf("unable to parse credentials: %w", err)
		}
	} else {
		if clientID == "" || clientSecret == "" {
			return nil, fmt.Errorf("either credentials_file or client_id/client_secret is required")
		}
		oauthCfg = &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       Scopes,
		}
	}

	if err := os.MkdirAll(tokenDir, 0o700); err != nil {
		return nil, fmt.Errorf("unable to create token directory: %w", err)
	}
	return &FileTokenProvider{oauth: oauthCfg, dir: tokenDir}, nil
}

func (p *FileTokenProvider) tokenPath(userID int64) string {
	return filepath.Join(p.dir, fmt.Sprintf("token_%d.json", userID))
}

// TokenSource loads the stored token for the user. The returned source
// refreshes on demand; SaveToken persists the rotated refresh token.
func (p *FileTokenProvider) TokenSource(ctx context.Context, userID int64) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(p.tokenPath(userID))
	if err != nil {
		return nil, fmt.Errorf("no stored token for user %d: %w", userID, err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("malformed token for user %d: %w", userID, err)
	}
	return p.oauth.TokenSource(ctx, &token), nil
}

// SaveToken stores the token obtained from the OAuth consent exchange.
func (p *FileTokenProvider) SaveToken(userID int64, token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("unable to encode token: %w", err)
	}
	if err := os.WriteFile(p.tokenPath(userID), data, 0o600); err != nil {
		return fmt.Errorf("unable to store token: %w", err)
	}
	return nil
}

// Exchange swaps an authorization code for a token and stores it.
func (p *FileTokenProvider) Exchange(ctx context.Context, userID int64, code string) error {
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("code exchange failed: %w", err)
	}
	return p.SaveToken(userID, token)
}

// AuthURL builds the consent URL for connecting an account.
func (p *FileTokenProvider) AuthURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}
