package aquanta

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/evcc-io/evcc/util"
	"github.com/evcc-io/evcc/util/oauth"
	"github.com/evcc-io/evcc/util/request"
	"golang.org/x/oauth2"
)

// DefaultTokenLifetime applies when the identity service reports no expiry
const DefaultTokenLifetime = time.Hour

// Identity exchanges account credentials for identity tokens
type Identity struct {
	client     *request.Helper
	log        *util.Logger
	apiKey     string
	loginURL   string
	refreshURL string
	verifier   *oidc.IDTokenVerifier
}

// TokenClaims are the identity token claims used for diagnostics and expiry
type TokenClaims struct {
	Email  string    `json:"email"`
	UserID string    `json:"user_id"`
	Expiry time.Time `json:"-"`
}

func NewIdentity(log *util.Logger, apiKey string) *Identity {
	// tokens are only forwarded to the portal which checks the signature
	verifier := oidc.NewVerifier("", nil, &oidc.Config{
		SkipClientIDCheck:          true,
		SkipIssuerCheck:            true,
		SkipExpiryCheck:            true,
		InsecureSkipSignatureCheck: true,
	})

	v := &Identity{
		client:     request.NewHelper(log),
		log:        log,
		apiKey:     apiKey,
		loginURL:   IDENTITY_URL,
		refreshURL: REFRESH_URL,
		verifier:   verifier,
	}

	return v
}

func (v *Identity) keyed(uri string) string {
	return uri + "?" + url.Values{"key": {v.apiKey}}.Encode()
}

// Login verifies email and password and returns the identity token
func (v *Identity) Login(ctx context.Context, user, password string) (*oauth2.Token, error) {
	data := passwordRequest{
		Email:             user,
		Password:          password,
		ReturnSecureToken: true,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.keyed(v.loginURL), request.MarshalJSON(data))
	if err != nil {
		return nil, authError("identity login", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := v.client.DoBody(req)
	if err != nil {
		v.log.ERROR.Printf("identity login failed: %v: %s", err, body)
		return nil, authError("identity login", err)
	}

	var res passwordResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, authError("identity login", err)
	}

	if res.IDToken == "" {
		return nil, authError("identity login", ErrNoToken)
	}

	return v.token(res.IDToken, res.RefreshToken, res.ExpiresIn), nil
}

// RefreshToken implements oauth.TokenRefresher
func (v *Identity) RefreshToken(token *oauth2.Token) (*oauth2.Token, error) {
	if token == nil || token.RefreshToken == "" {
		return nil, authError("identity refresh", errors.New("missing refresh token"))
	}

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {token.RefreshToken},
	}

	req, _ := http.NewRequest(http.MethodPost, v.keyed(v.refreshURL), strings.NewReader(params.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var res refreshResponse
	if err := v.client.DoJSON(req, &res); err != nil {
		return nil, authError("identity refresh", err)
	}

	if res.IDToken == "" {
		return nil, authError("identity refresh", ErrNoToken)
	}

	return v.token(res.IDToken, res.RefreshToken, res.ExpiresIn), nil
}

// TokenSource returns a token source refreshing the given token when expired
func (v *Identity) TokenSource(token *oauth2.Token) (oauth2.TokenSource, error) {
	ts := oauth2.ReuseTokenSource(token, oauth.RefreshTokenSource(token, v))
	_, err := ts.Token()
	return ts, err
}

// Claims decodes the identity token payload without verifying its signature
func (v *Identity) Claims(raw string) (TokenClaims, error) {
	var res TokenClaims

	idt, err := v.verifier.Verify(context.Background(), raw)
	if err != nil {
		return res, err
	}

	if err := idt.Claims(&res); err != nil {
		return res, err
	}
	res.Expiry = idt.Expiry

	return res, nil
}

func (v *Identity) token(idToken, refreshToken string, expiresIn int64) *oauth2.Token {
	lifetime := DefaultTokenLifetime
	if expiresIn > 0 {
		lifetime = time.Duration(expiresIn) * time.Second
	}

	token := &oauth2.Token{
		AccessToken:  idToken,
		TokenType:    "Bearer",
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(lifetime),
	}

	claims, err := v.Claims(idToken)
	if err != nil {
		v.log.TRACE.Println("could not decode identity token:", err)
		return token
	}

	if !claims.Expiry.IsZero() {
		token.Expiry = claims.Expiry
	}
	v.log.DEBUG.Printf("identity token for %s expires at %s", claims.Email, token.Expiry.Format("2006-01-02 15:04:05"))

	return token
}
