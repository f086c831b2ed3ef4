package aquanta

import (
	"context"
	"sync"

	"github.com/evcc-io/evcc/api"
	"github.com/evcc-io/evcc/util"
	"golang.org/x/oauth2"
)

// Authenticator provides the session cookie for portal requests
type Authenticator interface {
	// Cookie returns the held session cookie, logging in if none is held
	Cookie(ctx context.Context) (string, error)
	// Renew discards the held session cookie and logs in again
	Renew(ctx context.Context) (string, error)
}

// CredentialHolder holds the session cookie of a single integration instance.
// The cookie carries no expiry, it is invalidated when the portal rejects it.
type CredentialHolder struct {
	mu     sync.Mutex
	cookie string
}

func (h *CredentialHolder) Get() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cookie, h.cookie != ""
}

func (h *CredentialHolder) Set(cookie string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cookie = cookie
}

func (h *CredentialHolder) Invalidate() {
	h.Set("")
}

// StaticCookie uses a preconfigured session cookie
type StaticCookie struct {
	cookie string
}

func NewStaticCookie(cookie string) *StaticCookie {
	return &StaticCookie{cookie: cookie}
}

func (a *StaticCookie) Cookie(ctx context.Context) (string, error) {
	if a.cookie == "" {
		return "", authError("static cookie", ErrNoCookie)
	}
	return a.cookie, nil
}

func (a *StaticCookie) Renew(ctx context.Context) (string, error) {
	return "", authError("static cookie", ErrStaticLogin)
}

// portalLogin exchanges identity tokens for portal session cookies
type portalLogin struct {
	mu      sync.Mutex
	log     *util.Logger
	conn    *Connection
	holder  *CredentialHolder
	idToken func(ctx context.Context) (string, error)
}

func (a *portalLogin) Cookie(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cookie, ok := a.holder.Get(); ok {
		return cookie, nil
	}

	return a.login(ctx)
}

func (a *portalLogin) Renew(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.holder.Invalidate()

	return a.login(ctx)
}

func (a *portalLogin) login(ctx context.Context) (string, error) {
	a.log.INFO.Println("refreshing session cookie")

	token, err := a.idToken(ctx)
	if err != nil {
		return "", err
	}

	cookie, err := a.conn.Login(ctx, token)
	if err != nil {
		return "", err
	}

	a.holder.Set(cookie)
	a.log.INFO.Println("session cookie refreshed")

	return cookie, nil
}

// StaticCredentials logs in with configured account credentials whenever a session is needed
type StaticCredentials struct {
	*portalLogin
}

func NewStaticCredentials(log *util.Logger, identity *Identity, conn *Connection, holder *CredentialHolder, user, password string) *StaticCredentials {
	return &StaticCredentials{
		portalLogin: &portalLogin{
			log:    log,
			conn:   conn,
			holder: holder,
			idToken: func(ctx context.Context) (string, error) {
				token, err := identity.Login(ctx, user, password)
				if err != nil {
					return "", err
				}
				return token.AccessToken, nil
			},
		},
	}
}

// InteractiveLogin exchanges a refreshable identity token for sessions
type InteractiveLogin struct {
	*portalLogin
}

func NewInteractiveLogin(log *util.Logger, ts oauth2.TokenSource, conn *Connection, holder *CredentialHolder) *InteractiveLogin {
	return &InteractiveLogin{
		portalLogin: &portalLogin{
			log:    log,
			conn:   conn,
			holder: holder,
			idToken: func(ctx context.Context) (string, error) {
				token, err := ts.Token()
				if err != nil {
					return "", authError("identity token", err)
				}
				return token.AccessToken, nil
			},
		},
	}
}

// NewAuthenticatorFromConfig creates an authenticator from generic config.
// A configured cookie takes precedence over account credentials.
func NewAuthenticatorFromConfig(log *util.Logger, conn *Connection, other map[string]interface{}) (Authenticator, error) {
	var cc struct {
		User     string
		Password string
		APIKey   string
		Cookie   string
	}

	if err := util.DecodeOther(other, &cc); err != nil {
		return nil, err
	}

	if cc.Cookie != "" {
		log.Redact(cc.Cookie)
		return NewStaticCookie(cc.Cookie), nil
	}

	if cc.User == "" || cc.Password == "" || cc.APIKey == "" {
		return nil, api.ErrMissingCredentials
	}

	log.Redact(cc.User, cc.Password, cc.APIKey)
	identity := NewIdentity(log, cc.APIKey)

	return NewStaticCredentials(log, identity, conn, new(CredentialHolder), cc.User, cc.Password), nil
}
