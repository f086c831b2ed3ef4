package aquanta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/evcc-io/evcc/util"
	"github.com/evcc-io/evcc/util/request"
)

// Connection is the Aquanta portal connection
type Connection struct {
	*request.Helper
	log *util.Logger
	uri string
}

// NewConnection creates a new portal connection
func NewConnection(log *util.Logger) *Connection {
	conn := &Connection{
		Helper: request.NewHelper(log),
		log:    log,
		uri:    PORTAL_URL,
	}

	return conn
}

// Returns the http header for portal requests
func (c *Connection) portalHeader(cookie string) http.Header {
	return http.Header{
		"Accept":     {"application/json, text/plain, */*"},
		"Cookie":     {cookie},
		"User-Agent": {USER_AGENT},
		"Referer":    {REFERER},
		"Origin":     {PORTAL_URL},
	}
}

func (c *Connection) deviceURL(path, id string) string {
	uri := c.uri + path
	if id != "" {
		uri += "?" + url.Values{"id": {id}}.Encode()
	}
	return uri
}

// do executes the request and returns status and body regardless of status
func (c *Connection) do(req *http.Request) (int, []byte, error) {
	resp, err := c.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

// Login exchanges an identity token for the portal session cookie
func (c *Connection) Login(ctx context.Context, idToken string) (string, error) {
	data := portalLoginRequest{
		IDToken:  idToken,
		Remember: true,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri+LOGIN_PATH, request.MarshalJSON(data))
	if err != nil {
		return "", authError("portal login", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return "", authError("portal login", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.log.ERROR.Printf("portal login failed: %d - %s", resp.StatusCode, body)
		return "", authError("portal login", fmt.Errorf("unexpected status: %d", resp.StatusCode))
	}

	var parts []string
	for _, cookie := range resp.Cookies() {
		parts = append(parts, cookie.Name+"="+cookie.Value)
	}

	if len(parts) == 0 {
		return "", authError("portal login", ErrNoCookie)
	}

	return strings.Join(parts, "; "), nil
}

// SetAdvancedSettings updates the device's advanced settings and returns the raw response
func (c *Connection) SetAdvancedSettings(ctx context.Context, cookie, id string, data SetPointRequest) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.deviceURL(SETTINGS_PATH, id), request.MarshalJSON(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header = c.portalHeader(cookie)
	req.Header.Set("Content-Type", "application/json")

	c.log.DEBUG.Printf("setting set-point of %s to %d", id, data.SetPoint)

	return c.do(req)
}

func (c *Connection) get(ctx context.Context, uri, cookie string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header = c.portalHeader(cookie)

	return c.do(req)
}

// getJSON fetches a portal resource into res. A 401 renews the session and
// retries once. Missing resources report false without error.
func (c *Connection) getJSON(ctx context.Context, auth Authenticator, path, id string, res any) (bool, error) {
	uri := c.deviceURL(path, id)

	cookie, err := auth.Cookie(ctx)
	if err != nil {
		return false, err
	}

	status, body, err := c.get(ctx, uri, cookie)
	if err == nil && status == http.StatusUnauthorized {
		c.log.DEBUG.Println("session expired, renewing")

		if cookie, err = auth.Renew(ctx); err != nil {
			return false, err
		}

		status, body, err = c.get(ctx, uri, cookie)
	}

	switch {
	case err != nil:
		return false, err
	case status == http.StatusNotFound:
		return false, nil
	case status < 200 || status > 299:
		return false, fmt.Errorf("%s: unexpected status: %d - %s", path, status, body)
	}

	if err := json.Unmarshal(body, res); err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}

	return true, nil
}

// Snapshot fetches the state of all devices of the account
func (c *Connection) Snapshot(ctx context.Context, auth Authenticator) (Snapshot, error) {
	var devices []DeviceSummary
	ok, err := c.getJSON(ctx, auth, DEVICES_PATH, "", &devices)
	if err == nil && !ok {
		err = fmt.Errorf("%s: not found", DEVICES_PATH)
	}
	if err != nil {
		return nil, fmt.Errorf("could not get devices: %w", err)
	}

	res := make(Snapshot, len(devices))

	for _, d := range devices {
		dev := Device{ID: d.ID, Name: d.Name}

		var info Info
		if ok, err := c.getJSON(ctx, auth, INFO_PATH, d.ID, &info); err != nil {
			return nil, fmt.Errorf("could not get info for %s: %w", d.ID, err)
		} else if ok {
			dev.Info = &info
		}

		var water Water
		if ok, err := c.getJSON(ctx, auth, WATER_PATH, d.ID, &water); err != nil {
			return nil, fmt.Errorf("could not get water for %s: %w", d.ID, err)
		} else if ok {
			dev.Water = &water
		}

		var advanced AdvancedSettings
		if ok, err := c.getJSON(ctx, auth, ADVANCED_PATH, d.ID, &advanced); err != nil {
			return nil, fmt.Errorf("could not get advanced settings for %s: %w", d.ID, err)
		} else if ok {
			dev.Advanced = &advanced
		}

		res[d.ID] = dev
	}

	return res, nil
}
