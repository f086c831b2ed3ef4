package waterheater

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync"
	"testing"

	"github.com/andig/aquanta/aquanta"
	"github.com/evcc-io/evcc/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCoordinator struct {
	mu        sync.Mutex
	devices   aquanta.Snapshot
	refreshes int
}

func (c *fakeCoordinator) Device(id string) (aquanta.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[id]
	return d.Clone(), ok
}

func (c *fakeCoordinator) Update(id string, fn func(*aquanta.Device)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.devices[id]; ok {
		fn(&d)
		c.devices[id] = d
	}
}

func (c *fakeCoordinator) RequestRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
}

type call struct {
	cookie string
	id     string
	data   aquanta.SetPointRequest
}

// fakeSettings answers each PUT with the next status
type fakeSettings struct {
	statuses []int
	err      error
	calls    []call
}

func (s *fakeSettings) SetAdvancedSettings(ctx context.Context, cookie, id string, data aquanta.SetPointRequest) (int, []byte, error) {
	s.calls = append(s.calls, call{cookie: cookie, id: id, data: data})
	if s.err != nil {
		return 0, nil, s.err
	}
	status := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	return status, []byte("body"), nil
}

type fakeAuth struct {
	cookie    string
	cookieErr error
	renewErr  error
	renewed   int
}

func (a *fakeAuth) Cookie(ctx context.Context) (string, error) {
	if a.cookieErr != nil {
		return "", a.cookieErr
	}
	return a.cookie, nil
}

func (a *fakeAuth) Renew(ctx context.Context) (string, error) {
	a.renewed++
	if a.renewErr != nil {
		return "", a.renewErr
	}
	a.cookie = "session=fresh"
	return a.cookie, nil
}

func newTestHeater(settings *fakeSettings, auth *fakeAuth) (*Heater, *fakeCoordinator) {
	coord := &fakeCoordinator{
		devices: aquanta.Snapshot{
			"dev1": {
				ID:       "dev1",
				Water:    &aquanta.Water{Temperature: ptr(45.0)},
				Advanced: &aquanta.AdvancedSettings{ThermostatEnabled: true, SetPoint: ptr(44.0)},
			},
		},
	}

	return New(util.NewLogger("test"), "dev1", coord, settings, auth), coord
}

func TestHeater_Properties(t *testing.T) {
	h, _ := newTestHeater(&fakeSettings{}, &fakeAuth{})

	assert.Equal(t, "dev1_water_heater", h.UniqueID())
	assert.Equal(t, "Water heater", h.Name())
	assert.Equal(t, []Operation{OperationEco, OperationPerformance, OperationOff}, h.OperationList())

	temp, ok := h.CurrentTemperature()
	assert.True(t, ok)
	assert.Equal(t, 45.0, temp)

	target, ok := h.TargetTemperature()
	assert.True(t, ok)
	assert.Equal(t, 44.0, target)

	assert.Equal(t, OperationEco, h.CurrentOperation())
}

func TestHeater_SetTemperature(t *testing.T) {
	settings := &fakeSettings{statuses: []int{http.StatusOK}}
	auth := &fakeAuth{cookie: "session=abc"}
	h, coord := newTestHeater(settings, auth)

	require.NoError(t, h.SetTemperature(context.Background(), 48.6))

	require.Len(t, settings.calls, 1)
	assert.Equal(t, call{cookie: "session=abc", id: "dev1", data: aquanta.SetPointRequest{AquantaIntel: true, AquantaSystem: false, SetPoint: 49}}, settings.calls[0])

	target, ok := h.TargetTemperature()
	assert.True(t, ok)
	assert.Equal(t, 49.0, target, "optimistic set-point")
	assert.Equal(t, 1, coord.refreshes)
	assert.Equal(t, Succeeded, h.LastState())
	assert.Zero(t, auth.renewed)
}

func TestHeater_SetTemperatureSuccessStatuses(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusCreated, http.StatusNoContent} {
		h, _ := newTestHeater(&fakeSettings{statuses: []int{status}}, &fakeAuth{cookie: "c"})
		assert.NoError(t, h.SetTemperature(context.Background(), 50), "status %d", status)
	}

	h, coord := newTestHeater(&fakeSettings{statuses: []int{http.StatusAccepted}}, &fakeAuth{cookie: "c"})
	assert.Error(t, h.SetTemperature(context.Background(), 50))
	assert.Zero(t, coord.refreshes)
}

func TestHeater_SetTemperatureRounding(t *testing.T) {
	tc := []struct {
		in   float64
		want int
	}{
		{48.6, 49},
		{48.4, 48},
		{48.5, 48},
		{49.5, 50},
		{50, 50},
	}

	for _, tc := range tc {
		settings := &fakeSettings{statuses: []int{http.StatusOK}}
		h, _ := newTestHeater(settings, &fakeAuth{cookie: "c"})

		require.NoError(t, h.SetTemperature(context.Background(), tc.in))
		assert.Equal(t, tc.want, settings.calls[0].data.SetPoint, "%.1f", tc.in)
	}
}

func TestHeater_SetTemperatureRetriesOnce(t *testing.T) {
	t.Run("retry succeeds", func(t *testing.T) {
		settings := &fakeSettings{statuses: []int{http.StatusUnauthorized, http.StatusOK}}
		auth := &fakeAuth{cookie: "session=stale"}
		h, coord := newTestHeater(settings, auth)

		require.NoError(t, h.SetTemperature(context.Background(), 50))
		assert.Equal(t, 1, auth.renewed)
		require.Len(t, settings.calls, 2)
		assert.Equal(t, "session=stale", settings.calls[0].cookie)
		assert.Equal(t, "session=fresh", settings.calls[1].cookie)
		assert.Equal(t, 1, coord.refreshes)
	})

	t.Run("second rejection is terminal", func(t *testing.T) {
		settings := &fakeSettings{statuses: []int{http.StatusUnauthorized}}
		auth := &fakeAuth{cookie: "session=stale"}
		h, coord := newTestHeater(settings, auth)

		err := h.SetTemperature(context.Background(), 50)

		var rejected *RemoteRejected
		require.ErrorAs(t, err, &rejected)
		assert.Equal(t, http.StatusUnauthorized, rejected.StatusCode)
		assert.Equal(t, "body", rejected.Body)
		assert.Equal(t, 1, auth.renewed)
		assert.Len(t, settings.calls, 2)
		assert.Zero(t, coord.refreshes)
		assert.Equal(t, Failed, h.LastState())

		target, _ := h.TargetTemperature()
		assert.Equal(t, 44.0, target, "snapshot untouched")
	})

	t.Run("renewal fails", func(t *testing.T) {
		settings := &fakeSettings{statuses: []int{http.StatusUnauthorized}}
		auth := &fakeAuth{cookie: "session=stale", renewErr: &aquanta.AuthError{Op: "portal login", Err: aquanta.ErrNoCookie}}
		h, _ := newTestHeater(settings, auth)

		err := h.SetTemperature(context.Background(), 50)

		var authErr *aquanta.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Len(t, settings.calls, 1)
	})
}

func TestHeater_SetTemperatureFailures(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		h, _ := newTestHeater(&fakeSettings{statuses: []int{http.StatusBadRequest}}, &fakeAuth{cookie: "c"})

		var rejected *RemoteRejected
		require.ErrorAs(t, h.SetTemperature(context.Background(), 50), &rejected)
		assert.Equal(t, http.StatusBadRequest, rejected.StatusCode)
	})

	t.Run("login fails", func(t *testing.T) {
		settings := &fakeSettings{statuses: []int{http.StatusOK}}
		auth := &fakeAuth{cookieErr: &aquanta.AuthError{Op: "identity login", Err: errors.New("INVALID_PASSWORD")}}
		h, _ := newTestHeater(settings, auth)

		var authErr *aquanta.AuthError
		require.ErrorAs(t, h.SetTemperature(context.Background(), 50), &authErr)
		assert.Empty(t, settings.calls)
	})

	t.Run("network error", func(t *testing.T) {
		h, _ := newTestHeater(&fakeSettings{err: errors.New("connection refused")}, &fakeAuth{cookie: "c"})

		var failed *CommandFailed
		require.ErrorAs(t, h.SetTemperature(context.Background(), 50), &failed)
		assert.EqualError(t, failed.Err, "connection refused")
	})

	t.Run("invalid temperature", func(t *testing.T) {
		for _, temp := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 1e30, -1e30, -0.6, 100.4} {
			settings := &fakeSettings{statuses: []int{http.StatusOK}}
			h, coord := newTestHeater(settings, &fakeAuth{cookie: "c"})

			var failed *CommandFailed
			require.ErrorAs(t, h.SetTemperature(context.Background(), temp), &failed, "%v", temp)
			assert.Empty(t, settings.calls, "%v", temp)
			assert.Zero(t, coord.refreshes, "%v", temp)
			assert.Equal(t, Failed, h.LastState(), "%v", temp)
		}
	})

	t.Run("range limits", func(t *testing.T) {
		for _, temp := range []float64{MinTemperature, MaxTemperature} {
			h, _ := newTestHeater(&fakeSettings{statuses: []int{http.StatusOK}}, &fakeAuth{cookie: "c"})
			assert.NoError(t, h.SetTemperature(context.Background(), temp), "%v", temp)
		}
	})
}
