package waterheater

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"

	"github.com/andig/aquanta/aquanta"
	"github.com/evcc-io/evcc/util"
)

// Settings updates a device's advanced settings
type Settings interface {
	SetAdvancedSettings(ctx context.Context, cookie, id string, data aquanta.SetPointRequest) (int, []byte, error)
}

// Coordinator provides the shared device snapshot
type Coordinator interface {
	Device(id string) (aquanta.Device, bool)
	Update(id string, fn func(*aquanta.Device))
	RequestRefresh()
}

// Accepted target temperature range in °C
const (
	MinTemperature = 0
	MaxTemperature = 100
)

// State is the progress of a set temperature command
type State int

const (
	NoCredential State = iota
	HaveCredential
	Sending
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case NoCredential:
		return "no credential"
	case HaveCredential:
		return "have credential"
	case Sending:
		return "sending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Heater is the water heater entity of a single device
type Heater struct {
	mu       sync.Mutex
	log      *util.Logger
	id       string
	coord    Coordinator
	settings Settings
	auth     aquanta.Authenticator
	state    State
}

// New creates the water heater entity for the given device
func New(log *util.Logger, id string, coord Coordinator, settings Settings, auth aquanta.Authenticator) *Heater {
	h := &Heater{
		log:      log,
		id:       id,
		coord:    coord,
		settings: settings,
		auth:     auth,
	}

	log.DEBUG.Printf("created water heater with unique ID %s", h.UniqueID())

	return h
}

func (h *Heater) ID() string {
	return h.id
}

func (h *Heater) UniqueID() string {
	return h.id + "_water_heater"
}

func (h *Heater) Name() string {
	return "Water heater"
}

func (h *Heater) OperationList() []Operation {
	return Operations
}

func (h *Heater) device() aquanta.Device {
	d, _ := h.coord.Device(h.id)
	return d
}

// CurrentTemperature returns the measured water temperature
func (h *Heater) CurrentTemperature() (float64, bool) {
	return CurrentTemperature(h.device())
}

// CurrentOperation returns eco, performance or off
func (h *Heater) CurrentOperation() Operation {
	return CurrentOperation(h.device())
}

// TargetTemperature returns the temperature the heater tries to reach
func (h *Heater) TargetTemperature() (float64, bool) {
	return TargetTemperature(h.device())
}

// LastState returns the state the most recent command ended in
func (h *Heater) LastState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Heater) transition(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()

	h.log.TRACE.Printf("%s: %s", h.id, s)
}

// SetTemperature sends the rounded target temperature to the portal. Returned
// errors are *aquanta.AuthError, *RemoteRejected or *CommandFailed and are
// logged before returning.
func (h *Heater) SetTemperature(ctx context.Context, temperature float64) error {
	err := h.setTemperature(ctx, temperature)
	if err != nil {
		h.transition(Failed)
		h.log.ERROR.Printf("%s: could not set temperature to %.1f°C: %v", h.id, temperature, err)
	}
	return err
}

func (h *Heater) setTemperature(ctx context.Context, temperature float64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CommandFailed{Err: fmt.Errorf("%v", r)}
		}
	}()

	if math.IsNaN(temperature) || temperature < MinTemperature || temperature > MaxTemperature {
		return &CommandFailed{Err: fmt.Errorf("invalid temperature: %v", temperature)}
	}

	setPoint := int(math.RoundToEven(temperature))

	h.transition(NoCredential)

	cookie, err := h.auth.Cookie(ctx)
	if err != nil {
		return commandError(err)
	}
	h.transition(HaveCredential)

	status, body, err := h.send(ctx, cookie, setPoint)

	if err == nil && status == http.StatusUnauthorized {
		h.log.WARN.Printf("%s: session expired (401), renewing and retrying", h.id)
		h.transition(NoCredential)

		if cookie, err = h.auth.Renew(ctx); err != nil {
			return commandError(err)
		}
		h.transition(HaveCredential)

		status, body, err = h.send(ctx, cookie, setPoint)
	}

	if err != nil {
		return &CommandFailed{Err: err}
	}

	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	default:
		return &RemoteRejected{StatusCode: status, Body: string(body)}
	}

	// optimistic until the next refresh
	h.coord.Update(h.id, func(d *aquanta.Device) {
		if d.Advanced == nil {
			d.Advanced = new(aquanta.AdvancedSettings)
		}
		sp := float64(setPoint)
		d.Advanced.SetPoint = &sp
	})

	h.transition(Succeeded)
	h.log.INFO.Printf("%s: set temperature to %d°C", h.id, setPoint)

	h.coord.RequestRefresh()

	return nil
}

func (h *Heater) send(ctx context.Context, cookie string, setPoint int) (int, []byte, error) {
	h.transition(Sending)
	return h.settings.SetAdvancedSettings(ctx, cookie, h.id, aquanta.NewSetPointRequest(setPoint))
}
