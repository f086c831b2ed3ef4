package aquanta

const (
	IDENTITY_URL = "https://www.googleapis.com/identitytoolkit/v3/relyingparty/verifyPassword"
	REFRESH_URL  = "https://securetoken.googleapis.com/v1/token"
	PORTAL_URL   = "https://portal.aquanta.io"
)

const (
	LOGIN_PATH    = "/portal/login"
	DEVICES_PATH  = "/portal/get/devices"
	INFO_PATH     = "/portal/get"
	WATER_PATH    = "/portal/get/water"
	ADVANCED_PATH = "/portal/get/advancedSettings"
	SETTINGS_PATH = "/portal/set/advancedSettings"

	// the portal rejects settings updates without browser headers
	USER_AGENT = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	REFERER    = PORTAL_URL + "/views/settings.shtml"
)

const (
	MODE_OFF = "off"

	RECORD_BOOST   = "boost"
	RECORD_AWAY    = "away"
	RECORD_ONGOING = "ongoing"
)

type passwordRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

type passwordResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn,string"`
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in,string"`
	UserID       string `json:"user_id"`
}

type portalLoginRequest struct {
	IDToken  string `json:"idToken"`
	Remember bool   `json:"remember"`
}

// SetPointRequest is the body of an advanced settings update
type SetPointRequest struct {
	AquantaIntel  bool `json:"aquantaIntel"`
	AquantaSystem bool `json:"aquantaSystem"`
	SetPoint      int  `json:"setPoint"`
}

// NewSetPointRequest returns a settings update carrying the set-point with intelligence enabled
func NewSetPointRequest(setPoint int) SetPointRequest {
	return SetPointRequest{
		AquantaIntel:  true,
		AquantaSystem: false,
		SetPoint:      setPoint,
	}
}

type DeviceSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Mode struct {
	Type string `json:"type"`
}

// Record is a time-ordered status entry, e.g. an ongoing boost
type Record struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

// Ongoing reports if the record is of the given type and currently active
func (r Record) Ongoing(typ string) bool {
	return r.Type == typ && r.State == RECORD_ONGOING
}

type Info struct {
	CurrentMode Mode     `json:"currentMode"`
	Records     []Record `json:"records"`
}

type Water struct {
	Temperature *float64 `json:"temperature"`
}

type AdvancedSettings struct {
	ThermostatEnabled bool     `json:"thermostatEnabled"`
	SetPoint          *float64 `json:"setPoint"`
	AquantaIntel      bool     `json:"aquantaIntel"`
	AquantaSystem     bool     `json:"aquantaSystem"`
}

// Device is the polled state of a single water heater. Sections the portal
// did not return are nil.
type Device struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Info     *Info             `json:"info,omitempty"`
	Water    *Water            `json:"water,omitempty"`
	Advanced *AdvancedSettings `json:"advanced,omitempty"`
}

// Clone returns a copy sharing no pointers with d
func (d Device) Clone() Device {
	res := Device{ID: d.ID, Name: d.Name}

	if d.Info != nil {
		info := *d.Info
		info.Records = append([]Record(nil), d.Info.Records...)
		res.Info = &info
	}

	if d.Water != nil {
		water := Water{Temperature: clonePtr(d.Water.Temperature)}
		res.Water = &water
	}

	if d.Advanced != nil {
		advanced := *d.Advanced
		advanced.SetPoint = clonePtr(d.Advanced.SetPoint)
		res.Advanced = &advanced
	}

	return res
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	res := *v
	return &res
}

// Snapshot is the polled state of all devices keyed by device id
type Snapshot map[string]Device

// Clone returns a deep copy of the snapshot
func (s Snapshot) Clone() Snapshot {
	res := make(Snapshot, len(s))
	for id, d := range s {
		res[id] = d.Clone()
	}
	return res
}
