package waterheater

import (
	"github.com/andig/aquanta/aquanta"
)

// Operation is the water heater's current operation
type Operation string

const (
	OperationEco         Operation = "eco"
	OperationPerformance Operation = "performance"
	OperationOff         Operation = "off"
)

// Operations lists the supported operations
var Operations = []Operation{OperationEco, OperationPerformance, OperationOff}

// CurrentTemperature returns the measured water temperature
func CurrentTemperature(d aquanta.Device) (float64, bool) {
	if d.Water == nil || d.Water.Temperature == nil {
		return 0, false
	}
	return *d.Water.Temperature, true
}

// CurrentOperation derives the operation from the current mode and status records.
// An ongoing away record turns the heater off regardless of any boost; an ongoing
// boost means performance unless a later record is an ongoing away.
func CurrentOperation(d aquanta.Device) Operation {
	if d.Info == nil {
		return OperationEco
	}

	if d.Info.CurrentMode.Type == aquanta.MODE_OFF {
		return OperationOff
	}

	res := OperationEco

	for _, r := range d.Info.Records {
		if r.Ongoing(aquanta.RECORD_BOOST) {
			res = OperationPerformance
		} else if r.Ongoing(aquanta.RECORD_AWAY) {
			return OperationOff
		}
	}

	return res
}

// TargetTemperature returns the set-point if the thermostat is enabled
func TargetTemperature(d aquanta.Device) (float64, bool) {
	if d.Advanced == nil || !d.Advanced.ThermostatEnabled || d.Advanced.SetPoint == nil {
		return 0, false
	}
	return *d.Advanced.SetPoint, true
}
