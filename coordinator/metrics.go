package coordinator

import (
	"github.com/andig/aquanta/aquanta"
	"github.com/andig/aquanta/waterheater"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	waterTemperature  *prometheus.GaugeVec
	targetTemperature *prometheus.GaugeVec
	operation         *prometheus.GaugeVec
	refreshTotal      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		waterTemperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aquanta",
			Name:      "water_temperature_celsius",
			Help:      "Measured water temperature",
		}, []string{"device"}),
		targetTemperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aquanta",
			Name:      "target_temperature_celsius",
			Help:      "Thermostat set-point, absent while the thermostat is disabled",
		}, []string{"device"}),
		operation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aquanta",
			Name:      "operation",
			Help:      "Current operation of the water heater",
		}, []string{"device", "mode"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aquanta",
			Name:      "refresh_total",
			Help:      "Snapshot refreshes by result",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(m.waterTemperature, m.targetTemperature, m.operation, m.refreshTotal)
	}

	return m
}

// observe replaces all device series with the snapshot's state
func (m *metrics) observe(snap aquanta.Snapshot) {
	m.waterTemperature.Reset()
	m.targetTemperature.Reset()
	m.operation.Reset()

	for id, d := range snap {
		if temp, ok := waterheater.CurrentTemperature(d); ok {
			m.waterTemperature.WithLabelValues(id).Set(temp)
		}

		if temp, ok := waterheater.TargetTemperature(d); ok {
			m.targetTemperature.WithLabelValues(id).Set(temp)
		}

		current := waterheater.CurrentOperation(d)
		for _, op := range waterheater.Operations {
			var v float64
			if op == current {
				v = 1
			}
			m.operation.WithLabelValues(id, string(op)).Set(v)
		}
	}
}
