package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andig/aquanta/aquanta"
	"github.com/andig/aquanta/waterheater"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/evcc-io/evcc/util"
)

const (
	DiscoveryPrefix = "homeassistant"
	TopicPrefix     = "aquanta"

	online  = "online"
	offline = "offline"
)

// CommandTimeout bounds a single set temperature command
var CommandTimeout = time.Minute

// Heater is the water heater entity exposed to Home Assistant
type Heater interface {
	ID() string
	UniqueID() string
	Name() string
	CurrentTemperature() (float64, bool)
	CurrentOperation() waterheater.Operation
	TargetTemperature() (float64, bool)
	SetTemperature(ctx context.Context, temperature float64) error
}

type publisher func(topic string, retained bool, payload string) error

// Bridge exposes water heaters to Home Assistant via MQTT discovery
type Bridge struct {
	log     *util.Logger
	client  mqtt.Client
	publish publisher
	heaters map[string]Heater

	mu  sync.Mutex
	ctx context.Context
	wg  sync.WaitGroup
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer"`
	Name         string   `json:"name"`
}

type discovery struct {
	Name                    string          `json:"name"`
	UniqueID                string          `json:"unique_id"`
	Modes                   []string        `json:"modes"`
	ModeStateTopic          string          `json:"mode_state_topic"`
	CurrentTemperatureTopic string          `json:"current_temperature_topic"`
	TemperatureStateTopic   string          `json:"temperature_state_topic"`
	TemperatureCommandTopic string          `json:"temperature_command_topic"`
	AvailabilityTopic       string          `json:"availability_topic"`
	TemperatureUnit         string          `json:"temperature_unit"`
	Precision               float64         `json:"precision"`
	Device                  discoveryDevice `json:"device"`
}

// New creates a bridge for the given broker uri, e.g. tcp://localhost:1883
func New(log *util.Logger, broker, user, password string, heaters ...Heater) *Bridge {
	b := &Bridge{
		log:     log,
		heaters: make(map[string]Heater),
		ctx:     context.Background(),
	}

	for _, h := range heaters {
		b.heaters[h.ID()] = h
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("%s-%d", TopicPrefix, time.Now().UnixNano()))
	opts.SetUsername(user)
	opts.SetPassword(password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetWill(availabilityTopic(), offline, 1, true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		if err := b.announce(); err != nil {
			b.log.ERROR.Println("announce:", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.log.WARN.Println("connection lost:", err)
	})

	b.client = mqtt.NewClient(opts)
	b.publish = func(topic string, retained bool, payload string) error {
		token := b.client.Publish(topic, 1, retained, payload)
		token.Wait()
		return token.Error()
	}

	return b
}

func availabilityTopic() string {
	return TopicPrefix + "/status"
}

func stateTopic(id, name string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, id, name)
}

func commandTopic(id string) string {
	return stateTopic(id, "temperature/set")
}

func discoveryTopic(id string) string {
	return fmt.Sprintf("%s/water_heater/%s/config", DiscoveryPrefix, id)
}

// Connect connects to the broker. Commands run with contexts derived from ctx.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	token := b.client.Connect()
	token.Wait()

	return token.Error()
}

// Disconnect marks the bridge offline and waits for running commands
func (b *Bridge) Disconnect() {
	if err := b.publish(availabilityTopic(), true, offline); err != nil {
		b.log.WARN.Println("publish availability:", err)
	}
	b.client.Disconnect(250)
	b.wg.Wait()
}

func (b *Bridge) discovery(h Heater) discovery {
	modes := make([]string, 0, len(waterheater.Operations))
	for _, op := range waterheater.Operations {
		modes = append(modes, string(op))
	}

	return discovery{
		Name:                    h.Name(),
		UniqueID:                h.UniqueID(),
		Modes:                   modes,
		ModeStateTopic:          stateTopic(h.ID(), "mode"),
		CurrentTemperatureTopic: stateTopic(h.ID(), "current_temperature"),
		TemperatureStateTopic:   stateTopic(h.ID(), "temperature"),
		TemperatureCommandTopic: commandTopic(h.ID()),
		AvailabilityTopic:       availabilityTopic(),
		TemperatureUnit:         "C",
		Precision:               1.0,
		Device: discoveryDevice{
			Identifiers:  []string{h.ID()},
			Manufacturer: "Aquanta",
			Name:         "Aquanta " + h.ID(),
		},
	}
}

// announce publishes discovery and availability and subscribes to commands
func (b *Bridge) announce() error {
	var errs []error

	for id, h := range b.heaters {
		payload, err := json.Marshal(b.discovery(h))
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if err := b.publish(discoveryTopic(id), true, string(payload)); err != nil {
			errs = append(errs, err)
		}

		token := b.client.Subscribe(commandTopic(id), 1, func(_ mqtt.Client, msg mqtt.Message) {
			b.handle(msg.Topic(), msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			errs = append(errs, token.Error())
		}
	}

	if err := b.publish(availabilityTopic(), true, online); err != nil {
		errs = append(errs, err)
	}

	b.publishStates()

	return errors.Join(errs...)
}

func formatTemperature(temp float64, ok bool) string {
	if !ok {
		return "None"
	}
	return strconv.FormatFloat(temp, 'f', -1, 64)
}

func (b *Bridge) publishState(h Heater) error {
	return errors.Join(
		b.publish(stateTopic(h.ID(), "mode"), true, string(h.CurrentOperation())),
		b.publish(stateTopic(h.ID(), "current_temperature"), true, formatTemperature(h.CurrentTemperature())),
		b.publish(stateTopic(h.ID(), "temperature"), true, formatTemperature(h.TargetTemperature())),
	)
}

func (b *Bridge) publishStates() {
	for _, h := range b.heaters {
		if err := b.publishState(h); err != nil {
			b.log.ERROR.Printf("%s: publish state: %v", h.ID(), err)
		}
	}
}

// Update publishes the state of all heaters contained in the snapshot
func (b *Bridge) Update(snap aquanta.Snapshot) {
	for id := range snap {
		h, ok := b.heaters[id]
		if !ok {
			continue
		}

		if err := b.publishState(h); err != nil {
			b.log.ERROR.Printf("%s: publish state: %v", id, err)
		}
	}
}

// handle runs a set temperature command received on a command topic
func (b *Bridge) handle(topic string, payload []byte) {
	id := strings.TrimSuffix(strings.TrimPrefix(topic, TopicPrefix+"/"), "/temperature/set")

	h, ok := b.heaters[id]
	if !ok {
		b.log.WARN.Printf("command for unknown device %s", id)
		return
	}

	temp, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		b.log.ERROR.Printf("%s: invalid temperature %q", id, payload)
		return
	}

	b.mu.Lock()
	parent := b.ctx
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(parent, CommandTimeout)
		defer cancel()

		// errors are logged by the heater
		_ = h.SetTemperature(ctx, temp)
	}()
}
