package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/andig/aquanta/aquanta"
	"github.com/andig/aquanta/bridge"
	"github.com/andig/aquanta/coordinator"
	"github.com/andig/aquanta/waterheater"
	"github.com/evcc-io/evcc/util"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"
)

const TOKEN_FILE = ".aquanta-token.json"

// environment variables by config key
var env = map[string]string{
	"user":         "AQUANTA_USER",
	"password":     "AQUANTA_PASSWORD",
	"apikey":       "AQUANTA_API_KEY",
	"cookie":       "AQUANTA_COOKIE",
	"tokenfile":    "AQUANTA_TOKEN_FILE",
	"interval":     "AQUANTA_INTERVAL",
	"metrics":      "AQUANTA_METRICS",
	"mqttbroker":   "AQUANTA_MQTT_BROKER",
	"mqttuser":     "AQUANTA_MQTT_USER",
	"mqttpassword": "AQUANTA_MQTT_PASSWORD",
}

type config struct {
	User         string
	Password     string
	APIKey       string
	Cookie       string
	TokenFile    string
	Interval     time.Duration
	Metrics      string
	MQTTBroker   string
	MQTTUser     string
	MQTTPassword string
}

func loadConfig() (config, error) {
	other := make(map[string]interface{})
	for key, name := range env {
		if val, ok := os.LookupEnv(name); ok {
			other[key] = val
		}
	}

	cc := config{
		TokenFile: TOKEN_FILE,
		Interval:  time.Minute,
	}

	if err := util.DecodeOther(other, &cc); err != nil {
		return cc, err
	}

	if cc.Interval <= 0 {
		return cc, fmt.Errorf("invalid interval: %v", cc.Interval)
	}

	return cc, nil
}

func readToken(filename string) (*oauth2.Token, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var token oauth2.Token
	err = json.Unmarshal(b, &token)

	return &token, err
}

func writeToken(filename string, token *oauth2.Token) error {
	b, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, b, 0o600)
}

// persistingTokenSource writes the token file whenever the access token changes
type persistingTokenSource struct {
	mu       sync.Mutex
	log      *util.Logger
	ts       oauth2.TokenSource
	filename string
	last     string
}

func newPersistingTokenSource(log *util.Logger, ts oauth2.TokenSource, filename string, last *oauth2.Token) *persistingTokenSource {
	p := &persistingTokenSource{
		log:      log,
		ts:       ts,
		filename: filename,
	}
	if last != nil {
		p.last = last.AccessToken
	}
	return p
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.ts.Token()
	if err != nil {
		return tok, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tok.AccessToken != p.last {
		if err := writeToken(p.filename, tok); err != nil {
			p.log.WARN.Println("could not save token:", err)
		} else {
			p.last = tok.AccessToken
		}
	}

	return tok, nil
}

// authenticator prefers a persisted identity token and falls back to configured credentials
func authenticator(ctx context.Context, logger *util.Logger, conn *aquanta.Connection, cc config) (aquanta.Authenticator, error) {
	other := map[string]interface{}{
		"user":     cc.User,
		"password": cc.Password,
		"apikey":   cc.APIKey,
		"cookie":   cc.Cookie,
	}

	if cc.Cookie != "" || cc.APIKey == "" || cc.TokenFile == "" {
		return aquanta.NewAuthenticatorFromConfig(logger, conn, other)
	}

	identity := aquanta.NewIdentity(logger, cc.APIKey)

	var ts oauth2.TokenSource

	token, err := readToken(cc.TokenFile)
	if err == nil {
		if ts, err = identity.TokenSource(token); err == nil {
			// save token in case of refresh
			ts = newPersistingTokenSource(logger, ts, cc.TokenFile, token)
			_, err = ts.Token()
		}
	}

	if err != nil {
		if cc.User == "" || cc.Password == "" {
			return aquanta.NewAuthenticatorFromConfig(logger, conn, other)
		}

		logger.Redact(cc.User, cc.Password)

		token, err = identity.Login(ctx, cc.User, cc.Password)
		if err != nil {
			return nil, err
		}

		if ts, err = identity.TokenSource(token); err != nil {
			return nil, err
		}

		if err := writeToken(cc.TokenFile, token); err != nil {
			return nil, err
		}

		ts = newPersistingTokenSource(logger, ts, cc.TokenFile, token)
	}

	return aquanta.NewInteractiveLogin(logger, ts, conn, new(aquanta.CredentialHolder)), nil
}

func printHeater(h *waterheater.Heater) {
	current, target := "n/a", "none"
	if temp, ok := h.CurrentTemperature(); ok {
		current = fmt.Sprintf("%.1f°C", temp)
	}
	if temp, ok := h.TargetTemperature(); ok {
		target = fmt.Sprintf("%.0f°C", temp)
	}
	fmt.Printf("%s: %s (target %s, %s)\n", h.ID(), current, target, h.CurrentOperation())
}

func main() {
	set := flag.String("set", "", "set target temperature (°C)")
	device := flag.String("device", "", "device id (default all devices)")
	serve := flag.Bool("serve", false, "keep running, publish to MQTT and serve metrics")
	flag.Parse()

	if level := os.Getenv("AQUANTA_LOGLEVEL"); level != "" {
		util.LogLevel(level, nil)
	}
	logger := util.NewLogger("aquanta")

	cc, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn := aquanta.NewConnection(logger)

	auth, err := authenticator(ctx, logger, conn, cc)
	if err != nil {
		log.Fatal(err)
	}

	coord := coordinator.New(util.NewLogger("coordinator"), coordinator.FetcherFunc(func(ctx context.Context) (aquanta.Snapshot, error) {
		return conn.Snapshot(ctx, auth)
	}), cc.Interval, prometheus.DefaultRegisterer)

	if err := coord.Refresh(ctx); err != nil {
		log.Fatal(err)
	}

	var heaters []*waterheater.Heater
	for _, id := range coord.Devices() {
		if *device == "" || *device == id {
			heaters = append(heaters, waterheater.New(util.NewLogger("heater"), id, coord, conn, auth))
		}
	}

	if len(heaters) == 0 {
		log.Fatal("no water heaters found")
	}

	if *set != "" {
		temp, err := strconv.ParseFloat(*set, 64)
		if err != nil {
			log.Fatal(err)
		}

		for _, h := range heaters {
			if err := h.SetTemperature(ctx, temp); err != nil {
				fmt.Printf("%s: %v\n", h.ID(), err)
			}
		}
	}

	for _, h := range heaters {
		printHeater(h)
	}

	if !*serve {
		return
	}

	if cc.Metrics != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.INFO.Println("serving metrics at", cc.Metrics)
			if err := http.ListenAndServe(cc.Metrics, nil); err != nil {
				logger.ERROR.Println("metrics:", err)
			}
		}()
	}

	if cc.MQTTBroker != "" {
		entities := make([]bridge.Heater, 0, len(heaters))
		for _, h := range heaters {
			entities = append(entities, h)
		}

		mqttLog := util.NewLogger("mqtt")
		if cc.MQTTPassword != "" {
			mqttLog.Redact(cc.MQTTPassword)
		}

		b := bridge.New(mqttLog, cc.MQTTBroker, cc.MQTTUser, cc.MQTTPassword, entities...)
		if err := b.Connect(ctx); err != nil {
			log.Fatal(err)
		}
		defer b.Disconnect()

		coord.Subscribe(b.Update)
	}

	coord.Run(ctx)
}
