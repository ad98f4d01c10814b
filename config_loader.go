package goThreeDS

import (
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/config"
)

// LookupFunc resolves ${VAR} references in configuration sources.
type LookupFunc func(key string) (string, bool)

type fileConfig struct {
	Server struct {
		BaseURL               string   `yaml:"baseUrl"`
		InitPath              string   `yaml:"initPath"`
		ResultPath            string   `yaml:"resultPath"`
		ChallengeStatusPath   string   `yaml:"challengeStatusPath"`
		Timeout               string   `yaml:"timeout"`
		CertFile              string   `yaml:"certFile"`
		KeyFile               string   `yaml:"keyFile"`
		CAFile                string   `yaml:"caFile"`
		AlreadyCompletedCodes []string `yaml:"alreadyCompletedCodes"`
	}
	Merchant struct {
		ID              string `yaml:"id"`
		Country         string `yaml:"country"`
		DefaultAmount   string `yaml:"defaultAmount"`
		DefaultCurrency string `yaml:"defaultCurrency"`
		DefaultExpiry   string `yaml:"defaultExpiry"`
		PhoneRegion     string `yaml:"phoneRegion"`
	}
	Fingerprint struct {
		Timeout string `yaml:"timeout"`
	}
	Challenge struct {
		Timeout       string `yaml:"timeout"`
		DefaultStatus string `yaml:"defaultStatus"`
	}
	Notification struct {
		CallbackURL    string `yaml:"callbackUrl"`
		TokenTTL       string `yaml:"tokenTtl"`
		SigningMethod  string `yaml:"signingMethod"`
		PrivateKey     string `yaml:"privateKey"`
		PrivateKeyFile string `yaml:"privateKeyFile"`
		PublicKey      string `yaml:"publicKey"`
		PublicKeyFile  string `yaml:"publicKeyFile"`
		Issuer         string `yaml:"issuer"`
		ListenerBuffer int    `yaml:"listenerBuffer"`
	}
	Store struct {
		RedisPrefix  string `yaml:"redisPrefix"`
		ContextTTL   string `yaml:"contextTtl"`
		RelayEnabled *bool  `yaml:"relayEnabled"`
	}
	RateLimit struct {
		MaxActionsPerWindow *int   `yaml:"maxActionsPerWindow"`
		ActionWindow        string `yaml:"actionWindow"`
		MaxNotifications    *int   `yaml:"maxNotifications"`
		NotificationWindow  string `yaml:"notificationWindow"`
	}
	Audit struct {
		Enabled    *bool `yaml:"enabled"`
		BufferSize int   `yaml:"bufferSize"`
		DropIfFull *bool `yaml:"dropIfFull"`
	}
	Metrics struct {
		Enabled                 *bool `yaml:"enabled"`
		EnableLatencyHistograms *bool `yaml:"enableLatencyHistograms"`
	}
	Debug *bool `yaml:"debug"`
}

// LoadConfig reads YAML sources on top of DefaultConfig. Later sources
// override earlier ones and ${VAR} references are expanded through lookup.
// The result is not validated; Build does that.
func LoadConfig(lookup LookupFunc, sources ...io.Reader) (Config, error) {
	cfg := defaultConfig()

	var options []config.YAMLOption
	for _, s := range sources {
		options = append(options, config.Source(s))
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	options = append(options, config.Expand(lookup))

	yaml, err := config.NewYAML(options...)
	if err != nil {
		return cfg, fmt.Errorf("failed to read yaml config %w", err)
	}

	var fc fileConfig
	for key, target := range map[string]any{
		"server":       &fc.Server,
		"merchant":     &fc.Merchant,
		"fingerprint":  &fc.Fingerprint,
		"challenge":    &fc.Challenge,
		"notification": &fc.Notification,
		"store":        &fc.Store,
		"rateLimit":    &fc.RateLimit,
		"audit":        &fc.Audit,
		"metrics":      &fc.Metrics,
		"debug":        &fc.Debug,
	} {
		if err := yaml.Get(key).Populate(target); err != nil {
			return cfg, fmt.Errorf("failed to read '%s' from yaml config %w", key, err)
		}
	}

	if err := fc.apply(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadConfigFile is LoadConfig for a single file with environment expansion.
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return defaultConfig(), err
	}
	defer f.Close()
	return LoadConfig(os.LookupEnv, f)
}

func (fc *fileConfig) apply(cfg *Config) error {
	var err error
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, v, name string) {
		if v == "" || err != nil {
			return
		}
		d, perr := time.ParseDuration(v)
		if perr != nil {
			err = fmt.Errorf("invalid duration for %s: %w", name, perr)
			return
		}
		*dst = d
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setKey := func(dst *[]byte, inline, file, name string) {
		if err != nil {
			return
		}
		switch {
		case inline != "":
			*dst = []byte(inline)
		case file != "":
			data, rerr := os.ReadFile(file)
			if rerr != nil {
				err = fmt.Errorf("read %s: %w", name, rerr)
				return
			}
			*dst = data
		}
	}

	s := fc.Server
	setString(&cfg.Server.BaseURL, s.BaseURL)
	setString(&cfg.Server.InitPath, s.InitPath)
	setString(&cfg.Server.ResultPath, s.ResultPath)
	setString(&cfg.Server.ChallengeStatusPath, s.ChallengeStatusPath)
	setDuration(&cfg.Server.Timeout, s.Timeout, "server.timeout")
	setString(&cfg.Server.CertFile, s.CertFile)
	setString(&cfg.Server.KeyFile, s.KeyFile)
	setString(&cfg.Server.CAFile, s.CAFile)
	if len(s.AlreadyCompletedCodes) > 0 {
		cfg.Server.AlreadyCompletedCodes = s.AlreadyCompletedCodes
	}

	m := fc.Merchant
	setString(&cfg.Merchant.ID, m.ID)
	setString(&cfg.Merchant.Country, m.Country)
	setString(&cfg.Merchant.DefaultAmount, m.DefaultAmount)
	setString(&cfg.Merchant.DefaultCurrency, m.DefaultCurrency)
	setString(&cfg.Merchant.DefaultExpiry, m.DefaultExpiry)
	setString(&cfg.Merchant.PhoneRegion, m.PhoneRegion)

	setDuration(&cfg.Fingerprint.Timeout, fc.Fingerprint.Timeout, "fingerprint.timeout")
	setDuration(&cfg.Challenge.Timeout, fc.Challenge.Timeout, "challenge.timeout")
	setString(&cfg.Challenge.DefaultStatus, fc.Challenge.DefaultStatus)

	n := fc.Notification
	setString(&cfg.Notification.CallbackURL, n.CallbackURL)
	setDuration(&cfg.Notification.TokenTTL, n.TokenTTL, "notification.tokenTtl")
	setString(&cfg.Notification.SigningMethod, n.SigningMethod)
	setKey(&cfg.Notification.PrivateKey, n.PrivateKey, n.PrivateKeyFile, "notification private key")
	setKey(&cfg.Notification.PublicKey, n.PublicKey, n.PublicKeyFile, "notification public key")
	setString(&cfg.Notification.Issuer, n.Issuer)
	if n.ListenerBuffer > 0 {
		cfg.Notification.ListenerBuffer = n.ListenerBuffer
	}

	setString(&cfg.Store.RedisPrefix, fc.Store.RedisPrefix)
	setDuration(&cfg.Store.ContextTTL, fc.Store.ContextTTL, "store.contextTtl")
	setBool(&cfg.Store.RelayEnabled, fc.Store.RelayEnabled)

	r := fc.RateLimit
	if r.MaxActionsPerWindow != nil {
		cfg.RateLimit.MaxActionsPerWindow = *r.MaxActionsPerWindow
	}
	setDuration(&cfg.RateLimit.ActionWindow, r.ActionWindow, "rateLimit.actionWindow")
	if r.MaxNotifications != nil {
		cfg.RateLimit.MaxNotifications = *r.MaxNotifications
	}
	setDuration(&cfg.RateLimit.NotificationWindow, r.NotificationWindow, "rateLimit.notificationWindow")

	setBool(&cfg.Audit.Enabled, fc.Audit.Enabled)
	if fc.Audit.BufferSize > 0 {
		cfg.Audit.BufferSize = fc.Audit.BufferSize
	}
	setBool(&cfg.Audit.DropIfFull, fc.Audit.DropIfFull)
	setBool(&cfg.Metrics.Enabled, fc.Metrics.Enabled)
	setBool(&cfg.Metrics.EnableLatencyHistograms, fc.Metrics.EnableLatencyHistograms)
	setBool(&cfg.Debug, fc.Debug)

	return err
}
