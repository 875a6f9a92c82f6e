package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when the credentials file is readable
// by group or others.
var ErrInsecurePermissions = errors.New("credentials file has insecure permissions")

// Credentials holds the secrets kept out of config.yml.
type Credentials struct {
	Slack struct {
		BotToken string `toml:"bot_token"`
	} `toml:"slack"`
	Auth struct {
		JWTSecret string `toml:"jwt_secret"`
	} `toml:"auth"`
	NATS struct {
		Token string `toml:"token"`
	} `toml:"nats"`
	// Webhooks maps a hook url to the secret sent with its deliveries.
	Webhooks map[string]string `toml:"webhooks"`
}

// LoadCredentials reads path. A missing file yields empty credentials.
func LoadCredentials(path string) (Credentials, error) {
	var creds Credentials
	if path == "" {
		return creds, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return creds, nil
		}
		return creds, err
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return creds, fmt.Errorf("%w: %s has mode %04o", ErrInsecurePermissions, path, info.Mode().Perm())
	}
	md, err := toml.DecodeFile(path, &creds)
	if err != nil {
		return creds, fmt.Errorf("credentials %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return creds, fmt.Errorf("credentials %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return creds, nil
}

// WithEnv fills empty secrets from TASKFLOW_* environment variables.
func (c Credentials) WithEnv() Credentials {
	set := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	set(&c.Slack.BotToken, "TASKFLOW_SLACK_BOT_TOKEN")
	set(&c.Auth.JWTSecret, "TASKFLOW_JWT_SECRET")
	set(&c.NATS.Token, "TASKFLOW_NATS_TOKEN")
	return c
}
