package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Secrets holds broker credentials. They are kept out of config.yaml and read
// from an optional secrets file, with KITE_* environment variables taking
// precedence.
type Secrets struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
}

// LoadSecrets reads credentials from path (any format viper understands) and
// the environment. A missing file is not an error.
func LoadSecrets(path string) (*Secrets, error) {
	v := viper.New()
	v.SetEnvPrefix("kite")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"api_key", "api_secret", "access_token"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if path != "" {
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		v.SetConfigName(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
		if ext != "" {
			v.SetConfigType(ext)
		}
		v.AddConfigPath(filepath.Dir(path))

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading secrets: %w", err)
			}
		}
	}

	var s Secrets
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding secrets: %w", err)
	}
	return &s, nil
}

// HasCredentials reports whether enough is set to call the Kite API.
func (s *Secrets) HasCredentials() bool {
	return s != nil && s.APIKey != "" && s.AccessToken != ""
}

// Validate checks the credentials needed for live trading.
func (s *Secrets) Validate(live bool) error {
	if !live {
		return nil
	}
	if s == nil || s.APIKey == "" {
		return fmt.Errorf("KITE_API_KEY is required for live trading")
	}
	if s.AccessToken == "" {
		return fmt.Errorf("KITE_ACCESS_TOKEN is required for live trading")
	}
	return nil
}
