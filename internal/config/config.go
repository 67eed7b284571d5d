package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration knobs for the bridge.
type Config struct {
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"http"`
	Moultrie struct {
		APIBaseURL     string        `mapstructure:"api_base_url"`
		CDNBaseURL     string        `mapstructure:"cdn_base_url"`
		TokenURL       string        `mapstructure:"token_url"`
		ClientID       string        `mapstructure:"client_id"`
		RedirectURI    string        `mapstructure:"redirect_uri"`
		Scope          string        `mapstructure:"scope"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		MaxAttempts    int           `mapstructure:"max_attempts"`
		RetryBase      time.Duration `mapstructure:"retry_base"`
		RetryMax       time.Duration `mapstructure:"retry_max"`
	} `mapstructure:"moultrie"`
	Account struct {
		ID string `mapstructure:"id"`
	} `mapstructure:"account"`
	Poll struct {
		Interval     time.Duration `mapstructure:"interval"`
		SafetyMargin time.Duration `mapstructure:"safety_margin"`
	} `mapstructure:"poll"`
	Storage struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"storage"`
	Auth struct {
		Enabled   bool   `mapstructure:"enabled"`
		Username  string `mapstructure:"username"`
		Password  string `mapstructure:"password"`
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
}

// Load reads the configuration from disk/environment using Viper.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("trailcam_bridge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine, env-only configuration is supported.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8091")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("moultrie.api_base_url", "https://api.moultriemobile.com")
	v.SetDefault("moultrie.cdn_base_url", "https://cdn.moultriemobile.com")
	v.SetDefault("moultrie.token_url", "https://moultriemobileb2c.b2clogin.com/moultriemobileb2c.onmicrosoft.com/oauth2/v2.0/token?p=B2C_1A_SIGNUP_SIGNIN")
	v.SetDefault("moultrie.client_id", "")
	v.SetDefault("moultrie.redirect_uri", "msal-redirect://auth")
	v.SetDefault("moultrie.scope", "openid offline_access")
	v.SetDefault("moultrie.request_timeout", "30s")
	v.SetDefault("moultrie.max_attempts", 3)
	v.SetDefault("moultrie.retry_base", "2s")
	v.SetDefault("moultrie.retry_max", "30s")

	v.SetDefault("account.id", "default")

	v.SetDefault("poll.interval", "5m")
	v.SetDefault("poll.safety_margin", "5m")

	v.SetDefault("storage.path", "./data/trailcam.db")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password", "admin123")
	v.SetDefault("auth.jwt_secret", "change-me-secret")
}
