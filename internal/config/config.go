package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the API process needs. Values come from the
// environment, optionally seeded by a .env file in the working directory.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Twilio TwilioConfig
	Dialer DialerConfig
}

type AppConfig struct {
	Env         string
	Port        int
	CORSOrigins []string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts disable, require, verify-ca, verify-full.
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	APIBaseURL string

	// ValidateSignatures turns on X-Twilio-Signature checks for webhooks.
	ValidateSignatures bool
}

type DialerConfig struct {
	// CallbackBaseURL is the public origin the provider posts webhooks to.
	CallbackBaseURL string

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	MaxAttemptsPerNumber int
	DefaultPriority      int

	// MaxConcurrentCalls caps originated calls across the fleet; 0 disables the cap.
	MaxConcurrentCalls int

	// StaleCallAge bounds calls nobody answered or picked up; MaxCallAge
	// bounds connected calls, measured from their last state change.
	StaleCallAge  time.Duration
	MaxCallAge    time.Duration
	SweepInterval time.Duration
	StatusHistory int

	AutoDialDelay   time.Duration
	NoAnswerTimeout time.Duration
	PollInterval    time.Duration
}

// env mirrors the flat environment keys. viper only unmarshals keys it
// knows about, so every key gets a default in setDefaults.
type env struct {
	AppEnv      string `mapstructure:"APP_ENV"`
	AppPort     int    `mapstructure:"APP_PORT"`
	CORSOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     int    `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	DBSSLMode  string `mapstructure:"DB_SSLMODE"`

	RedisHost     string `mapstructure:"REDIS_HOST"`
	RedisPort     int    `mapstructure:"REDIS_PORT"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	JWTSecret     string        `mapstructure:"JWT_SECRET"`
	JWTIssuer     string        `mapstructure:"JWT_ISSUER"`
	JWTAudience   string        `mapstructure:"JWT_AUDIENCE"`
	JWTAccessTTL  time.Duration `mapstructure:"JWT_ACCESS_TTL"`
	JWTRefreshTTL time.Duration `mapstructure:"JWT_REFRESH_TTL"`

	TwilioAccountSID   string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken    string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber   string `mapstructure:"TWILIO_FROM_NUMBER"`
	TwilioAPIBaseURL   string `mapstructure:"TWILIO_API_BASE_URL"`
	TwilioValidateSigs bool   `mapstructure:"TWILIO_VALIDATE_SIGNATURES"`

	CallbackBaseURL      string        `mapstructure:"DIALER_CALLBACK_BASE_URL"`
	SessionTTL           time.Duration `mapstructure:"DIALER_SESSION_TTL"`
	SessionSweepInterval time.Duration `mapstructure:"DIALER_SESSION_SWEEP_INTERVAL"`
	MaxAttemptsPerNumber int           `mapstructure:"DIALER_MAX_ATTEMPTS_PER_NUMBER"`
	DefaultPriority      int           `mapstructure:"DIALER_DEFAULT_PRIORITY"`
	MaxConcurrentCalls   int           `mapstructure:"DIALER_MAX_CONCURRENT_CALLS"`
	StaleCallAge         time.Duration `mapstructure:"DIALER_STALE_CALL_AGE"`
	MaxCallAge           time.Duration `mapstructure:"DIALER_MAX_CALL_AGE"`
	SweepInterval        time.Duration `mapstructure:"DIALER_SWEEP_INTERVAL"`
	StatusHistory        int           `mapstructure:"DIALER_STATUS_HISTORY"`
	AutoDialDelay        time.Duration `mapstructure:"DIALER_AUTO_DELAY"`
	NoAnswerTimeout      time.Duration `mapstructure:"DIALER_NO_ANSWER_TIMEOUT"`
	PollInterval         time.Duration `mapstructure:"DIALER_POLL_INTERVAL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "")
	v.SetDefault("APP_PORT", 8080)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	v.SetDefault("DB_HOST", "")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "")
	v.SetDefault("DB_SSLMODE", "")

	v.SetDefault("REDIS_HOST", "")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")

	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "720h")

	v.SetDefault("TWILIO_ACCOUNT_SID", "")
	v.SetDefault("TWILIO_AUTH_TOKEN", "")
	v.SetDefault("TWILIO_FROM_NUMBER", "")
	v.SetDefault("TWILIO_API_BASE_URL", "https://api.twilio.com")
	v.SetDefault("TWILIO_VALIDATE_SIGNATURES", false)

	v.SetDefault("DIALER_CALLBACK_BASE_URL", "")
	v.SetDefault("DIALER_SESSION_TTL", "30m")
	v.SetDefault("DIALER_SESSION_SWEEP_INTERVAL", "1m")
	v.SetDefault("DIALER_MAX_ATTEMPTS_PER_NUMBER", 3)
	v.SetDefault("DIALER_DEFAULT_PRIORITY", 100)
	v.SetDefault("DIALER_MAX_CONCURRENT_CALLS", 0)
	v.SetDefault("DIALER_STALE_CALL_AGE", "10m")
	v.SetDefault("DIALER_MAX_CALL_AGE", "4h")
	v.SetDefault("DIALER_SWEEP_INTERVAL", "30s")
	v.SetDefault("DIALER_STATUS_HISTORY", 100)
	v.SetDefault("DIALER_AUTO_DELAY", "3s")
	v.SetDefault("DIALER_NO_ANSWER_TIMEOUT", "30s")
	v.SetDefault("DIALER_POLL_INTERVAL", "500ms")
}

// Load reads configuration from the environment and an optional .env file.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()
	return LoadFrom(v)
}

// LoadFrom builds a Config from an already populated viper instance.
func LoadFrom(v *viper.Viper) (Config, error) {
	setDefaults(v)

	var e env
	if err := v.Unmarshal(&e); err != nil {
		return Config{}, fmt.Errorf("config decode: %w", err)
	}

	c := Config{
		App: AppConfig{
			Env:         strings.TrimSpace(e.AppEnv),
			Port:        e.AppPort,
			CORSOrigins: splitList(e.CORSOrigins),
		},
		DB: DBConfig{
			Host:     strings.TrimSpace(e.DBHost),
			Port:     e.DBPort,
			User:     strings.TrimSpace(e.DBUser),
			Password: e.DBPassword,
			Name:     strings.TrimSpace(e.DBName),
			SSLMode:  strings.TrimSpace(e.DBSSLMode),
		},
		Redis: RedisConfig{
			Host:     strings.TrimSpace(e.RedisHost),
			Port:     e.RedisPort,
			Password: e.RedisPassword,
		},
		Auth: AuthConfig{
			JWTSecret:       e.JWTSecret,
			JWTIssuer:       strings.TrimSpace(e.JWTIssuer),
			JWTAudience:     strings.TrimSpace(e.JWTAudience),
			AccessTokenTTL:  e.JWTAccessTTL,
			RefreshTokenTTL: e.JWTRefreshTTL,
		},
		Twilio: TwilioConfig{
			AccountSID:         strings.TrimSpace(e.TwilioAccountSID),
			AuthToken:          e.TwilioAuthToken,
			FromNumber:         strings.TrimSpace(e.TwilioFromNumber),
			APIBaseURL:         strings.TrimRight(strings.TrimSpace(e.TwilioAPIBaseURL), "/"),
			ValidateSignatures: e.TwilioValidateSigs,
		},
		Dialer: DialerConfig{
			CallbackBaseURL:      strings.TrimRight(strings.TrimSpace(e.CallbackBaseURL), "/"),
			SessionTTL:           e.SessionTTL,
			SessionSweepInterval: e.SessionSweepInterval,
			MaxAttemptsPerNumber: e.MaxAttemptsPerNumber,
			DefaultPriority:      e.DefaultPriority,
			MaxConcurrentCalls:   e.MaxConcurrentCalls,
			StaleCallAge:         e.StaleCallAge,
			MaxCallAge:           e.MaxCallAge,
			SweepInterval:        e.SweepInterval,
			StatusHistory:        e.StatusHistory,
			AutoDialDelay:        e.AutoDialDelay,
			NoAnswerTimeout:      e.NoAnswerTimeout,
			PollInterval:         e.PollInterval,
		},
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills environment-dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if len(c.App.CORSOrigins) == 0 {
		c.App.CORSOrigins = []string{"*"}
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
	}
	if c.Twilio.FromNumber == "" {
		errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required"))
	}
	if c.Twilio.APIBaseURL == "" {
		c.Twilio.APIBaseURL = "https://api.twilio.com"
	}
	if c.IsProduction() && !c.Twilio.ValidateSignatures {
		errs = append(errs, errors.New("TWILIO_VALIDATE_SIGNATURES must be true in production"))
	}

	if c.Dialer.CallbackBaseURL == "" {
		errs = append(errs, errors.New("DIALER_CALLBACK_BASE_URL is required"))
	} else if u, err := url.Parse(c.Dialer.CallbackBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("DIALER_CALLBACK_BASE_URL must be an absolute URL, got %q", c.Dialer.CallbackBaseURL))
	}
	if c.Dialer.SessionTTL <= 0 {
		c.Dialer.SessionTTL = 30 * time.Minute
	}
	if c.Dialer.SessionSweepInterval <= 0 {
		c.Dialer.SessionSweepInterval = time.Minute
	}
	if c.Dialer.MaxAttemptsPerNumber <= 0 {
		errs = append(errs, fmt.Errorf("DIALER_MAX_ATTEMPTS_PER_NUMBER must be > 0, got %d", c.Dialer.MaxAttemptsPerNumber))
	}
	if c.Dialer.MaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("DIALER_MAX_CONCURRENT_CALLS must be >= 0, got %d", c.Dialer.MaxConcurrentCalls))
	}
	if c.Dialer.StaleCallAge <= 0 {
		c.Dialer.StaleCallAge = 10 * time.Minute
	}
	if c.Dialer.MaxCallAge <= 0 {
		c.Dialer.MaxCallAge = 4 * time.Hour
	}
	if c.Dialer.MaxCallAge < c.Dialer.StaleCallAge {
		errs = append(errs, fmt.Errorf("DIALER_MAX_CALL_AGE must be >= DIALER_STALE_CALL_AGE, got %s", c.Dialer.MaxCallAge))
	}
	if c.Dialer.SweepInterval <= 0 {
		c.Dialer.SweepInterval = 30 * time.Second
	}
	if c.Dialer.StatusHistory <= 0 {
		c.Dialer.StatusHistory = 100
	}
	if c.Dialer.AutoDialDelay < 0 {
		errs = append(errs, errors.New("DIALER_AUTO_DELAY must not be negative"))
	}
	if c.Dialer.NoAnswerTimeout < 0 {
		errs = append(errs, errors.New("DIALER_NO_ANSWER_TIMEOUT must not be negative"))
	}
	if c.Dialer.PollInterval <= 0 {
		c.Dialer.PollInterval = 500 * time.Millisecond
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// PostgresDSN carries credentials; never log it.
func (c Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
