package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Twilio TwilioConfig
	Telnyx TelnyxConfig
	Engine EngineConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
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
	APIBaseURL string
	// PublicBaseURL is the externally reachable origin used for callbacks.
	PublicBaseURL string
	FromNumber    string
}

type TelnyxConfig struct {
	APIKey       string
	PublicKeyHex string
	APIBaseURL   string
	ConnectionID string
	FromNumber   string
}

// EngineConfig tunes routing, IVR and media handling.
type EngineConfig struct {
	SampleRate int

	QueuePositionInterval time.Duration
	SLAInterval           time.Duration
	SLATarget             time.Duration
	SLABucket             time.Duration
	HandleTimeWindow      time.Duration
	HandleTimeDefault     time.Duration

	VendorRetryAttempts int
	VendorRetryBase     time.Duration
	VendorRetryMax      time.Duration

	AudioErrorThreshold int
	AudioErrorWindow    time.Duration

	RoutingRulesFile string
	IVRFlowsDir      string
	DefaultTeam      string
	DefaultFlow      string
	// Numbers maps dialed numbers to flow ids: "+15550100=main,+15550101=sales".
	Numbers map[string]string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Durations are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL, parseErrs = optDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = optDuration(parseErrs, "JWT_REFRESH_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.APIBaseURL = strings.TrimSpace(os.Getenv("TWILIO_API_BASE_URL"))
	c.Twilio.PublicBaseURL = strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL"))
	c.Twilio.FromNumber = strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER"))

	c.Telnyx.APIKey = os.Getenv("TELNYX_API_KEY")
	c.Telnyx.PublicKeyHex = strings.TrimSpace(os.Getenv("TELNYX_PUBLIC_KEY"))
	c.Telnyx.APIBaseURL = strings.TrimSpace(os.Getenv("TELNYX_API_BASE_URL"))
	c.Telnyx.ConnectionID = strings.TrimSpace(os.Getenv("TELNYX_CONNECTION_ID"))
	c.Telnyx.FromNumber = strings.TrimSpace(os.Getenv("TELNYX_FROM_NUMBER"))

	e := &c.Engine
	e.SampleRate, parseErrs = optInt(parseErrs, "ENGINE_SAMPLE_RATE")
	e.QueuePositionInterval, parseErrs = optDuration(parseErrs, "QUEUE_POSITION_INTERVAL")
	e.SLAInterval, parseErrs = optDuration(parseErrs, "SLA_INTERVAL")
	e.SLATarget, parseErrs = optDuration(parseErrs, "SLA_TARGET")
	e.SLABucket, parseErrs = optDuration(parseErrs, "SLA_BUCKET")
	e.HandleTimeWindow, parseErrs = optDuration(parseErrs, "HANDLE_TIME_WINDOW")
	e.HandleTimeDefault, parseErrs = optDuration(parseErrs, "HANDLE_TIME_DEFAULT")
	e.VendorRetryAttempts, parseErrs = optInt(parseErrs, "VENDOR_RETRY_ATTEMPTS")
	e.VendorRetryBase, parseErrs = optDuration(parseErrs, "VENDOR_RETRY_BASE")
	e.VendorRetryMax, parseErrs = optDuration(parseErrs, "VENDOR_RETRY_MAX")
	e.AudioErrorThreshold, parseErrs = optInt(parseErrs, "AUDIO_ERROR_THRESHOLD")
	e.AudioErrorWindow, parseErrs = optDuration(parseErrs, "AUDIO_ERROR_WINDOW")
	e.RoutingRulesFile = strings.TrimSpace(os.Getenv("ROUTING_RULES_FILE"))
	e.IVRFlowsDir = strings.TrimSpace(os.Getenv("IVR_FLOWS_DIR"))
	e.DefaultTeam = strings.TrimSpace(os.Getenv("DEFAULT_TEAM"))
	e.DefaultFlow = strings.TrimSpace(os.Getenv("DEFAULT_FLOW"))
	{
		m, err := ParseNumbers(os.Getenv("IVR_NUMBERS"))
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		e.Numbers = m
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills env-aware defaults in place.
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
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Production must be explicit.
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

	if c.IsProduction() {
		// Accept-all webhook verification is a local convenience only.
		if c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required in production"))
		}
		if c.Telnyx.PublicKeyHex == "" {
			errs = append(errs, errors.New("TELNYX_PUBLIC_KEY is required in production"))
		}
		if c.Twilio.PublicBaseURL == "" {
			errs = append(errs, errors.New("PUBLIC_BASE_URL is required in production"))
		}
	}

	errs = append(errs, c.Engine.applyDefaults()...)
	return joinErrors(errs)
}

func (e *EngineConfig) applyDefaults() []error {
	var errs []error
	if e.SampleRate == 0 {
		e.SampleRate = 16000
	}
	switch e.SampleRate {
	case 8000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("ENGINE_SAMPLE_RATE must be one of 8000, 16000, 24000, 48000, got %d", e.SampleRate))
	}

	durations := []struct {
		key string
		v   *time.Duration
		def time.Duration
	}{
		{"QUEUE_POSITION_INTERVAL", &e.QueuePositionInterval, 5 * time.Second},
		{"SLA_INTERVAL", &e.SLAInterval, time.Minute},
		{"SLA_TARGET", &e.SLATarget, 20 * time.Second},
		{"SLA_BUCKET", &e.SLABucket, 15 * time.Minute},
		{"HANDLE_TIME_WINDOW", &e.HandleTimeWindow, time.Hour},
		{"HANDLE_TIME_DEFAULT", &e.HandleTimeDefault, 3 * time.Minute},
		{"VENDOR_RETRY_BASE", &e.VendorRetryBase, 200 * time.Millisecond},
		{"VENDOR_RETRY_MAX", &e.VendorRetryMax, 5 * time.Second},
		{"AUDIO_ERROR_WINDOW", &e.AudioErrorWindow, 5 * time.Second},
	}
	for _, d := range durations {
		if *d.v == 0 {
			*d.v = d.def
		}
		if *d.v < 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.key, *d.v))
		}
	}
	if e.VendorRetryMax < e.VendorRetryBase {
		errs = append(errs, errors.New("VENDOR_RETRY_MAX must be at least VENDOR_RETRY_BASE"))
	}

	if e.VendorRetryAttempts == 0 {
		e.VendorRetryAttempts = 4
	}
	if e.VendorRetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("VENDOR_RETRY_ATTEMPTS must be positive, got %d", e.VendorRetryAttempts))
	}
	if e.AudioErrorThreshold == 0 {
		e.AudioErrorThreshold = 10
	}
	if e.AudioErrorThreshold < 0 {
		errs = append(errs, fmt.Errorf("AUDIO_ERROR_THRESHOLD must be positive, got %d", e.AudioErrorThreshold))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
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

// ParseNumbers reads "number=flow" pairs separated by commas.
func ParseNumbers(raw string) (map[string]string, error) {
	out := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		num, flow, ok := strings.Cut(strings.TrimSpace(pair), "=")
		num, flow = strings.TrimSpace(num), strings.TrimSpace(flow)
		if !ok || num == "" || flow == "" {
			return nil, fmt.Errorf("IVR_NUMBERS entry must be number=flow, got %q", pair)
		}
		out[num] = flow
	}
	return out, nil
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(errs []error, key string) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
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
