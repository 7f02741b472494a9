package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds Redis connection and dispatch-stream settings.
type RedisConfig struct {
	URL          string
	Stream       string
	StreamMaxLen int64
	DialTimeout  *time.Duration
	ReadTimeout  *time.Duration
	WriteTimeout *time.Duration
	PoolSize     *int
	MinIdleConns *int
	MaxRetries   *int
	TLSConfig    *tls.Config
}

// DispatchConfig holds consumer-group settings for the dispatch queue.
type DispatchConfig struct {
	Group    string
	Consumer string
}

// SweeperConfig holds the pending-refund sweep interval.
type SweeperConfig struct {
	Interval time.Duration
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string
}

// AcquirerConfig is one configured acquirer: its code and how long a
// refund may sit in PENDING before the sweeper re-publishes it.
type AcquirerConfig struct {
	Code           string
	PendingTimeout time.Duration
	ManualReview   bool
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		Stream: strings.TrimSpace(os.Getenv("DISPATCH_STREAM")),
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.StreamMaxLen, err = requiredInt64("DISPATCH_STREAM_MAXLEN"); err != nil {
		return cfg, err
	}
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadDispatch reads dispatch consumer-group settings from env.
func LoadDispatch() (DispatchConfig, error) {
	group, err := requiredString("DISPATCH_GROUP")
	if err != nil {
		return DispatchConfig{}, err
	}
	consumer := strings.TrimSpace(os.Getenv("DISPATCH_CONSUMER"))
	if consumer == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return DispatchConfig{}, fmt.Errorf("DISPATCH_CONSUMER unset and hostname unavailable: %w", err)
		}
		consumer = hostname
	}
	return DispatchConfig{Group: group, Consumer: consumer}, nil
}

// LoadSweeper reads the sweep interval from env.
func LoadSweeper() (SweeperConfig, error) {
	interval, err := requiredDuration("SWEEP_INTERVAL")
	if err != nil {
		return SweeperConfig{}, err
	}
	return SweeperConfig{Interval: interval}, nil
}

// LoadObservability reads the metrics HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	addr, err := requiredString("OBS_ADDR")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	return ObservabilityConfig{Addr: addr}, nil
}

// LoadAcquirers parses the configured acquirers from
// ACQUIRER_PENDING_TIMEOUTS, formatted "code:duration,code:duration",
// and flags codes listed in ACQUIRERS_MANUAL_REVIEW.
func LoadAcquirers() ([]AcquirerConfig, error) {
	raw, err := requiredString("ACQUIRER_PENDING_TIMEOUTS")
	if err != nil {
		return nil, err
	}

	review := make(map[string]bool)
	for _, code := range strings.Split(os.Getenv("ACQUIRERS_MANUAL_REVIEW"), ",") {
		code = strings.TrimSpace(code)
		if code != "" {
			review[code] = true
		}
	}

	var acquirers []AcquirerConfig
	seen := make(map[string]bool)
	for _, pair := range strings.Split(raw, ",") {
		code, spec, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || code == "" {
			return nil, fmt.Errorf("ACQUIRER_PENDING_TIMEOUTS: malformed entry %q", pair)
		}
		if seen[code] {
			return nil, fmt.Errorf("ACQUIRER_PENDING_TIMEOUTS: duplicate acquirer %q", code)
		}
		seen[code] = true
		timeout, err := time.ParseDuration(spec)
		if err != nil {
			return nil, fmt.Errorf("ACQUIRER_PENDING_TIMEOUTS: acquirer %q: %w", code, err)
		}
		if timeout <= 0 {
			return nil, fmt.Errorf("ACQUIRER_PENDING_TIMEOUTS: acquirer %q must have a positive timeout", code)
		}
		acquirers = append(acquirers, AcquirerConfig{
			Code:           code,
			PendingTimeout: timeout,
			ManualReview:   review[code],
		})
	}
	return acquirers, nil
}

// GetDatabaseURL returns the Postgres DSN from env. DATABASE_URL is
// required.
func GetDatabaseURL() (string, error) {
	return requiredString("DATABASE_URL")
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredInt64(name string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
