// Package config loads the broker connection and messaging settings.
//
// Values come from an optional YAML file, then defaults, then environment
// variables, the last source winning.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/millegrilles/messages-go/internal/rabbitmq"
	"github.com/millegrilles/messages-go/messaging"
	transport "github.com/millegrilles/messages-go/transports/rabbitmq"
)

type Config struct {
	IDMG      string          `koanf:"idmg"`
	MQ        MQConfig        `koanf:"mq"`
	Messaging MessagingConfig `koanf:"messaging"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// MQConfig is the broker connection
type MQConfig struct {
	Host               string        `koanf:"host"`
	Port               int           `koanf:"port"`
	VHost              string        `koanf:"vhost"`
	CAPem              string        `koanf:"ca_pem"`
	CertPem            string        `koanf:"cert_pem"`
	KeyPem             string        `koanf:"key_pem"`
	ConnectionAttempts int           `koanf:"connection_attempts"`
	RetryDelay         time.Duration `koanf:"retry_delay"`
	Heartbeat          time.Duration `koanf:"heartbeat"`
}

// MessagingConfig tunes the producer and the consumers
type MessagingConfig struct {
	RequestTimeout      time.Duration `koanf:"request_timeout"`
	MaintenanceInterval time.Duration `koanf:"maintenance_interval"`
	HealthInterval      time.Duration `koanf:"health_interval"`
	ReadyTimeout        time.Duration `koanf:"ready_timeout"`
	MaxPendingReplies   int           `koanf:"max_pending_replies"`
	PendingWaitTimeout  time.Duration `koanf:"pending_wait_timeout"`
	ReplyGraceFactor    int           `koanf:"reply_grace_factor"`
	MaxQueued           int           `koanf:"max_queued"`
}

type MetricsConfig struct {
	Address   string `koanf:"address"`
	Namespace string `koanf:"namespace"`
}

// Load reads path when given, then applies defaults and environment overrides
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyDefaults(k)
	applyEnvOverrides(k)

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	setDefault(k, "mq.host", "mq")
	setDefault(k, "mq.port", 5673)
	setDefault(k, "mq.vhost", "")
	setDefault(k, "mq.connection_attempts", 2)
	setDefault(k, "mq.retry_delay", 10*time.Second)
	setDefault(k, "mq.heartbeat", 30*time.Second)

	setDefault(k, "messaging.request_timeout", messaging.DefaultRequestTimeout)
	setDefault(k, "messaging.maintenance_interval", messaging.DefaultMaintenanceInterval)
	setDefault(k, "messaging.health_interval", messaging.DefaultHealthInterval)
	setDefault(k, "messaging.ready_timeout", messaging.DefaultReadyTimeout)
	setDefault(k, "messaging.max_pending_replies", messaging.DefaultMaxPending)
	setDefault(k, "messaging.pending_wait_timeout", messaging.DefaultPendingWaitTimeout)
	setDefault(k, "messaging.reply_grace_factor", messaging.DefaultReplyGraceFactor)
	setDefault(k, "messaging.max_queued", messaging.DefaultMaxQueued)

	setDefault(k, "metrics.address", ":9090")
	setDefault(k, "metrics.namespace", "millegrilles")
}

func applyEnvOverrides(k *koanf.Koanf) {
	if idmg := getString("IDMG", ""); idmg != "" {
		k.Set("idmg", idmg)
	}

	if host := getString("MQ_HOSTNAME", ""); host != "" {
		k.Set("mq.host", host)
	}
	if port := getInt("MQ_PORT", 0); port > 0 {
		k.Set("mq.port", port)
	}
	if vhost := getString("MQ_VHOST", ""); vhost != "" {
		k.Set("mq.vhost", vhost)
	}
	if ca := getString("CA_PEM", ""); ca != "" {
		k.Set("mq.ca_pem", ca)
	}
	if cert := getString("CERT_PEM", ""); cert != "" {
		k.Set("mq.cert_pem", cert)
	}
	if key := getString("KEY_PEM", ""); key != "" {
		k.Set("mq.key_pem", key)
	}
	if attempts := getInt("MQ_CONNECTION_ATTEMPTS", 0); attempts > 0 {
		k.Set("mq.connection_attempts", attempts)
	}
	if delay := getInt("MQ_RETRY_DELAY", 0); delay > 0 {
		k.Set("mq.retry_delay", time.Duration(delay)*time.Second)
	}
	if heartbeat := getInt("MQ_HEARTBEAT", 0); heartbeat > 0 {
		k.Set("mq.heartbeat", time.Duration(heartbeat)*time.Second)
	}

	if addr := getString("METRICS_ADDR", ""); addr != "" {
		k.Set("metrics.address", addr)
	}
}

// setDefault only sets the value if the key doesn't already exist
func setDefault(k *koanf.Koanf, key string, value interface{}) {
	if !k.Exists(key) {
		k.Set(key, value)
	}
}

// UsesTLS reports whether a client certificate is configured
func (c *Config) UsesTLS() bool {
	return c.MQ.CertPem != "" && c.MQ.KeyPem != ""
}

// URL builds the broker URL, amqps when a client certificate is configured
func (c *Config) URL() string {
	scheme := "amqp"
	if c.UsesTLS() {
		scheme = "amqps"
	}
	host := net.JoinHostPort(c.MQ.Host, strconv.Itoa(c.MQ.Port))
	return fmt.Sprintf("%s://%s/%s", scheme, host, url.PathEscape(c.MQ.VHost))
}

// TLSConfig loads the client certificate and the CA. It returns nil without certificate.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if !c.UsesTLS() {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.MQ.CertPem, c.MQ.KeyPem)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   c.MQ.Host,
		MinVersion:   tls.VersionTLS12,
	}

	if c.MQ.CAPem != "" {
		caPem, err := os.ReadFile(c.MQ.CAPem)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPem) {
			return nil, fmt.Errorf("no certificate found in CA file %s", c.MQ.CAPem)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Validate checks the values Load cannot fix by itself
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateMQ()...)
	errs = append(errs, c.validateMessaging()...)

	return errors.Join(errs...)
}

func (c *Config) validateMQ() []error {
	var errs []error
	if c.MQ.Host == "" {
		errs = append(errs, errors.New("mq: host is required"))
	}
	if c.MQ.Port < 1 || c.MQ.Port > 65535 {
		errs = append(errs, fmt.Errorf("mq: invalid port %d", c.MQ.Port))
	}
	if (c.MQ.CertPem == "") != (c.MQ.KeyPem == "") {
		errs = append(errs, errors.New("mq: cert_pem and key_pem must be set together"))
	}
	if c.MQ.ConnectionAttempts < 1 {
		errs = append(errs, errors.New("mq: connection_attempts must be at least 1"))
	}
	if c.MQ.RetryDelay < 0 || c.MQ.Heartbeat < 0 {
		errs = append(errs, errors.New("mq: durations cannot be negative"))
	}
	return errs
}

func (c *Config) validateMessaging() []error {
	var errs []error
	m := c.Messaging
	if m.RequestTimeout <= 0 || m.ReadyTimeout <= 0 || m.PendingWaitTimeout <= 0 {
		errs = append(errs, errors.New("messaging: timeouts must be positive"))
	}
	if m.MaintenanceInterval <= 0 || m.HealthInterval <= 0 {
		errs = append(errs, errors.New("messaging: intervals must be positive"))
	}
	if m.MaxPendingReplies < 1 {
		errs = append(errs, errors.New("messaging: max_pending_replies must be at least 1"))
	}
	if m.ReplyGraceFactor < 1 {
		errs = append(errs, errors.New("messaging: reply_grace_factor must be at least 1"))
	}
	if m.MaxQueued < 1 {
		errs = append(errs, errors.New("messaging: max_queued must be at least 1"))
	}
	return errs
}

// TransportOptions returns the RabbitMQ transport options for this configuration
func (c *Config) TransportOptions() ([]transport.TransportOption, error) {
	tlsConfig, err := c.TLSConfig()
	if err != nil {
		return nil, err
	}

	connection := []rabbitmq.ConnectionOption{
		rabbitmq.WithConnectionAttempts(c.MQ.ConnectionAttempts),
		rabbitmq.WithRetryDelay(c.MQ.RetryDelay),
		rabbitmq.WithHeartbeat(c.MQ.Heartbeat),
	}
	if tlsConfig != nil {
		connection = append(connection, rabbitmq.WithTLSConfig(tlsConfig))
	}

	return []transport.TransportOption{transport.WithConnectionOptions(connection...)}, nil
}

// ModuleOptions returns the messaging module options for this configuration
func (c *Config) ModuleOptions() []messaging.ModuleOption {
	m := c.Messaging
	return []messaging.ModuleOption{
		messaging.WithHealthInterval(m.HealthInterval),
		messaging.WithProducerOptions(
			messaging.WithRequestTimeout(m.RequestTimeout),
			messaging.WithReadyTimeout(m.ReadyTimeout),
			messaging.WithMaxQueued(m.MaxQueued),
		),
		messaging.WithReplyConsumerOptions(
			messaging.WithMaintenanceInterval(m.MaintenanceInterval),
			messaging.WithCorrelationLimits(m.MaxPendingReplies, m.PendingWaitTimeout, m.ReplyGraceFactor),
		),
	}
}

// String describes the configuration without the key path
func (c *Config) String() string {
	key := ""
	if c.MQ.KeyPem != "" {
		key = "***"
	}
	return fmt.Sprintf("url=%s cert=%s key=%s attempts=%d retryDelay=%s heartbeat=%s idmg=%s",
		rabbitmq.SanitizeURL(c.URL()), c.MQ.CertPem, key,
		c.MQ.ConnectionAttempts, c.MQ.RetryDelay, c.MQ.Heartbeat, c.IDMG)
}
