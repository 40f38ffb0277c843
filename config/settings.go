// Package config builds and validates the MQTT connection settings a
// session dials with: host, credentials, TLS material, and the session
// lifecycle knobs (clean start, keep alive, session expiry).
package config

import (
	"crypto/tls"
	"time"

	"github.com/brinkhaus/mqcore"
)

// ConnectionSettings holds everything needed to establish an MQTT
// connection. Construct one with New and functional Options; this package
// does not load settings from the environment.
type ConnectionSettings struct {
	ClientID string
	HostName string
	TCPPort  uint16

	KeepAlive         time.Duration
	SessionExpiry     time.Duration
	ConnectionTimeout time.Duration
	CleanStart        bool

	Username     string
	Password     string
	PasswordFile string
	SATAuthFile  string

	UseTLS                   bool
	CAFile                   string
	CARequireRevocationCheck bool
	CertFile                 string
	KeyFile                  string
	KeyFilePassword          string

	// TLSConfig, when set, is used as-is instead of one built from the
	// CA/cert/key file fields.
	TLSConfig *tls.Config
}

// Option is a functional option for configuring ConnectionSettings.
type Option func(*ConnectionSettings)

// WithClientID sets the MQTT client identifier. Required whenever
// CleanStart is false.
func WithClientID(id string) Option {
	return func(s *ConnectionSettings) { s.ClientID = id }
}

// WithTCPPort sets the TCP port to dial (default: 8883).
func WithTCPPort(port uint16) Option {
	return func(s *ConnectionSettings) { s.TCPPort = port }
}

// WithKeepAlive sets the MQTT keep alive interval (default: 60s).
func WithKeepAlive(d time.Duration) Option {
	return func(s *ConnectionSettings) { s.KeepAlive = d }
}

// WithSessionExpiry sets the session expiry interval (default: 1h).
func WithSessionExpiry(d time.Duration) Option {
	return func(s *ConnectionSettings) { s.SessionExpiry = d }
}

// WithConnectionTimeout sets the CONNECT round-trip timeout (default: 30s).
func WithConnectionTimeout(d time.Duration) Option {
	return func(s *ConnectionSettings) { s.ConnectionTimeout = d }
}

// WithCleanStart sets whether the session starts clean (default: true).
// Set false to resume a persistent session; doing so requires a non-empty
// ClientID.
func WithCleanStart(clean bool) Option {
	return func(s *ConnectionSettings) { s.CleanStart = clean }
}

// WithCredentials sets the username and password for MQTT authentication.
func WithCredentials(username, password string) Option {
	return func(s *ConnectionSettings) {
		s.Username = username
		s.Password = password
	}
}

// WithPasswordFile sets a path to a file holding the MQTT password,
// mutually exclusive with WithCredentials' password.
func WithPasswordFile(path string) Option {
	return func(s *ConnectionSettings) { s.PasswordFile = path }
}

// WithSATAuthFile sets a path to a service account token file used for SAT
// auth, mutually exclusive with password and password file.
func WithSATAuthFile(path string) Option {
	return func(s *ConnectionSettings) { s.SATAuthFile = path }
}

// WithTLS enables or disables TLS negotiation (default: true) and
// optionally sets an explicit *tls.Config to use instead of one built from
// the CA/cert/key file options.
func WithTLS(enable bool, cfg *tls.Config) Option {
	return func(s *ConnectionSettings) {
		s.UseTLS = enable
		s.TLSConfig = cfg
	}
}

// WithCAFile sets a PEM file used to validate the server's identity.
func WithCAFile(path string, requireRevocationCheck bool) Option {
	return func(s *ConnectionSettings) {
		s.CAFile = path
		s.CARequireRevocationCheck = requireRevocationCheck
	}
}

// WithCertFile sets the PEM certificate file used for X.509 client
// authentication.
func WithCertFile(certFile string) Option {
	return func(s *ConnectionSettings) { s.CertFile = certFile }
}

// WithKeyFile sets the PEM key file used for X.509 client authentication,
// required together with WithCertFile. keyFilePassword may be empty when
// the key file is not encrypted.
func WithKeyFile(keyFile, keyFilePassword string) Option {
	return func(s *ConnectionSettings) {
		s.KeyFile = keyFile
		s.KeyFilePassword = keyFilePassword
	}
}

// New builds a ConnectionSettings for hostName with the package defaults,
// then applies opts.
func New(hostName string, opts ...Option) *ConnectionSettings {
	s := &ConnectionSettings{
		HostName:          hostName,
		TCPPort:           8883,
		KeepAlive:         60 * time.Second,
		SessionExpiry:     time.Hour,
		ConnectionTimeout: 30 * time.Second,
		CleanStart:        true,
		UseTLS:            true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks the field combinations spelled out by the connection
// settings rules: host must be non-empty; client id must be non-empty when
// clean start is false; password and password file are mutually exclusive;
// a SAT auth file is mutually exclusive with password/password file;
// cert_file is required whenever key_file is provided.
func (s *ConnectionSettings) Validate() error {
	if s.HostName == "" {
		return mqcore.NewError(mqcore.KindConfigurationInvalid, "config: host name must not be empty")
	}
	if s.ClientID == "" && !s.CleanStart {
		return mqcore.NewError(mqcore.KindConfigurationInvalid, "config: client id is mandatory when clean start is set to false")
	}
	if s.Password != "" && s.PasswordFile != "" {
		return mqcore.NewError(mqcore.KindConfigurationInvalid, "config: password and password_file should not be used at the same time")
	}
	if s.SATAuthFile != "" && (s.Password != "" || s.PasswordFile != "") {
		return mqcore.NewError(mqcore.KindConfigurationInvalid, "config: sat_auth_file cannot be used with password or password_file")
	}
	if s.KeyFile != "" && s.CertFile == "" {
		return mqcore.NewError(mqcore.KindConfigurationInvalid, "config: key_file and cert_file need to be provided together")
	}
	return nil
}
