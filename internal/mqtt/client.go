package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// clientOptions maps the subscription onto paho options. Handlers are left for the caller.
// Sessions are clean, so topics are subscribed again after every reconnect.
func (s *Subscription) clientOptions() (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(s.Broker).
		SetClientID(s.ClientID).
		SetCleanSession(true).
		SetKeepAlive(time.Duration(s.KeepAliveSeconds) * time.Second).
		SetConnectTimeout(time.Duration(s.ConnectTimeoutSeconds) * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Duration(s.ReconnectMaxSeconds) * time.Second)

	if s.Username != "" {
		opts.SetUsername(s.Username)
	}
	if s.Password != "" {
		opts.SetPassword(s.Password)
	}

	if s.TLSEnabled {
		tc, err := s.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		opts.SetTLSConfig(tc)
	}
	return opts, nil
}

// tlsConfig trusts the system roots plus tls_ca_path, and presents a client
// certificate when both tls_cert_path and tls_key_path are set.
func (s *Subscription) tlsConfig() (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.TLSInsecureSkipVerify,
	}
	if u, err := url.Parse(s.Broker); err == nil {
		tc.ServerName = u.Hostname()
	}

	if s.TLSCAPath != "" {
		pem, err := os.ReadFile(s.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tc.RootCAs = pool
	}

	switch {
	case s.TLSCertPath != "" && s.TLSKeyPath != "":
		cert, err := tls.LoadX509KeyPair(s.TLSCertPath, s.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	case s.TLSCertPath != "" || s.TLSKeyPath != "":
		return nil, errors.New("tls_cert_path and tls_key_path must be set together")
	}
	return tc, nil
}
