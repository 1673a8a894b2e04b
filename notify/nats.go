// Package notify forwards key vault events to external systems.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"southwinds.dev/keyvault"
)

// DefaultSubject is the NATS subject prefix; the event type is appended.
const DefaultSubject = "keyvault.events"

// NATSConfig configures a NATSSink.
type NATSConfig struct {
	URL             string        `json:"url" yaml:"url"`
	Subject         string        `json:"subject" yaml:"subject"`
	CredentialsFile string        `json:"credentials_file,omitempty" yaml:"credentials_file,omitempty"`
	ReconnectWait   time.Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	MaxReconnects   int           `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every event as JSON to "<subject>.<type>", for example
// keyvault.events.rotation:completed. Publishing is fire-and-forget: failures
// are logged and never reach the emitter.
type NATSSink struct {
	pub     publisher
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
}

// NewNATSSink connects to the NATS server in cfg.
func NewNATSSink(cfg NATSConfig, log zerolog.Logger) (*NATSSink, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 60
	}
	log = log.With().Str("component", "notify").Logger()

	opts := []nats.Option{
		nats.Name("keyvault"),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("NATS credentials file: %w", err)
		}
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sink := newSink(conn, cfg.Subject, log)
	sink.conn = conn
	return sink, nil
}

func newSink(pub publisher, subject string, log zerolog.Logger) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{pub: pub, subject: subject, log: log}
}

// Handle publishes event. It has the keyvault.EventHandler signature, so a
// sink is attached with kv.OnRotationEvent(sink.Handle).
func (s *NATSSink) Handle(event keyvault.RotationEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		s.log.Error().Err(err).Str("event", string(event.Type)).Msg("failed to encode event")
		return
	}
	subject := s.subject + "." + string(event.Type)
	if err = s.pub.Publish(subject, data); err != nil {
		s.log.Warn().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.FlushTimeout(5 * time.Second)
	s.conn.Close()
	return err
}
