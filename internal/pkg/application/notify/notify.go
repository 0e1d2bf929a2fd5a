// Package notify delivers "firmware compiled" cloudevents to the
// webhook subscribers listed in a deployment's notifications config,
// the same subscription shape fleet operators already use for status
// events elsewhere in the diwise stack.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"
)

// Sender delivers a firmware-compiled notification to every configured
// subscriber, returning the first delivery error encountered (delivery
// continues to the remaining subscribers regardless).
type Sender interface {
	Send(ctx context.Context, log zerolog.Logger, event FirmwareCompiled) error
}

// FirmwareCompiled is the payload sent to subscribers after a compiler
// request or forced rebuild whose compilation has a stored firmware,
// including a request that reused an existing compilation.
type FirmwareCompiled struct {
	CompilerID    uint      `json:"compilerID"`
	CompilationID uint      `json:"compilationID"`
	FirmwareHash  string    `json:"firmwareHash"`
	Timestamp     time.Time `json:"timestamp"`
}

type sender struct {
	subscribers []Subscriber
}

// New builds a Sender from a notifications config. A nil cfg (no
// notifications file configured) yields a Sender with no subscribers,
// so Send is always safe to call.
func New(cfg *Config) Sender {
	s := &sender{}
	if cfg != nil {
		for _, n := range cfg.Notifications {
			if n.Type != "firmware.compiled" {
				continue
			}
			s.subscribers = append(s.subscribers, n.Subscribers...)
		}
	}
	return s
}

func (s *sender) Send(ctx context.Context, log zerolog.Logger, fc FirmwareCompiled) error {
	if len(s.subscribers) == 0 {
		return nil
	}

	event := cloudevents.NewEvent()
	event.SetID(fmt.Sprintf("%d:%d", fc.CompilationID, fc.Timestamp.Unix()))
	event.SetTime(fc.Timestamp)
	event.SetSource("github.com/internet-of-plants/fleetforge")
	event.SetType("firmware.compiled")
	if err := event.SetData(cloudevents.ApplicationJSON, fc); err != nil {
		return err
	}

	var sendErr error
	for _, sub := range s.subscribers {
		c, err := clientFor(ctx, sub)
		if err != nil {
			log.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to build delivery client")
			if sendErr == nil {
				sendErr = err
			}
			continue
		}

		ctxWithTarget := cloudevents.ContextWithTarget(ctx, sub.Endpoint)

		result := c.Send(ctxWithTarget, event)
		if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
			log.Error().Err(result).Str("endpoint", sub.Endpoint).Msg("failed to deliver firmware.compiled event")
			if sendErr == nil {
				sendErr = fmt.Errorf("%w", result)
			}
		}
	}

	return sendErr
}

// clientFor builds the cloudevents client a subscriber is delivered
// through. Subscribers that name an OAuth2 token endpoint are
// delivered to over a client-credentials-authenticated http.Client, the
// same grant the teacher's device management client uses against
// upstream services; subscribers with no OAuth2 config get a plain
// client.
func clientFor(ctx context.Context, sub Subscriber) (cloudevents.Client, error) {
	if sub.OAuth2 == nil {
		return cloudevents.NewClientHTTP()
	}

	cfg := clientcredentials.Config{
		ClientID:     sub.OAuth2.ClientID,
		ClientSecret: sub.OAuth2.ClientSecret,
		TokenURL:     sub.OAuth2.TokenURL,
	}
	httpClient := cfg.Client(ctx)

	return cloudevents.NewClientHTTP(cehttp.WithClient(*httpClient))
}

// Subscriber is one webhook endpoint registered against a
// notification type, optionally authenticated with an OAuth2
// client-credentials grant.
type Subscriber struct {
	Endpoint string        `yaml:"endpoint"`
	OAuth2   *OAuth2Config `yaml:"oauth2,omitempty"`
}

// OAuth2Config names the client-credentials grant used to authenticate
// deliveries to a subscriber that requires it.
type OAuth2Config struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Notification groups the subscribers interested in one event type.
type Notification struct {
	Type        string       `yaml:"type"`
	Subscribers []Subscriber `yaml:"subscribers"`
}

// Config is the top-level notifications.yaml shape.
type Config struct {
	Notifications []Notification `yaml:"notifications"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := Config{}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
