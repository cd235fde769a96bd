package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"ubee/config"
)

var ErrTimeout = errors.New("bridge: broker timeout")

const tokenTimeout = 5 * time.Second

// PahoClient is a Client over an MQTT 3.1.1 connection. Subscriptions are
// renewed after every reconnect.
type PahoClient struct {
	client pahomqtt.Client
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[string]func(string, []byte)
}

// Dial connects to the broker in cfg, for example tcp://localhost:1883.
func Dial(cfg config.MQTTConfig, logger zerolog.Logger) (*PahoClient, error) {
	p := &PahoClient{
		log:  logger.With().Str("component", "mqtt").Logger(),
		subs: make(map[string]func(string, []byte)),
	}
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(p.resubscribe)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.log.Warn().Err(err).Msg("connection lost")
	})

	p.client = pahomqtt.NewClient(opts)
	if err := wait(p.client.Connect()); err != nil {
		return nil, fmt.Errorf("bridge: connect %s: %w", cfg.Broker, err)
	}
	p.log.Info().Str("broker", cfg.Broker).Msg("connected")
	return p, nil
}

func wait(t pahomqtt.Token) error {
	if !t.WaitTimeout(tokenTimeout) {
		return ErrTimeout
	}
	return t.Error()
}

func (p *PahoClient) Publish(topic string, payload []byte) error {
	return wait(p.client.Publish(topic, 1, false, payload))
}

func (p *PahoClient) Subscribe(topic string, handler func(string, []byte)) error {
	p.mu.Lock()
	p.subs[topic] = handler
	p.mu.Unlock()
	return p.subscribe(topic, handler)
}

func (p *PahoClient) subscribe(topic string, handler func(string, []byte)) error {
	return wait(p.client.Subscribe(topic, 1, func(_ pahomqtt.Client, m pahomqtt.Message) {
		handler(m.Topic(), m.Payload())
	}))
}

func (p *PahoClient) resubscribe(pahomqtt.Client) {
	p.mu.Lock()
	subs := make(map[string]func(string, []byte), len(p.subs))
	for t, h := range p.subs {
		subs[t] = h
	}
	p.mu.Unlock()
	// token waits must not run on the paho callback goroutine
	go func() {
		for t, h := range subs {
			if err := p.subscribe(t, h); err != nil {
				p.log.Warn().Err(err).Str("topic", t).Msg("resubscribe")
			}
		}
	}()
}

func (p *PahoClient) Close() {
	p.client.Disconnect(500)
}
