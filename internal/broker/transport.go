package broker

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/rs/zerolog/log"
)

type Message struct {
	Topic   string
	Payload []byte
}

type ConnectOptions struct {
	URL         string
	ClientID    string
	Username    string
	Password    string
	TLS         *tls.Config // nil for plain TCP
	WillTopic   string
	WillPayload []byte
	KeepAlive   time.Duration
	Timeout     time.Duration

	// OnMessage runs on the transport's goroutine.
	OnMessage func(Message)
}

// Transport is a single MQTT connection. It never reconnects by itself.
type Transport interface {
	Connect(opts ConnectOptions) error
	IsConnected() bool
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, qos byte) error
	Disconnect()
}

const disconnectQuiesce = 250 // milliseconds

var newClient = pahomqtt.NewClient

type Paho struct {
	client  pahomqtt.Client
	timeout time.Duration
}

func NewPaho() *Paho {
	return &Paho{}
}

func (p *Paho) Connect(o ConnectOptions) error {
	if p.client != nil {
		p.Disconnect()
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(o.URL)
	opts.SetClientID(o.ClientID)
	opts.SetUsername(o.Username)
	opts.SetPassword(o.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(o.KeepAlive)
	opts.SetConnectTimeout(o.Timeout)
	opts.SetWriteTimeout(o.Timeout)
	if o.TLS != nil {
		opts.SetTLSConfig(o.TLS)
	}
	opts.SetBinaryWill(o.WillTopic, o.WillPayload, 1, true)
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, m pahomqtt.Message) {
		if o.OnMessage == nil {
			return
		}
		payload := make([]byte, len(m.Payload()))
		copy(payload, m.Payload())
		o.OnMessage(Message{Topic: m.Topic(), Payload: payload})
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := newClient(opts)
	token := client.Connect()
	// paho spends up to ConnectTimeout on the dial and again on the CONNACK.
	if !token.WaitTimeout(2 * o.Timeout) {
		client.Disconnect(0)
		return fmt.Errorf("%w: timeout after %v", ErrConnectFailed, 2*o.Timeout)
	}
	if err := token.Error(); err != nil {
		if ct, ok := token.(*pahomqtt.ConnectToken); ok {
			switch ct.ReturnCode() {
			case packets.ErrRefusedBadUsernameOrPassword, packets.ErrRefusedNotAuthorised:
				return fmt.Errorf("%w: %w", ErrAuthRejected, err)
			}
		}
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	p.client = client
	p.timeout = o.Timeout
	return nil
}

func (p *Paho) IsConnected() bool {
	return p.client != nil && p.client.IsConnectionOpen()
}

func (p *Paho) Publish(topic string, payload []byte, retained bool) error {
	if p.client == nil {
		return fmt.Errorf("publish %s: %w", topic, ErrConnLost)
	}
	token := p.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish %s: timeout after %v", topic, p.timeout)
	}
	return token.Error()
}

// Subscribe routes deliveries for topic to ConnectOptions.OnMessage.
func (p *Paho) Subscribe(topic string, qos byte) error {
	if p.client == nil {
		return fmt.Errorf("subscribe %s: %w", topic, ErrConnLost)
	}
	token := p.client.Subscribe(topic, qos, nil)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("subscribe %s: timeout after %v", topic, p.timeout)
	}
	return token.Error()
}

func (p *Paho) Disconnect() {
	if p.client == nil {
		return
	}
	p.client.Disconnect(disconnectQuiesce)
	p.client = nil
}
