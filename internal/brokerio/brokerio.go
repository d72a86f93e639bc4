// Package brokerio drives the MQTT broker connection (spec component
// I): subscribes to the device-relative topic set, routes inbound
// publishes to dialect handlers, and implements the self-sync shutdown
// protocol. Grounded on the paho.mqtt.golang client's
// Connect/Subscribe/Publish Token shape; uses
// github.com/eclipse/paho.mqtt.golang directly rather than
// reimplementing its wire handling.
package brokerio

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler receives one inbound publish already stripped of the
// device's topic prefix, split into lines (multi-line payloads such as
// `ssid/psk` carry ssid on the first line, value on the second).
type Handler func(topic string, lines []string)

// Driver owns one broker connection for one device.
type Driver struct {
	client mqtt.Client
	prefix string
}

// Dial connects to addr (host[:port]) and returns a Driver with an
// empty topic prefix; SetPrefix sets it.
func Dial(addr, clientID string) (*Driver, error) {
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(true)
	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("brokerio: connect to %s timed out", addr)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("brokerio: connect to %s: %w", addr, err)
	}
	return &Driver{client: client}, nil
}

// SetPrefix sets the device-relative topic prefix (e.g. "net/wlan0/").
func (d *Driver) SetPrefix(prefix string) {
	if len(prefix) > 0 && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	d.prefix = prefix
}

// Publish publishes value under d.prefix+topic. An empty value with
// retain=true clears a previously retained property (spec.md §6 "all
// property publishes use retain=true").
func (d *Driver) Publish(topic, value string, retain bool) {
	d.client.Publish(d.prefix+topic, 0, retain, value)
}

// Subscribe wires handler to every topic in suffixes, each relative to
// d.prefix.
func (d *Driver) Subscribe(suffixes []string, handler Handler) error {
	for _, suffix := range suffixes {
		full := d.prefix + suffix
		tok := d.client.Subscribe(full, 0, func(c mqtt.Client, m mqtt.Message) {
			lines := splitLines(m.Payload())
			topic := trimPrefix(m.Topic(), d.prefix)
			handler(topic, lines)
		})
		if !tok.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("brokerio: subscribe %s timed out", full)
		}
		if err := tok.Error(); err != nil {
			return fmt.Errorf("brokerio: subscribe %s: %w", full, err)
		}
	}
	return nil
}

func splitLines(payload []byte) []string {
	var lines []string
	start := 0
	for i, b := range payload {
		if b == '\n' {
			lines = append(lines, string(payload[start:i]))
			start = i + 1
		}
	}
	lines = append(lines, string(payload[start:]))
	return lines
}

func trimPrefix(topic, prefix string) string {
	if len(topic) >= len(prefix) && topic[:len(prefix)] == prefix {
		return topic[len(prefix):]
	}
	return topic
}

// SelfSync implements spec.md 4.I's shutdown flush: subscribe to a
// unique ephemeral topic, publish a random token to it, and block until
// that exact token round-trips through the broker — guaranteeing every
// publish issued before the call has been flushed (spec.md §5
// "Cancellation", S5).
func (d *Driver) SelfSync(timeout time.Duration) error {
	token := randomToken()
	topic := "tmp/selfsync/" + token

	received := make(chan struct{}, 1)
	tok := d.client.Subscribe(topic, 0, func(c mqtt.Client, m mqtt.Message) {
		if string(m.Payload()) == token {
			select {
			case received <- struct{}{}:
			default:
			}
		}
	})
	if !tok.WaitTimeout(timeout) {
		return fmt.Errorf("brokerio: self-sync subscribe timed out")
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("brokerio: self-sync subscribe: %w", err)
	}

	pubTok := d.client.Publish(topic, 0, false, token)
	if !pubTok.WaitTimeout(timeout) {
		return fmt.Errorf("brokerio: self-sync publish timed out")
	}

	select {
	case <-received:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("brokerio: self-sync round-trip timed out")
	}
}

func randomToken() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// Disconnect closes the connection after quiesce.
func (d *Driver) Disconnect(quiesce uint) {
	d.client.Disconnect(quiesce)
}
