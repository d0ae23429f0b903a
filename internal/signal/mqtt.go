// v0
// internal/signal/mqtt.go
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hzj1203/BYD/internal/models"
)

// Gateway topic layout, relative to the configured prefix:
//
//	<prefix>/<address>/rssi      {"name":"Phone","rssi":-62,"ts":1712345678901}
//	<prefix>/<address>/presence  {"name":"Phone","connected":true}
//	<prefix>/adapter/state       {"on":false}
const (
	topicRSSI     = "rssi"
	topicPresence = "presence"
	adapterTopic  = "adapter/state"
)

type rssiPayload struct {
	Name string `json:"name,omitempty"`
	RSSI *int   `json:"rssi"`
	TS   int64  `json:"ts,omitempty"`
}

type presencePayload struct {
	Name      string `json:"name,omitempty"`
	Connected bool   `json:"connected"`
}

type adapterPayload struct {
	On bool `json:"on"`
}

// MQTTConfig selects the broker and topic prefix of the BLE gateway.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	TopicPrefix    string
	ConnectTimeout time.Duration
	Buffer         int
}

// MQTTSource streams gateway messages as events.
type MQTTSource struct {
	cfg       MQTTConfig
	lg        *slog.Logger
	now       func() time.Time
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

func NewMQTTSource(cfg MQTTConfig, lg *slog.Logger) *MQTTSource {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if lg == nil {
		lg = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MQTTSource{cfg: cfg, lg: lg, now: time.Now, newClient: mqtt.NewClient}
}

func (m *MQTTSource) Stream(ctx context.Context, targets models.DeviceSet) (<-chan Event, error) {
	out := make(chan Event, m.cfg.Buffer)
	var (
		mu     sync.RWMutex
		closed bool
	)
	deliver := func(_ mqtt.Client, msg mqtt.Message) {
		evs, err := Decode(m.cfg.TopicPrefix, msg.Topic(), msg.Payload(), targets, m.now())
		if err != nil {
			m.lg.Warn("mqtt_payload_invalid", "topic", msg.Topic(), "error", err)
			return
		}
		mu.RLock()
		defer mu.RUnlock()
		if closed {
			return
		}
		for _, ev := range evs {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}

	filters := map[string]byte{
		m.cfg.TopicPrefix + "/+/" + topicRSSI:     0,
		m.cfg.TopicPrefix + "/+/" + topicPresence: 0,
		m.cfg.TopicPrefix + "/" + adapterTopic:    0,
	}
	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(m.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		tok := c.SubscribeMultiple(filters, deliver)
		if tok.WaitTimeout(m.cfg.ConnectTimeout) && tok.Error() != nil {
			m.lg.Error("mqtt_subscribe_failed", "error", tok.Error())
			return
		}
		m.lg.Info("mqtt_subscribed", "prefix", m.cfg.TopicPrefix, "targets", targets.Len())
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.lg.Warn("mqtt_connection_lost", "error", err)
	})

	client := m.newClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(m.cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: timeout", m.cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", m.cfg.Broker, err)
	}
	m.lg.Info("mqtt_connected", "broker", m.cfg.Broker, "client_id", m.cfg.ClientID)

	go func() {
		<-ctx.Done()
		client.Disconnect(250)
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
		m.lg.Info("mqtt_stream_closed")
	}()
	return out, nil
}

// Decode maps one gateway message to events. Messages about devices
// outside targets yield nothing.
func Decode(prefix, topic string, payload []byte, targets models.DeviceSet, at time.Time) ([]Event, error) {
	rest, ok := strings.CutPrefix(topic, strings.TrimSuffix(prefix, "/")+"/")
	if !ok {
		return nil, fmt.Errorf("topic %q outside prefix %q", topic, prefix)
	}
	if rest == adapterTopic {
		var p adapterPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		if p.On {
			return nil, nil
		}
		var out []Event
		for _, d := range targets.List() {
			out = append(out, Disconnected(d, at))
		}
		return out, nil
	}

	addr, leaf, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, fmt.Errorf("topic %q has no device segment", topic)
	}
	dev, ok := targets.Get(addr)
	if !ok {
		return nil, nil
	}
	switch leaf {
	case topicRSSI:
		var p rssiPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		if dev.Name == "" {
			dev.Name = p.Name
		}
		if p.RSSI == nil {
			return []Event{Unreadable(dev, at)}, nil
		}
		return []Event{Sample(dev, *p.RSSI, at)}, nil
	case topicPresence:
		var p presencePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		if dev.Name == "" {
			dev.Name = p.Name
		}
		if p.Connected {
			return []Event{Connected(dev, at)}, nil
		}
		return []Event{Disconnected(dev, at)}, nil
	default:
		return nil, errors.New("unknown topic leaf " + leaf)
	}
}

// Encode is the inverse of Decode for a single device event.
func Encode(prefix string, ev Event) (topic string, payload []byte, err error) {
	base := strings.TrimSuffix(prefix, "/") + "/" + ev.Device.Address + "/"
	switch ev.Kind {
	case EventSample:
		payload, err = json.Marshal(rssiPayload{Name: ev.Device.Name, RSSI: ev.RSSI, TS: ev.At.UnixMilli()})
		return base + topicRSSI, payload, err
	case EventConnected, EventDisconnected:
		payload, err = json.Marshal(presencePayload{Name: ev.Device.Name, Connected: ev.Kind == EventConnected})
		return base + topicPresence, payload, err
	default:
		return "", nil, fmt.Errorf("cannot encode event kind %q", ev.Kind)
	}
}

// EncodeAdapter builds the adapter power message.
func EncodeAdapter(prefix string, on bool) (topic string, payload []byte, err error) {
	payload, err = json.Marshal(adapterPayload{On: on})
	return strings.TrimSuffix(prefix, "/") + "/" + adapterTopic, payload, err
}
