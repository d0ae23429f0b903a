// v0
// internal/signal/mqtt_test.go
package signal

import (
	"context"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hzj1203/BYD/internal/models"
)

type doneToken struct{ err error }

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type fakeClient struct {
	mqtt.Client
	opts         *mqtt.ClientOptions
	handler      mqtt.MessageHandler
	filters      map[string]byte
	disconnected chan struct{}
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
	return doneToken{}
}

func (c *fakeClient) SubscribeMultiple(f map[string]byte, h mqtt.MessageHandler) mqtt.Token {
	c.filters, c.handler = f, h
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) { close(c.disconnected) }

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func TestDecodeTopics(t *testing.T) {
	targets := models.NewDeviceSet(phone)
	at := time.Unix(100, 0)
	cases := []struct {
		name    string
		topic   string
		payload string
		want    []EventKind
		nilRSSI bool
	}{
		{"sample", "autolock/ble/AA:BB:CC:DD:EE:01/rssi", `{"rssi":-61}`, []EventKind{EventSample}, false},
		{"lowercase address", "autolock/ble/aa:bb:cc:dd:ee:01/rssi", `{"rssi":-61}`, []EventKind{EventSample}, false},
		{"unreadable", "autolock/ble/AA:BB:CC:DD:EE:01/rssi", `{"rssi":null}`, []EventKind{EventSample}, true},
		{"connect", "autolock/ble/AA:BB:CC:DD:EE:01/presence", `{"connected":true}`, []EventKind{EventConnected}, false},
		{"disconnect", "autolock/ble/AA:BB:CC:DD:EE:01/presence", `{"connected":false}`, []EventKind{EventDisconnected}, false},
		{"not a target", "autolock/ble/AA:BB:CC:DD:EE:99/rssi", `{"rssi":-30}`, nil, false},
		{"adapter off", "autolock/ble/adapter/state", `{"on":false}`, []EventKind{EventDisconnected}, false},
		{"adapter on", "autolock/ble/adapter/state", `{"on":true}`, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evs, err := Decode("autolock/ble", tc.topic, []byte(tc.payload), targets, at)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			got := kinds(evs)
			if len(got) != len(tc.want) {
				t.Fatalf("kinds: got %v want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("kinds: got %v want %v", got, tc.want)
				}
			}
			if len(evs) == 1 && evs[0].Kind == EventSample && (evs[0].RSSI == nil) != tc.nilRSSI {
				t.Fatalf("rssi nil mismatch: %+v", evs[0])
			}
		})
	}
	if _, err := Decode("autolock/ble", "other/AA/rssi", []byte(`{}`), targets, at); err == nil {
		t.Fatal("foreign prefix accepted")
	}
	if _, err := Decode("autolock/ble", "autolock/ble/AA:BB:CC:DD:EE:01/rssi", []byte(`{`), targets, at); err == nil {
		t.Fatal("malformed json accepted")
	}
}

func TestEncodeDecodeAgree(t *testing.T) {
	targets := models.NewDeviceSet(phone)
	at := time.Unix(200, 0)
	for _, ev := range []Event{Sample(phone, -70, at), Unreadable(phone, at), Connected(phone, at), Disconnected(phone, at)} {
		topic, payload, err := Encode("autolock/ble/", ev)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		back, err := Decode("autolock/ble", topic, payload, targets, at)
		if err != nil || len(back) != 1 || back[0].Kind != ev.Kind {
			t.Fatalf("decode(%s): %+v %v", topic, back, err)
		}
		if (ev.RSSI == nil) != (back[0].RSSI == nil) || (ev.RSSI != nil && *ev.RSSI != *back[0].RSSI) {
			t.Fatalf("rssi changed: %+v vs %+v", ev, back[0])
		}
	}
}

func TestMQTTSourceStreamsInOrderAndCloses(t *testing.T) {
	fc := &fakeClient{disconnected: make(chan struct{})}
	src := NewMQTTSource(MQTTConfig{Broker: "tcp://broker:1883", ClientID: "t", TopicPrefix: "autolock/ble"}, nil)
	src.newClient = func(o *mqtt.ClientOptions) mqtt.Client {
		fc.opts = o
		return fc
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := src.Stream(ctx, models.NewDeviceSet(phone))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if _, ok := fc.filters["autolock/ble/+/rssi"]; !ok {
		t.Fatalf("rssi filter missing: %v", fc.filters)
	}

	fc.handler(fc, fakeMessage{topic: "autolock/ble/AA:BB:CC:DD:EE:01/presence", payload: []byte(`{"connected":true}`)})
	fc.handler(fc, fakeMessage{topic: "autolock/ble/AA:BB:CC:DD:EE:01/rssi", payload: []byte(`{"rssi":-57}`)})
	fc.handler(fc, fakeMessage{topic: "autolock/ble/AA:BB:CC:DD:EE:01/rssi", payload: []byte(`garbage`)})

	first, second := <-ch, <-ch
	if first.Kind != EventConnected || second.Kind != EventSample || *second.RSSI != -57 {
		t.Fatalf("unexpected order: %+v then %+v", first, second)
	}

	cancel()
	select {
	case <-fc.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("client not disconnected")
	}
	for range ch {
	}
}
