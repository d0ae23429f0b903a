// v0
// internal/blesim/gateway.go
package blesim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hzj1203/BYD/internal/models"
	"github.com/hzj1203/BYD/internal/signal"
)

const publishTimeout = 2 * time.Second

// Publisher is the part of mqtt.Client the gateway needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Config struct {
	TopicPrefix string
	Interval    time.Duration
	QoS         byte
}

// Gateway plays a BLE gateway: it scans with a signal.Scanner and
// publishes what it sees in the MQTT layout that signal.MQTTSource reads.
type Gateway struct {
	cfg     Config
	pub     Publisher
	poller  *signal.ScanPoller
	targets models.DeviceSet
	lg      *slog.Logger
}

func NewGateway(cfg Config, pub Publisher, scanner signal.Scanner, targets models.DeviceSet, lg *slog.Logger) *Gateway {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &Gateway{
		cfg:     cfg,
		pub:     pub,
		poller:  signal.NewScanPoller(scanner),
		targets: targets,
		lg:      lg.With(slog.String("component", "blesim")),
	}
}

// Run publishes adapter on, then one scan per interval until ctx ends,
// then adapter off.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.adapter(true); err != nil {
		return err
	}
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := g.Step(ctx); err != nil {
			g.lg.Error("scan_publish_err", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			if err := g.adapter(false); err != nil {
				g.lg.Warn("adapter_off_err", slog.Any("err", err))
			}
			return nil
		case <-ticker.C:
		}
	}
}

// Step runs one scan and publishes its events.
func (g *Gateway) Step(ctx context.Context) error {
	events, err := g.poller.Poll(ctx, g.targets)
	if err != nil && !errors.Is(err, signal.ErrSignalUnavailable) {
		return err
	}
	var firstErr error
	for _, ev := range events {
		topic, payload, err := signal.Encode(g.cfg.TopicPrefix, ev)
		if err == nil {
			err = g.publish(topic, payload)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		attrs := []any{slog.String("topic", topic), slog.String("kind", string(ev.Kind))}
		if ev.RSSI != nil {
			attrs = append(attrs, slog.Int("rssi", *ev.RSSI))
		}
		g.lg.Debug("published", attrs...)
	}
	return firstErr
}

func (g *Gateway) adapter(on bool) error {
	topic, payload, err := signal.EncodeAdapter(g.cfg.TopicPrefix, on)
	if err != nil {
		return err
	}
	g.lg.Info("adapter_state", slog.Bool("on", on))
	return g.publish(topic, payload)
}

func (g *Gateway) publish(topic string, payload []byte) error {
	token := g.pub.Publish(topic, g.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
