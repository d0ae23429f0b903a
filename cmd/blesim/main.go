// v1
// cmd/blesim/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hzj1203/BYD/internal/blesim"
	"github.com/hzj1203/BYD/internal/config"
	"github.com/hzj1203/BYD/internal/models"
	"github.com/hzj1203/BYD/internal/signal"
)

// blesim publishes a simulated phone walking to and from the vehicle on
// the gateway topics read by autolock in signal_mode=mqtt.
func main() {
	interval := flag.Duration("interval", time.Second, "scan interval")
	clientID := flag.String("client-id", "autolock-blesim", "MQTT client id")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	cfg.LogDir = filepath.Join(cfg.LogDir, "blesim")
	lg, logFile := config.InitLogger(cfg)
	defer logFile.Close()

	dev := models.NewDevice(cfg.SimDevice, cfg.SimDeviceName)
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(*clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		lg.Error("mqtt_connect_err", "broker", cfg.MQTTBroker, "error", token.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := blesim.NewGateway(blesim.Config{
		TopicPrefix: cfg.MQTTTopicPrefix,
		Interval:    *interval,
	}, client, signal.NewSimulator(dev, cfg.SimCycle, cfg.SimSeed), models.NewDeviceSet(dev), lg)
	lg.Info("blesim_start", "broker", cfg.MQTTBroker, "prefix", cfg.MQTTTopicPrefix, "device", dev.Label(), "cycle", cfg.SimCycle)
	if err := gw.Run(ctx); err != nil {
		lg.Error("blesim_err", "error", err)
	}
	lg.Info("blesim_stopped")
}
