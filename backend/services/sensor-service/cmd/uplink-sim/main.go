package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"smartparking/backend/libs/logging"
	libmqtt "smartparking/backend/libs/mqtt"
	"smartparking/backend/services/sensor-service/internal/simulation"
)

type pahoPublisher struct {
	client paho.Client
	qos    byte
}

func (p pahoPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	devEUI := flag.String("dev-eui", "a84041000181c2d1", "Device EUI to impersonate")
	appID := flag.String("app-id", simulation.DefaultApplicationID, "ChirpStack application id")
	distance := flag.Float64("distance", 45, "Distance in cm; negative omits the reading")
	jitter := flag.Float64("jitter", 0, "Maximum random jitter applied to the distance")
	state := flag.String("state", "", "Firmware state FREE or OCCUPIED")
	battery := flag.Float64("battery", -1, "Battery percentage; negative omits it")
	interval := flag.Duration("interval", 5*time.Second, "Interval between uplinks")
	count := flag.Int("count", 1, "Number of uplinks to publish; 0 runs until interrupted")
	qos := flag.Int("qos", 1, "Publish QoS")
	flag.Parse()

	logger, err := logging.NewLogger("uplink-sim")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	opts, err := libmqtt.NewClientOptions(libmqtt.Options{
		BrokerURL: *broker,
		ClientID:  fmt.Sprintf("uplink-sim-%d", time.Now().UnixNano()),
		Username:  *username,
		Password:  *password,
	})
	if err != nil {
		logger.Fatal("invalid broker options", zap.Error(err))
	}
	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("failed to connect to broker", zap.String("broker", *broker), zap.Error(token.Error()))
	}
	logger.Info("connected to mqtt broker", zap.String("broker", *broker))
	defer client.Disconnect(250)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := simulation.NewSimulator(pahoPublisher{client: client, qos: byte(*qos)}, logger)

	publish := func() {
		req := simulation.Request{DevEUI: *devEUI, ApplicationID: *appID, State: *state}
		if *distance >= 0 {
			d := jittered(*distance, *jitter)
			req.DistanceCM = &d
		}
		if *battery >= 0 {
			b := *battery
			req.Battery = &b
		}
		pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := sim.Publish(pubCtx, req); err != nil {
			logger.Error("publish failed", zap.Error(err))
		}
	}

	publish()
	sent := 1
	if *count == 1 {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal, disconnecting")
			return
		case <-ticker.C:
			publish()
			sent++
			if *count > 0 && sent >= *count {
				return
			}
		}
	}
}

func jittered(base, jitter float64) float64 {
	if jitter <= 0 {
		return base
	}
	return max(0, base+(rand.Float64()*2-1)*jitter)
}
