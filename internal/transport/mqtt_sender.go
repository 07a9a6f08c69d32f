package transport

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/config"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/models"
)

const mqttConnectTimeout = 10 * time.Second

type MQTTSender struct {
	client mqtt.Client
	qos    byte
}

func NewMQTTSender(cfg *config.MQTTConfig, appName string) (*MQTTSender, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = appName
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.InfoF("Connected to MQTT broker %s as %s", cfg.Broker, clientID)
		}).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			logger.WarnF("Lost connection to MQTT broker %s: %v", cfg.Broker, err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		logger.WarnF("MQTT broker %s not reachable yet, retrying in background", cfg.Broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", cfg.Broker, err)
	}
	return &MQTTSender{client: client, qos: cfg.QoS}, nil
}

func (s *MQTTSender) Send(_ context.Context, env *models.MessageEnvelope) error {
	token := s.client.Publish(env.Topic, s.qos, env.Retain, payloadOf(env))
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			logger.ErrorF("[%s] Fail to publish to %s, details: %v", env.MessageID, env.Topic, err)
		}
	}()
	return nil
}

func (s *MQTTSender) Close(context.Context) error {
	s.client.Disconnect(250)
	return nil
}
