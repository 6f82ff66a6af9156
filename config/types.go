package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	Kafka    KafkaConfig
	MySQL    MySQLConfig
	Redis    RedisConfig
	Etcd     EtcdConfig
	Register RegisterConfig
	MQTT     MQTTConfig
	Quota    QuotaConfig
	Command  CommandConfig
	Metrics  MetricsConfig
	Web      WebConfig
}

type KafkaConfig struct {
	Addr string
	// ReplicationFactor used when provisioning missing topics.
	ReplicationFactor int16
}

type MySQLConfig struct {
	DSN string
}

type RedisConfig struct {
	Addr     string
	Password string
}

type EtcdConfig struct {
	Addr string
}

type RegisterConfig struct {
	ServiceName string
	PodName     string
}

type MQTTConfig struct {
	Addr     string
	ClientID string
	Username string
	Password string
	// TopicPrefix is the root of the device topic tree,
	// telemetry arrives on <prefix>/<deviceKey>/telemetry.
	TopicPrefix string
	QoS         byte
}

type QuotaConfig struct {
	// Window and Limit bound command creation per tenant:user.
	Window time.Duration
	Limit  int
}

type CommandConfig struct {
	// TimeoutSweep is the cron spec for the SENT->TIMEOUT sweep.
	TimeoutSweep string
}

type MetricsConfig struct {
	Addr string
}

type WebConfig struct {
	Addr string
}

func GetPodName() string {
	podName, err := os.Hostname()
	if err != nil {
		panic(fmt.Sprintf("Error getting Pod name: %v", err))
	}
	return podName
}
