//go:build !k8s

package config

import "time"

var StartConfig = Config{
	Kafka: KafkaConfig{
		Addr:              "localhost:9094",
		ReplicationFactor: 1,
	},
	MySQL: MySQLConfig{DSN: "root:root@tcp(localhost:30306)/iothub"},
	Redis: RedisConfig{
		Addr:     "localhost:6579",
		Password: "",
	},
	Etcd: EtcdConfig{Addr: "localhost:2379"},
	Register: RegisterConfig{
		ServiceName: "iothub-gateway-local",
		PodName:     GetPodName(),
	},
	MQTT: MQTTConfig{
		Addr:        "tcp://localhost:1883",
		ClientID:    "iothub-gateway-local",
		TopicPrefix: "devices",
		QoS:         1,
	},
	Quota: QuotaConfig{
		Window: time.Hour,
		Limit:  1000,
	},
	Command: CommandConfig{
		TimeoutSweep: "@every 1m",
	},
	Metrics: MetricsConfig{Addr: ":8087"},
	Web:     WebConfig{Addr: ":8085"},
}
