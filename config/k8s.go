//go:build k8s

package config

import "time"

var StartConfig = Config{
	Kafka: KafkaConfig{
		Addr:              "kafka-service:9092",
		ReplicationFactor: 3,
	},
	MySQL: MySQLConfig{DSN: "root:root@tcp(mysql-service:3306)/iothub"},
	Redis: RedisConfig{
		Addr:     "redis-service:6379",
		Password: "",
	},
	Etcd: EtcdConfig{Addr: "etcd-service:2379"},
	Register: RegisterConfig{
		ServiceName: "iothub-gateway",
		PodName:     GetPodName(),
	},
	MQTT: MQTTConfig{
		Addr:        "tcp://emqx-service:1883",
		ClientID:    "iothub-gateway-" + GetPodName(),
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
