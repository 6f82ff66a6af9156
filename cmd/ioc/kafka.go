package ioc

import (
	"github.com/IBM/sarama"
	"github.com/xuhaidong1/iothub/config"
)

// InitKafka 生产端开启幂等，broker按(producerID,sequence)去重，
// 配合MaxOpenRequests=1保证重试不乱序。
func InitKafka() sarama.Client {
	addrs := []string{config.StartConfig.Kafka.Addr}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Idempotent = true
	saramaCfg.Net.MaxOpenRequests = 1
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Retry.Max = 3
	saramaCfg.Consumer.Offsets.AutoCommit.Enable = false
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(addrs, saramaCfg)
	if err != nil {
		panic(err)
	}
	return client
}
