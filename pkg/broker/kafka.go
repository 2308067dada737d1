package broker

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"golang.org/x/sync/errgroup"
)

// Kafka 基于 Kafka topic 的总线
// 每个节点直接消费全部分区（不使用消费组），从而每条消息都被所有节点收到
type Kafka struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string
}

// NewKafkaConfig 生产者配置
func NewKafkaConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Version = sarama.V2_0_0_0
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.MaxMessageBytes = 1000000
	config.Consumer.Return.Errors = false
	return config
}

// DialKafka 连接 Kafka 集群
func DialKafka(brokers []string, topic, clientID string) (*Kafka, error) {
	config := NewKafkaConfig(clientID)

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	consumer, err := sarama.NewConsumer(brokers, config)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return NewKafka(producer, consumer, topic), nil
}

// NewKafka 使用已有的生产者和消费者创建总线
func NewKafka(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *Kafka {
	return &Kafka{producer: producer, consumer: consumer, topic: topic}
}

// Publish 同步发送消息
func (k *Kafka) Publish(_ context.Context, payload []byte) error {
	_, _, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

// Subscribe 从最新位置消费所有分区，阻塞直到 ctx 结束
func (k *Kafka) Subscribe(ctx context.Context, handler func([]byte)) error {
	partitions, err := k.consumer.Partitions(k.topic)
	if err != nil {
		return fmt.Errorf("kafka partitions: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, partition := range partitions {
		pc, err := k.consumer.ConsumePartition(k.topic, partition, sarama.OffsetNewest)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("kafka consume partition %d: %w", partition, err)
		}
		g.Go(func() error {
			defer pc.Close()
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg, ok := <-pc.Messages():
					if !ok {
						return ErrClosed
					}
					handler(msg.Value)
				}
			}
		})
	}
	return g.Wait()
}

// Close 关闭生产者与消费者
func (k *Kafka) Close() error {
	perr := k.producer.Close()
	if err := k.consumer.Close(); err != nil {
		return err
	}
	return perr
}
