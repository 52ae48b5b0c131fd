package output

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"auditsmart/internal/config"
	"auditsmart/internal/errors"
	"auditsmart/pkg/models"
)

// KafkaOutput 审计事件的 Kafka 发布器
type KafkaOutput struct {
	logger   *logrus.Logger
	cfg      *config.KafkaConfig
	producer sarama.SyncProducer
}

// NewKafkaOutput 创建Kafka发布器
func NewKafkaOutput(cfg *config.KafkaConfig, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.WithFields(logrus.Fields{
		"brokers": cfg.Brokers,
		"topics":  cfg.Topics,
	}).Info("初始化Kafka发布器")

	producer, err := sarama.NewSyncProducer(cfg.Brokers, ProducerConfig())
	if err != nil {
		return nil, errors.ErrKafkaProduceFailed.Wrap(fmt.Errorf("创建Kafka生产者失败: %w", err)).WithComponent("kafka")
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, cfg, logger), nil
}

// NewKafkaOutputWithProducer 使用已有生产者
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, cfg *config.KafkaConfig, logger *logrus.Logger) *KafkaOutput {
	return &KafkaOutput{
		logger:   logger,
		cfg:      cfg,
		producer: producer,
	}
}

// ProducerConfig 同步生产者配置
func ProducerConfig() *sarama.Config {
	c := sarama.NewConfig()
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Retry.Max = 5
	c.Producer.Return.Successes = true
	c.Producer.Timeout = 5 * time.Second
	c.Version = sarama.V2_8_0_0
	return c
}

// Publish 发送事件，消息键为审计 ID、合约地址或交易哈希
func (k *KafkaOutput) Publish(ctx context.Context, event *models.AuditEvent) error {
	if event == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	topic := k.cfg.TopicFor(event.Type)
	if topic == "" {
		k.logger.WithField("type", event.Type).Warn("事件类型未配置topic，跳过")
		return nil
	}

	data, err := event.ToKafkaMessage()
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(data),
	}
	if key := event.Key(); key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return errors.ErrKafkaProduceFailed.Wrap(err).
			WithComponent("kafka").
			WithContext("topic", topic).
			WithContext("type", event.Type)
	}

	k.logger.WithFields(logrus.Fields{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
		"type":      event.Type,
	}).Debug("事件已发送到Kafka")
	return nil
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
