// Package publish streams accepted detections to Kafka for downstream
// consumers. Publishing is best-effort by contract: a broker outage is
// logged and counted but never slows or fails a scan.
package publish

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/fieldscan/fieldscan/internal/models"
)

// KafkaPublisher forwards detections to one topic, keyed by detection ID
// so re-publishes of the same detection land on the same partition.
type KafkaPublisher struct {
	producer     *kafka.Producer
	topic        string
	deliveryChan chan kafka.Event

	published atomic.Int64
	acked     atomic.Int64
	failed    atomic.Int64

	wg   sync.WaitGroup
	stop chan struct{}
}

func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"acks":               "all",
		"compression.type":   "snappy",
		"linger.ms":          50,
		"request.timeout.ms": 10000,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := &KafkaPublisher{
		producer:     producer,
		topic:        topic,
		deliveryChan: make(chan kafka.Event, 1024),
		stop:         make(chan struct{}),
	}
	p.wg.Add(1)
	go p.handleDeliveryReports()

	log.Printf("Publish: kafka producer up (topic=%s, brokers=%s)", topic, brokers)
	return p, nil
}

// Publish enqueues one detection. Never blocks the scan loop: a full local
// queue or serialization failure is counted and dropped.
func (p *KafkaPublisher) Publish(d models.Detection) {
	msg, err := p.buildMessage(d)
	if err != nil {
		p.failed.Add(1)
		log.Printf("Publish: serialize detection %s: %v", d.ID, err)
		return
	}
	if err := p.producer.Produce(msg, p.deliveryChan); err != nil {
		p.failed.Add(1)
		log.Printf("Publish: enqueue detection %s: %v", d.ID, err)
		return
	}
	p.published.Add(1)
}

func (p *KafkaPublisher) buildMessage(d models.Detection) (*kafka.Message, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &p.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(d.ID.String()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "run_id", Value: []byte(d.RunID.String())},
			{Key: "category", Value: []byte(d.Category)},
		},
	}, nil
}

func (p *KafkaPublisher) handleDeliveryReports() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case e := <-p.deliveryChan:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil {
				p.failed.Add(1)
				log.Printf("Publish: delivery failed: %v", m.TopicPartition.Error)
			} else {
				p.acked.Add(1)
			}
		}
	}
}

// Stats reports lifetime publish counters.
func (p *KafkaPublisher) Stats() (published, acked, failed int64) {
	return p.published.Load(), p.acked.Load(), p.failed.Load()
}

// Close flushes what it can within the timeout, then shuts the producer
// down. Undelivered messages are logged, not retried.
func (p *KafkaPublisher) Close(timeout time.Duration) {
	if remaining := p.producer.Flush(int(timeout.Milliseconds())); remaining > 0 {
		log.Printf("Publish: %d message(s) undelivered at shutdown", remaining)
	}
	close(p.stop)
	p.wg.Wait()
	p.producer.Close()

	published, acked, failed := p.Stats()
	log.Printf("Publish: closed (published=%d, acked=%d, failed=%d)", published, acked, failed)
}
