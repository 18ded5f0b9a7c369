package lasair

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/lox/tidestarget/internal/metrics"
	"github.com/lox/tidestarget/internal/models"
)

const DefaultBroker = "kafka.lsst.ac.uk:9092"

// Stream yields alerts one at a time. Poll returns (nil, nil) when nothing
// arrives within timeout; callers treat that, or any error, as end of stream.
type Stream interface {
	Poll(ctx context.Context, timeout time.Duration) (*models.Alert, error)
	Close() error
}

type KafkaConfig struct {
	Broker  string
	Topic   string
	GroupID string
}

// DevGroupID returns a throwaway consumer group so development runs read
// from the start of the retained topic instead of a shared offset.
func DevGroupID() string {
	return "test" + uuid.NewString()[:8]
}

// KafkaStream consumes a Lasair filter topic.
type KafkaStream struct {
	reader *kafka.Reader
	topic  string
}

func NewKafkaStream(cfg KafkaConfig) (*KafkaStream, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka group id is required")
	}
	if cfg.Broker == "" {
		cfg.Broker = DefaultBroker
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Broker},
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &KafkaStream{reader: reader, topic: cfg.Topic}, nil
}

func (s *KafkaStream) Poll(ctx context.Context, timeout time.Duration) (*models.Alert, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := s.reader.ReadMessage(pollCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.topic, err)
	}

	alert, err := ParseAlert(msg.Value)
	if err != nil {
		return nil, fmt.Errorf("offset %d: %w", msg.Offset, err)
	}
	metrics.AlertsConsumed.WithLabelValues("kafka").Inc()
	return &alert, nil
}

func (s *KafkaStream) Close() error {
	return s.reader.Close()
}

// FileStream replays an object list (one identifier per line) as alerts. It
// stands in for the broker when the stream is down.
type FileStream struct {
	mu  sync.Mutex
	ids []string
	pos int
}

func NewFileStream(path string) (*FileStream, error) {
	ids, err := ReadObjectList(path)
	if err != nil {
		return nil, err
	}
	return &FileStream{ids: ids}, nil
}

func (s *FileStream) Poll(ctx context.Context, timeout time.Duration) (*models.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos >= len(s.ids) {
		return nil, nil
	}
	id := s.ids[s.pos]
	s.pos++
	metrics.AlertsConsumed.WithLabelValues("file").Inc()
	return &models.Alert{ObjectID: id}, nil
}

func (s *FileStream) Close() error { return nil }

// ReadObjectList reads one object identifier per line, skipping blanks and
// '#' comments. A leading header line "objectId" or "ztfname" is ignored.
func ReadObjectList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open object list: %w", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexAny(line, ", \t"); i >= 0 {
			line = line[:i]
		}
		if len(ids) == 0 && (strings.EqualFold(line, "objectId") || strings.EqualFold(line, "ztfname")) {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read object list: %w", err)
	}
	log.Printf("lasair: read %d objects from %s", len(ids), path)
	return ids, nil
}
