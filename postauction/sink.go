package postauction

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/golang/snappy"

	"github.com/sharpyfox/rtbkit/agents"
	"github.com/sharpyfox/rtbkit/currency"
)

// SettlementRecord is one line of the append-only post-auction log.
type SettlementRecord struct {
	Timestamp time.Time         `json:"ts"`
	AuctionID string            `json:"auction-id"`
	Kind      string            `json:"kind"`
	Agent     string            `json:"agent,omitempty"`
	Account   agents.AccountKey `json:"account,omitempty"`
	Spot      int               `json:"spot"`
	Price     currency.Amount   `json:"price,omitempty"`
}

// Sink receives settlement records. Writes must be safe from multiple shard
// owners.
type Sink interface {
	Write(record SettlementRecord) error
	Close() error
}

// FileSink appends newline-delimited JSON records to a file, optionally
// snappy-framed.
type FileSink struct {
	lock   sync.Mutex
	file   *os.File
	snappy *snappy.Writer
}

// NewFileSink opens (or creates) the log file for appending.
func NewFileSink(path string, compress bool) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("post-auction sink: %v", err)
	}
	sink := &FileSink{file: file}
	if compress {
		sink.snappy = snappy.NewBufferedWriter(file)
	}
	return sink, nil
}

func (s *FileSink) Write(record SettlementRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.snappy != nil {
		_, err = s.snappy.Write(line)
		return err
	}
	_, err = s.file.Write(line)
	return err
}

func (s *FileSink) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.snappy != nil {
		if err := s.snappy.Close(); err != nil {
			return err
		}
	}
	return s.file.Close()
}

// RedisSink pushes records onto a redis list, for routers that feed a message
// bus instead of local disk.
type RedisSink struct {
	client *redis.Client
	key    string
}

func NewRedisSink(addr, key string) *RedisSink {
	return &RedisSink{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    key,
	}
}

func (s *RedisSink) Write(record SettlementRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.client.RPush(s.key, line).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
