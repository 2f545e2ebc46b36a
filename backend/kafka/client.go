// Package kafka is a chat backend on a kafka topic: every record is one chat message,
// the record key is the room id.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/mqy/chatmux/backend"
)

const (
	Kind         = "kafka"
	DefaultTopic = "chatmux"

	kafkaDialTimeout  = 10 * time.Second
	kafkaWriteTimeout = 3 * time.Second
	groupIdPrefix     = "chatmux-"

	// MaxValueBytes bounds the encoded record value of a sent message.
	MaxValueBytes = 64 * 1024
)

func init() {
	backend.Register(Kind, func(conf backend.Config) (backend.Client, error) {
		return NewClient(conf)
	})
}

// WireMsg is the kafka record value.
type WireMsg struct {
	Sender string `json:"sender"`
	Body   string `json:"body"`
	Ts     int64  `json:"ts,omitempty"` // unix millis
}

// Client implements `backend.Client`.
type Client struct {
	identity string
	brokers  []string
	topic    string

	dial      func(ctx context.Context) error
	newReader func() IKafkaReader
	newWriter func() IKafkaWriter

	mu     sync.Mutex
	writer IKafkaWriter
	rooms  map[string]struct{}
}

// ParseServer parses `host:port[,host:port...][/topic]`.
func ParseServer(server string) ([]string, string, error) {
	topic := DefaultTopic
	if i := strings.Index(server, "/"); i >= 0 {
		if t := server[i+1:]; t != "" {
			topic = t
		}
		server = server[:i]
	}
	var brokers []string
	for _, b := range strings.Split(server, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, "", fmt.Errorf("kafka: no broker in server %q", server)
	}
	return brokers, topic, nil
}

func NewClient(conf backend.Config) (*Client, error) {
	brokers, topic, err := ParseServer(conf.Server)
	if err != nil {
		return nil, err
	}

	identity := conf.Login
	if i := strings.LastIndex(identity, "@"); i > 0 {
		identity = identity[:i]
	}

	dialer := &kafka.Dialer{
		Timeout:   kafkaDialTimeout,
		DualStack: true,
	}
	if conf.Secret != "" {
		dialer.SASLMechanism = plain.Mechanism{Username: identity, Password: conf.Secret}
	}

	c := &Client{
		identity: identity,
		brokers:  brokers,
		topic:    topic,
		rooms:    make(map[string]struct{}),
	}
	c.dial = func(ctx context.Context) error {
		conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
		if err != nil {
			return err
		}
		return conn.Close()
	}
	c.newReader = func() IKafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			GroupID: groupIdPrefix + identity,
			Topic:   topic,
			Dialer:  dialer,
		})
	}
	c.newWriter = func() IKafkaWriter {
		return kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Topic:    topic,
			Balancer: &kafka.Hash{},
			Dialer:   dialer,
		})
	}
	return c, nil
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kafka.SASLAuthenticationFailed):
		return fmt.Errorf("kafka: %v: %w", err, backend.ErrAuth)
	case errors.Is(err, kafka.MessageSizeTooLarge):
		return fmt.Errorf("kafka: %v: %w", err, backend.ErrRejected)
	}
	return err
}

func (c *Client) Login(ctx context.Context) (string, error) {
	if err := c.dial(ctx); err != nil {
		return "", classify(err)
	}
	c.mu.Lock()
	if c.writer == nil {
		c.writer = c.newWriter()
	}
	c.mu.Unlock()
	glog.V(5).Infof("kafka: %s logged in, brokers: %v, topic: %s", c.identity, c.brokers, c.topic)
	return c.identity, nil
}

// seen records room and tells whether it is new.
func (c *Client) seen(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

func (c *Client) decode(msg *kafka.Message) (backend.Event, bool) {
	room := string(msg.Key)
	if room == "" {
		glog.Errorf("kafka: skip record without key, offset: %d", msg.Offset)
		return backend.Event{}, false
	}
	var v WireMsg
	if err := json.Unmarshal(msg.Value, &v); err != nil {
		glog.Errorf("kafka: failed to unmarshal value: `%s`, error: %v", msg.Value, err)
		return backend.Event{}, false
	}
	t := msg.Time
	if v.Ts > 0 {
		t = time.UnixMilli(v.Ts)
	}
	return backend.Event{
		Kind:   backend.NewMessage,
		RoomID: room,
		Sender: v.Sender,
		Time:   t,
		Body:   v.Body,
	}, true
}

// Sync consumes the topic with a per-identity consumer group.
func (c *Client) Sync(ctx context.Context, out chan<- backend.Event) error {
	reader := c.newReader()
	defer func() {
		_ = reader.Close()
	}()

	emit := func(e backend.Event) error {
		select {
		case out <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			glog.Errorf("kafka: fetch err: %v", err)
			return classify(err)
		}

		if e, ok := c.decode(&msg); ok {
			if c.seen(e.RoomID) {
				if err := emit(backend.Event{Kind: backend.RosterChanged, RoomID: e.RoomID, Time: e.Time}); err != nil {
					return err
				}
			}
			if err := emit(e); err != nil {
				return err
			}
		}

		// A record that is not committed is fetched again after reconnect; the translator
		// drops the duplicate.
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			glog.Errorf("kafka: commit err: %v", err)
			return classify(err)
		}
	}
}

func (c *Client) Rooms(ctx context.Context) ([]backend.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]backend.Room, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, backend.Room{ID: id, DisplayName: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Client) Send(ctx context.Context, roomID, body string) error {
	c.mu.Lock()
	w := c.writer
	c.mu.Unlock()
	if w == nil {
		return fmt.Errorf("kafka: %s is not logged in", c.identity)
	}

	value, err := json.Marshal(&WireMsg{Sender: c.identity, Body: body, Ts: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("kafka: marshal message: %v: %w", err, backend.ErrRejected)
	}
	if len(value) > MaxValueBytes {
		return fmt.Errorf("kafka: message exceeds max limit: %d bytes: %w", MaxValueBytes, backend.ErrRejected)
	}

	ctx2, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	if err := w.WriteMessages(ctx2, kafka.Message{Key: []byte(roomID), Value: value}); err != nil {
		return classify(fmt.Errorf("kafka: write: %w", err))
	}
	c.seen(roomID)
	return nil
}

// Join only starts listing the room: every room of the topic is readable.
func (c *Client) Join(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.seen(roomID) {
		glog.V(5).Infof("kafka: %s joined %s", c.identity, roomID)
	}
	return nil
}

// Part stops listing the room until the next record of it arrives.
func (c *Client) Part(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return fmt.Errorf("kafka: not in room %s: %w", roomID, backend.ErrRejected)
	}
	delete(c.rooms, roomID)
	return nil
}

func (c *Client) Invite(ctx context.Context, roomID, user string) error {
	return fmt.Errorf("kafka: invite %s to %s: not supported: %w", user, roomID, backend.ErrRejected)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		return nil
	}
	err := c.writer.Close()
	c.writer = nil
	return err
}
