package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	chatkafka "github.com/mqy/chatmux/backend/kafka"
)

// The demo posts chat messages to a kafka topic as another user, so that `kafka` accounts of the
// daemon have something to receive.
//
//   kafka-topics.sh --bootstrap-server localhost:9092 --topic chatmux --create
//   chatmux --transport=tcp &
//   echo "account add kafka alice pw 127.0.0.1:9092/chatmux" | nc 127.0.0.1 32000

var (
	flagServer   = flag.String("server", "127.0.0.1:9092/"+chatkafka.DefaultTopic, "brokers and topic, `broker[,broker]/topic`")
	flagSender   = flag.String("sender", "demo-bot", "sender of the messages")
	flagRoom     = flag.String("room", "lobby", "room of the messages")
	flagInterval = flag.Duration("interval", 30*time.Second, "interval between messages")
)

func main() {
	flag.Parse()

	brokers, topic, err := chatkafka.ParseServer(*flagServer)
	if err != nil {
		panic(err)
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})
	defer w.Close()

	ticker := time.NewTicker(*flagInterval)
	defer ticker.Stop()

	var i int
	for now := range ticker.C {
		value, err := json.Marshal(&chatkafka.WireMsg{
			Sender: *flagSender,
			Body:   fmt.Sprintf("hello #%d", i),
			Ts:     now.UnixMilli(),
		})
		if err != nil {
			panic(err)
		}

		msg := kafka.Message{
			Key:   []byte(*flagRoom),
			Value: value,
		}
		if err := w.WriteMessages(context.Background(), msg); err != nil {
			panic(err)
		}
		fmt.Printf("sent #%d to %s/%s\n", i, topic, *flagRoom)
		i++
	}
}
