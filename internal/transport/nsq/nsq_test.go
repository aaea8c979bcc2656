package nsq

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/nsqio/nsq/nsqd"

	"github.com/dray-io/meshsync/internal/logging"
	"github.com/dray-io/meshsync/internal/transport"
)

// startDaemon boots an embedded nsqd on a random port.
func startDaemon(t *testing.T, logger *logging.Logger) string {
	t.Helper()

	opts := nsqd.NewOptions()
	opts.DataPath = t.TempDir()
	opts.TCPAddress = "127.0.0.1:0"
	opts.HTTPAddress = "127.0.0.1:0"
	opts.HTTPSAddress = ""
	opts.LogLevel = nsqd.LOG_WARN
	opts.Logger = &daemonLogger{logger}

	daemon, err := nsqd.New(opts)
	if err != nil {
		t.Fatalf("Failed to start nsqd: %v", err)
	}
	go daemon.Main()
	t.Cleanup(daemon.Exit)

	return net.JoinHostPort("127.0.0.1", strconv.Itoa(daemon.RealTCPAddr().Port))
}

func TestPubSub(t *testing.T) {
	logger := logging.New(logging.Config{Level: logging.LevelWarn, Output: os.Stderr})
	addr := startDaemon(t, logger)

	tr, err := New(Config{NSQDAddr: addr, Partitions: 2, Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Creating the topic first makes sure the channel sees the message.
	if err := tr.Publish(ctx, transport.Record{Topic: "svc.events", Partition: 1, Value: []byte("warmup")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	sub, err := tr.Subscribe(ctx, "svc.events", 1, transport.SubscribeOptions{ClientID: "c1", GroupID: "g1"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	want := transport.Record{
		Topic:     "svc.events",
		Partition: 1,
		Key:       []byte("k"),
		Headers:   map[string]string{"_recipient_": "node-a"},
		Value:     []byte("payload"),
	}
	if err := tr.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var got *transport.Record
	for got == nil {
		records, err := sub.Poll(ctx)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		for i := range records {
			if bytes.Equal(records[i].Value, want.Value) {
				got = &records[i]
			}
		}
	}
	if got.Offset != transport.NoOffset {
		t.Errorf("expected no offset, got %d", got.Offset)
	}
	if got.Headers["_recipient_"] != "node-a" || string(got.Key) != "k" || got.Partition != 1 {
		t.Errorf("unexpected record %+v", got)
	}

	if _, _, err := sub.Offsets(ctx); !errors.Is(err, transport.ErrSeekUnsupported) {
		t.Errorf("expected ErrSeekUnsupported, got %v", err)
	}
	if err := sub.Seek(ctx, 0); !errors.Is(err, transport.ErrSeekUnsupported) {
		t.Errorf("expected ErrSeekUnsupported, got %v", err)
	}
	if n, _ := tr.PartitionCount(ctx, "svc.events"); n != 2 {
		t.Errorf("expected 2 partitions, got %d", n)
	}
}

func TestPublishPartitionOutOfRange(t *testing.T) {
	tr, err := New(Config{NSQDAddr: "127.0.0.1:1", Partitions: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	err = tr.Publish(context.Background(), transport.Record{Topic: "svc.events", Partition: 3})
	if err == nil {
		t.Error("expected out of range error")
	}
}

func TestTopicName(t *testing.T) {
	if got := TopicName("svc.events", 3); got != "svc.events.3" {
		t.Errorf("unexpected topic name %s", got)
	}
}

func TestClientLoggerParsesLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelDebug, Format: logging.FormatText, Output: &buf})
	l := &clientLogger{logger: logger, role: "consumer"}

	_ = l.Output(2, "ERR    1 [svc.events.0/g1] (127.0.0.1:4150) connection lost")
	if !bytes.Contains(buf.Bytes(), []byte("[error]")) {
		t.Errorf("expected error level entry, got %q", buf.String())
	}
}
