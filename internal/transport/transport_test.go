package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"github.com/kitchen/beaver/internal/config"
	"github.com/kitchen/beaver/internal/domain"
)

func testBatch(lines ...string) *domain.Batch {
	records := make([]*domain.LineRecord, 0, len(lines))
	offset := int64(0)
	for _, line := range lines {
		end := offset + int64(len(line)) + 1
		records = append(records, &domain.LineRecord{
			Identity:    "1:1",
			Path:        "/var/log/app.log",
			StartOffset: offset,
			EndOffset:   end,
			Line:        []byte(line),
			Tags:        map[string]string{"env": "prod"},
			ReadAt:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		})
		offset = end
	}
	return domain.NewBatch(records)
}

func TestNew_KnownTypes(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TransportConfig
		wantErr bool
	}{
		{name: "redis", cfg: config.TransportConfig{Type: "redis", RedisAddr: "localhost:6379", RedisKey: "logs"}},
		{name: "amqp", cfg: config.TransportConfig{Type: "amqp", AMQPURL: "amqp://localhost", AMQPExchange: "logs"}},
		{name: "clickhouse", cfg: config.TransportConfig{Type: "clickhouse", ClickHouseAddr: "localhost:9000", ClickHouseTable: "log_lines"}},
		{name: "tcp", cfg: config.TransportConfig{Type: "tcp", TCPAddr: "localhost:5000"}},
		{name: "stdout", cfg: config.TransportConfig{Type: "stdout"}},
		{name: "unknown", cfg: config.TransportConfig{Type: "carrier-pigeon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tr.Name() != tt.cfg.Type {
				t.Errorf("Name() = %q, want %q", tr.Name(), tt.cfg.Type)
			}
		})
	}
}

func TestClassify_InterruptedSendIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.DeliveryStatus
	}{
		{name: "cancelled", err: fmt.Errorf("redis rpush failed: %w", context.Canceled), want: domain.TransientFailure},
		{name: "deadline", err: fmt.Errorf("failed to send batch: %w", context.DeadlineExceeded), want: domain.TransientFailure},
		{name: "rejected payload", err: errors.New("code: 62, Syntax error"), want: domain.PermanentFailure},
		{name: "nil", err: nil, want: domain.Delivered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got.Status != tt.want {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got.Status, tt.want)
			}
		})
	}
}

func TestEncodeRecord(t *testing.T) {
	batch := testBatch("hello world")
	data, err := encodeRecord(batch.Records[0])
	if err != nil {
		t.Fatalf("encodeRecord() error = %v", err)
	}

	var event map[string]interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if event["message"] != "hello world" {
		t.Errorf("message = %v, want hello world", event["message"])
	}
	if event["path"] != "/var/log/app.log" {
		t.Errorf("path = %v", event["path"])
	}
	tags, ok := event["tags"].(map[string]interface{})
	if !ok || tags["env"] != "prod" {
		t.Errorf("tags = %v, want env=prod", event["tags"])
	}
}

func TestTCPTransport_SendsFramedLines(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer listener.Close()

	received := make(chan []string, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var lines []string
		scanner := bufio.NewScanner(conn)
		for len(lines) < 2 && scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		received <- lines
	}()

	tr := newTCPTransport(config.TransportConfig{Type: "tcp", TCPAddr: listener.Addr().String()})
	ctx := context.Background()

	if err := tr.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer tr.Close()

	result := tr.Send(ctx, testBatch("first", "second"))
	if !result.Ok() {
		t.Fatalf("Send() = %v (%v), want delivered", result.Status, result.Err)
	}

	select {
	case lines := <-received:
		if len(lines) != 2 || lines[0] != "first" || lines[1] != "second" {
			t.Errorf("received = %v, want [first second]", lines)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for framed lines")
	}
}

func TestTCPTransport_SendWithoutOpen(t *testing.T) {
	tr := newTCPTransport(config.TransportConfig{Type: "tcp", TCPAddr: "127.0.0.1:1"})
	result := tr.Send(context.Background(), testBatch("x"))
	if result.Status != domain.TransientFailure {
		t.Errorf("Send() without open = %v, want transient failure", result.Status)
	}
}

func TestTCPTransport_OpenUnreachable(t *testing.T) {
	// A listener that is immediately closed gives a port nothing listens on.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	tr := newTCPTransport(config.TransportConfig{Type: "tcp", TCPAddr: addr})
	if err := tr.Open(context.Background()); err == nil {
		tr.Close()
		t.Error("Open() succeeded against a closed port")
	}
}

func TestAwaitConfirms_DrainsBeyondBuffer(t *testing.T) {
	// Far more confirmations than the channel buffers: the consumer must
	// keep draining while the producer is still feeding, or both sides
	// deadlock the way a wedged connection reader would.
	const n = 5000
	confirms := make(chan amqp.Confirmation, 16)
	go func() {
		for i := uint64(1); i <= n; i++ {
			confirms <- amqp.Confirmation{DeliveryTag: i, Ack: true}
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- awaitConfirms(context.Background(), confirms, n)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("awaitConfirms() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("awaitConfirms() deadlocked")
	}
}

func TestAwaitConfirms_Nack(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 2)
	confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
	confirms <- amqp.Confirmation{DeliveryTag: 2, Ack: false}

	if err := awaitConfirms(context.Background(), confirms, 2); err == nil {
		t.Error("awaitConfirms() succeeded despite a nack")
	}
}

func TestAwaitConfirms_ClosedChannel(t *testing.T) {
	confirms := make(chan amqp.Confirmation)
	close(confirms)

	if err := awaitConfirms(context.Background(), confirms, 1); err == nil {
		t.Error("awaitConfirms() succeeded on a closed channel")
	}
}

func TestStdoutTransport_Delivers(t *testing.T) {
	tr := newStdoutTransport(config.TransportConfig{Type: "stdout"})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	result := tr.Send(context.Background(), testBatch("to stdout"))
	if !result.Ok() {
		t.Errorf("Send() = %v, want delivered", result.Status)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
