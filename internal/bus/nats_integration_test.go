//go:build integration

package bus

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"case-monitor/internal/storage"
)

func startNATS(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exec.CommandContext(ctx, "docker", "info").Run() != nil {
		t.Skip("Skipping test: Docker not available")
	}

	ctx = context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestNATSPublisherDeliversMovement(t *testing.T) {
	url := startNATS(t)

	sub, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	if _, err := sub.ChanSubscribe("test.movements.>", msgs); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub, err := NewNATSPublisher(NATSOptions{URL: url, SubjectPrefix: "test.movements"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	defer pub.Close()

	entity := storage.MonitoredEntity{ID: "e1", ExternalRef: "ref-1", TenantID: "t1"}
	mv := storage.Movement{EntityID: "e1", IdempotencyKey: "evt:1", Type: "hearing", Source: storage.SourcePoll, EventDate: time.Now().UTC()}
	if err := pub.PublishMovement(context.Background(), entity, mv); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Subject != "test.movements.poll" {
			t.Fatalf("unexpected subject %s", msg.Subject)
		}
		var ev MovementEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.ExternalRef != "ref-1" || ev.IdempotencyKey != "evt:1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no message received")
	}
}
