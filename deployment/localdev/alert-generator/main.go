package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalcraft/signalcraft-correlator/internal/api"
	"github.com/signalcraft/signalcraft-correlator/internal/events"
	"github.com/signalcraft/signalcraft-correlator/internal/models"
	"github.com/signalcraft/signalcraft-correlator/internal/utils"
)

// scenario is a cascading failure: the first alert tends to precede the others.
type scenario struct {
	project     string
	environment string
	fingerprint string
	title       string
	severity    string
	delay       time.Duration
}

var cascade = []scenario{
	{"postgres", "prod", "connection-pool-exhausted", "Connection pool exhausted", "critical", 0},
	{"checkout-api", "prod", "upstream-timeout", "Upstream timeout calling orders", "error", 20 * time.Second},
	{"web", "prod", "checkout-5xx", "Checkout returning 5xx", "warning", 45 * time.Second},
}

type sender interface {
	send(ctx context.Context, msg events.AlertMessage) error
}

type kafkaSender struct{ producer *events.Producer }

func (k kafkaSender) send(ctx context.Context, msg events.AlertMessage) error {
	return k.producer.PublishAlert(ctx, msg)
}

type grpcSender struct{ client *api.Client }

func (g grpcSender) send(ctx context.Context, msg events.AlertMessage) error {
	var resp api.IngestAlertResponse
	return g.client.Call(ctx, api.MethodIngestAlert, api.IngestAlertRequest{WorkspaceID: msg.WorkspaceID, Alert: msg.Alert}, &resp)
}

func main() {
	var (
		mode      = flag.String("mode", "grpc", "delivery mode: grpc or kafka")
		target    = flag.String("target", "localhost:50051", "correlator gRPC address")
		brokers   = flag.String("brokers", "localhost:9092", "comma-separated Kafka brokers")
		topic     = flag.String("topic", "alerts.normalized", "normalized alerts topic")
		workspace = flag.String("workspace", "local-dev", "workspace id")
		rounds    = flag.Int("rounds", 5, "number of cascades to emit")
		interval  = flag.Duration("interval", 2*time.Minute, "simulated time between cascades")
		noise     = flag.Int("noise", 3, "unrelated alerts per cascade")
		startAt   = flag.String("start", "", "RFC3339 time of the first cascade (default: rounds*interval ago)")
	)
	flag.Parse()

	logger := utils.NewLogger("info", false)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var out sender
	switch *mode {
	case "kafka":
		producer, err := events.NewProducer(logger, *brokers, *topic)
		if err != nil {
			logger.Error("create producer", slog.Any("error", err))
			os.Exit(1)
		}
		defer producer.Close()
		out = kafkaSender{producer: producer}
	case "grpc":
		conn, err := grpc.NewClient(*target, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			logger.Error("dial correlator", slog.Any("error", err))
			os.Exit(1)
		}
		defer conn.Close()
		out = grpcSender{client: api.NewClient(conn)}
	default:
		logger.Error("unknown mode", slog.String("mode", *mode))
		os.Exit(1)
	}

	start := time.Now().Add(-time.Duration(*rounds) * *interval)
	if *startAt != "" {
		parsed, err := utils.ParseRFC3339(*startAt)
		if err != nil {
			logger.Error("invalid start", slog.Any("error", err))
			os.Exit(1)
		}
		start = parsed
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sent := 0
	for round := 0; round < *rounds; round++ {
		base := start.Add(time.Duration(round) * *interval)
		for _, step := range cascade {
			if err := out.send(ctx, message(*workspace, step, base.Add(step.delay))); err != nil {
				logger.Error("send alert", slog.String("project", step.project), slog.Any("error", err))
				os.Exit(1)
			}
			sent++
		}
		for i := 0; i < *noise; i++ {
			step := scenario{
				project:     "batch-jobs",
				environment: "staging",
				fingerprint: fmt.Sprintf("job-%d-failed", rng.Intn(20)),
				title:       "Batch job failed",
				severity:    "info",
			}
			offset := time.Duration(rng.Int63n(int64(*interval)))
			if err := out.send(ctx, message(*workspace, step, base.Add(offset))); err != nil {
				logger.Error("send noise alert", slog.Any("error", err))
				os.Exit(1)
			}
			sent++
		}
	}
	logger.Info("alerts sent", slog.Int("count", sent), slog.String("mode", *mode), slog.String("workspace", *workspace))
}

func message(workspace string, s scenario, at time.Time) events.AlertMessage {
	return events.AlertMessage{
		WorkspaceID: workspace,
		Alert: models.NormalizedAlert{
			Source:        "alert-generator",
			SourceEventID: uuid.NewString(),
			Project:       s.project,
			Environment:   s.environment,
			Fingerprint:   s.fingerprint,
			Title:         s.title,
			Message:       s.title + " (synthetic)",
			Severity:      s.severity,
			Tags:          map[string]string{"generator": "localdev"},
			OccurredAt:    at,
		},
	}
}
