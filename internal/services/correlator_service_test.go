package services

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalcraft/signalcraft-correlator/internal/anomaly"
	"github.com/signalcraft/signalcraft-correlator/internal/api"
	"github.com/signalcraft/signalcraft-correlator/internal/config"
	"github.com/signalcraft/signalcraft-correlator/internal/correlation"
	"github.com/signalcraft/signalcraft-correlator/internal/grouping"
	"github.com/signalcraft/signalcraft-correlator/internal/ingest"
	"github.com/signalcraft/signalcraft-correlator/internal/models"
	"github.com/signalcraft/signalcraft-correlator/internal/repo"
)

var serviceNow = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

type pingStub struct{ err error }

func (p pingStub) Ping(context.Context) error { return p.err }

func newStack(t *testing.T) (*CorrelatorService, *repo.Memory) {
	t.Helper()
	now := func() time.Time { return serviceNow }
	store := repo.NewMemory()
	detector := anomaly.NewEngine(nil, store, anomaly.Options{Now: now})
	engine := grouping.NewEngine(nil, store, detector, grouping.Options{Now: now})
	processor := ingest.NewProcessor(nil, engine, store, nil)
	detector.SetAlertSink(processor)
	miner := correlation.NewMiner(nil, store, store, correlation.MinerOptions{Now: now})
	scorer := correlation.NewScorer(nil, store, nil, correlation.ScorerOptions{Now: now})

	svc := NewCorrelatorService(nil, Deps{
		Ingester: processor,
		Anomaly:  detector,
		Miner:    miner,
		Scorer:   scorer,
	})
	return svc, store
}

func mustStruct(t *testing.T, v any) *structpb.Struct {
	t.Helper()
	s, err := api.ToStruct(v)
	require.NoError(t, err)
	return s
}

func alertRequest(project, eventID string, at time.Time) api.IngestAlertRequest {
	return api.IngestAlertRequest{
		WorkspaceID: "ws-1",
		Alert: models.NormalizedAlert{
			Source:        "datadog",
			SourceEventID: eventID,
			Project:       project,
			Environment:   "prod",
			Fingerprint:   project + "-latency",
			Title:         project + " latency",
			Severity:      "warning",
			OccurredAt:    at,
		},
	}
}

func TestIngestAlertAndDuplicate(t *testing.T) {
	svc, _ := newStack(t)
	ctx := context.Background()

	out, err := svc.IngestAlert(ctx, mustStruct(t, alertRequest("api", "e-1", serviceNow.Add(-time.Minute))))
	require.NoError(t, err)
	var resp api.IngestAlertResponse
	require.NoError(t, api.FromStruct(out, &resp))
	assert.True(t, resp.Created)
	require.NotNil(t, resp.Group)
	assert.Equal(t, "MEDIUM", resp.Group.Severity)

	out, err = svc.IngestAlert(ctx, mustStruct(t, alertRequest("api", "e-1", serviceNow.Add(-time.Minute))))
	require.NoError(t, err)
	resp = api.IngestAlertResponse{}
	require.NoError(t, api.FromStruct(out, &resp))
	assert.True(t, resp.Duplicate)
	assert.Nil(t, resp.Group)
}

func TestIngestAlertInvalid(t *testing.T) {
	svc, _ := newStack(t)
	req := alertRequest("api", "e-1", serviceNow)
	req.Alert.Source = ""
	_, err := svc.IngestAlert(context.Background(), mustStruct(t, req))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGroupRequestsRequireGroupID(t *testing.T) {
	svc, _ := newStack(t)
	ctx := context.Background()
	empty := mustStruct(t, api.GroupRequest{WorkspaceID: "ws-1"})

	_, err := svc.FindCorrelatedAlerts(ctx, empty)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = svc.GetGroupStats(ctx, empty)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = svc.DetectAnomalies(ctx, mustStruct(t, api.WorkspaceRequest{}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestUnconfiguredDependencies(t *testing.T) {
	svc := NewCorrelatorService(nil, Deps{})
	_, err := svc.IngestAlert(context.Background(), &structpb.Struct{})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	_, err = svc.SuggestRootCause(context.Background(), &structpb.Struct{})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestHealthCheckReflectsStore(t *testing.T) {
	svc := NewCorrelatorService(nil, Deps{Store: pingStub{err: errors.New("down")}})
	out, err := svc.HealthCheck(context.Background(), &structpb.Struct{})
	require.NoError(t, err)
	assert.Equal(t, "NOT_SERVING", out.GetFields()["status"].GetStringValue())

	svc = NewCorrelatorService(nil, Deps{Store: pingStub{}})
	out, err = svc.HealthCheck(context.Background(), &structpb.Struct{})
	require.NoError(t, err)
	assert.Equal(t, "SERVING", out.GetFields()["status"].GetStringValue())
}

func TestCorrelationOverGRPC(t *testing.T) {
	svc, store := newStack(t)

	lis := bufconn.Listen(1 << 20)
	server := api.NewServerWithListener(config.ServerConfig{GracefulTimeout: time.Second}, lis, svc)
	require.Equal(t, lis.Addr().String(), server.Address())
	go func() { _ = server.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := api.NewClient(conn)

	var first, second api.IngestAlertResponse
	require.NoError(t, client.Call(ctx, api.MethodIngestAlert, alertRequest("db", "e-1", serviceNow.Add(-3*time.Minute)), &first))
	require.NoError(t, client.Call(ctx, api.MethodIngestAlert, alertRequest("db", "e-2", serviceNow.Add(-2*time.Minute)), &second))
	var target api.IngestAlertResponse
	require.NoError(t, client.Call(ctx, api.MethodIngestAlert, alertRequest("api", "e-3", serviceNow.Add(-2*time.Minute)), &target))
	require.NotNil(t, target.Group)

	var correlated api.CorrelatedAlertsResponse
	require.NoError(t, client.Call(ctx, api.MethodFindCorrelatedAlerts, api.GroupRequest{GroupID: target.Group.ID}, &correlated))
	require.Len(t, correlated.Correlations, 1)
	assert.Equal(t, first.Group.ID, correlated.Correlations[0].Group.ID)
	assert.Contains(t, correlated.Correlations[0].Reason, "same_environment")

	var root api.RootCauseResponse
	require.NoError(t, client.Call(ctx, api.MethodSuggestRootCause, api.GroupRequest{GroupID: target.Group.ID}, &root))
	assert.Equal(t, first.Group.ID, root.RootCauseAlertID)
	assert.Contains(t, root.Explanation, "60s earlier")

	var stored api.StoredCorrelationsResponse
	require.NoError(t, client.Call(ctx, api.MethodStoredCorrelations, api.GroupRequest{GroupID: target.Group.ID}, &stored))
	assert.Len(t, stored.Edges, 1)

	var stats api.GroupStatsResponse
	require.NoError(t, client.Call(ctx, api.MethodGetGroupStats, api.GroupRequest{WorkspaceID: "ws-1", GroupID: first.Group.ID}, &stats))
	assert.Equal(t, 2, stats.CurrentCount)

	err = client.Call(ctx, api.MethodFindCorrelatedAlerts, api.GroupRequest{}, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	var health api.HealthResponse
	require.NoError(t, client.Call(ctx, api.MethodHealthCheck, nil, &health))
	assert.Equal(t, "SERVING", health.Status)

	hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: api.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.GetStatus())

	groups, err := store.ListActiveGroups(ctx, repo.GroupQuery{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Len(t, groups, 2)
}
