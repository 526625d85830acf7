// Integration tests for the ResourceStore gRPC service
package server

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/resourcestore/internal/metrics"
	"github.com/nainya/resourcestore/pkg/batch"
	"github.com/nainya/resourcestore/pkg/patch"
	"github.com/nainya/resourcestore/pkg/resource"
	"github.com/nainya/resourcestore/pkg/store"
)

const bufSize = 1024 * 1024

func setupTestServer(t *testing.T) (*store.Store, *Client, *metrics.Metrics, func()) {
	st := store.New()
	exec := batch.NewExecutor(st)
	m := metrics.NewMetricsWith(prometheus.NewRegistry())

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(GrpcMetricsInterceptor(m, nil)))
	RegisterResourceStoreServer(grpcServer, NewServer(st, exec, "", nil))

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	bufDialer := func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	}

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(bufDialer))
	if err != nil {
		t.Fatalf("Failed to dial bufnet: %v", err)
	}

	cleanup := func() {
		client.Close()
		grpcServer.Stop()
		lis.Close()
	}
	return st, client, m, cleanup
}

func TestCreateReadUpdate(t *testing.T) {
	_, client, _, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()

	created, err := client.Create(ctx, "Patient", resource.Resource{
		"resourceType": "Patient",
		"name":         []any{map[string]any{"family": "Simpson"}},
		"multipleBirthInteger": 2,
	})
	if err != nil {
		t.Fatalf("Failed to create: %v", err)
	}
	if created.ID() == "" || created.VersionID() == "" {
		t.Fatalf("Expected id and version, got %v", created)
	}
	if created["multipleBirthInteger"] != float64(2) {
		t.Errorf("Expected numeric field to survive, got %v", created["multipleBirthInteger"])
	}

	read, err := client.Read(ctx, "Patient", created.ID())
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if read.VersionID() != created.VersionID() {
		t.Errorf("Expected version %s, got %s", created.VersionID(), read.VersionID())
	}

	next := read.Clone()
	next["active"] = true
	updated, err := client.Update(ctx, "Patient", created.ID(), next)
	if err != nil {
		t.Fatalf("Failed to update: %v", err)
	}
	if updated.VersionID() == created.VersionID() {
		t.Error("Expected a new version id")
	}

	old, err := client.VRead(ctx, "Patient", created.ID(), created.VersionID())
	if err != nil {
		t.Fatalf("Failed to vread: %v", err)
	}
	if _, ok := old["active"]; ok {
		t.Error("Expected the first version to be unchanged")
	}
}

func TestPatchDeleteHistory(t *testing.T) {
	_, client, _, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()

	created, err := client.Create(ctx, "Patient", resource.Resource{"resourceType": "Patient", "active": false})
	if err != nil {
		t.Fatalf("Failed to create: %v", err)
	}
	id := created.ID()

	patched, err := client.Patch(ctx, "Patient", id, []patch.Operation{
		{Op: patch.OpReplace, Path: "/active", Value: true},
	})
	if err != nil {
		t.Fatalf("Failed to patch: %v", err)
	}
	if patched["active"] != true {
		t.Errorf("Expected active=true, got %v", patched["active"])
	}

	_, err = client.Patch(ctx, "Patient", id, []patch.Operation{
		{Op: patch.OpTest, Path: "/active", Value: false},
	})
	if !errors.Is(err, resource.ErrPatch) {
		t.Errorf("Expected patch error, got %v", err)
	}

	if err := client.Delete(ctx, "Patient", id); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if _, err := client.Read(ctx, "Patient", id); !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("Expected not found after delete, got %v", err)
	}

	history, err := client.History(ctx, "Patient", id)
	if err != nil {
		t.Fatalf("Failed to read history: %v", err)
	}
	if history.Total == nil || *history.Total != 3 {
		t.Fatalf("Expected 3 history entries, got %v", history.Total)
	}
	if history.Entry[0].Request.Method != "DELETE" {
		t.Errorf("Expected newest entry to be the deletion, got %s", history.Entry[0].Request.Method)
	}
}

func TestSearchAndBatch(t *testing.T) {
	st, client, _, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()

	for _, family := range []string{"Simpson", "Flanders", "Simpson"} {
		if _, err := st.Create(ctx, "Patient", resource.Resource{
			"resourceType": "Patient",
			"name":         []any{map[string]any{"family": family}},
		}); err != nil {
			t.Fatalf("Failed to seed: %v", err)
		}
	}

	set, err := client.Search(ctx, "Patient", "family=simpson&_count=1")
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if *set.Total != 2 || len(set.Entry) != 1 {
		t.Errorf("Expected total 2 and one entry, got %d and %d", *set.Total, len(set.Entry))
	}

	b := resource.NewBundle(resource.BundleBatch)
	b.Entry = []resource.BundleEntry{
		{Request: &resource.BundleRequest{Method: "POST", URL: "Organization"}, Resource: resource.Resource{"resourceType": "Organization"}},
		{Request: &resource.BundleRequest{Method: "GET", URL: "Organization/missing"}},
	}
	resp, err := client.Batch(ctx, b)
	if err != nil {
		t.Fatalf("Failed to execute batch: %v", err)
	}
	if resp.Type != resource.BundleBatchResponse || len(resp.Entry) != 2 {
		t.Fatalf("Unexpected batch response: %+v", resp)
	}
	if resp.Entry[0].Response.Status != "201" || resp.Entry[1].Response.Status != "404" {
		t.Errorf("Unexpected statuses %s, %s", resp.Entry[0].Response.Status, resp.Entry[1].Response.Status)
	}

	bad := resource.NewBundle(resource.BundleHistory)
	if _, err := client.Batch(ctx, bad); !errors.Is(err, resource.ErrValidation) {
		t.Errorf("Expected validation error for a history bundle, got %v", err)
	}
}

func TestStatusCodes(t *testing.T) {
	_, client, m, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()

	_, err := client.Read(ctx, "Patient", "nope")
	if !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}

	_, err = client.Create(ctx, "NotAType", resource.Resource{})
	if !errors.Is(err, resource.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}

	_, err = client.invoke(ctx, MethodRead, map[string]any{FieldResourceType: "Patient"})
	if !errors.Is(err, resource.ErrValidation) {
		t.Errorf("Expected missing id to be rejected, got %v", err)
	}

	got := testutil.ToFloat64(m.GrpcRequestsTotal.WithLabelValues(FullMethod(MethodRead), codes.NotFound.String()))
	if got != 1 {
		t.Errorf("Expected one NotFound read recorded, got %v", got)
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{resource.Validationf("bad"), codes.InvalidArgument},
		{resource.NotFoundf("gone"), codes.NotFound},
		{resource.Patchf("nope"), codes.FailedPrecondition},
		{resource.Conflictf("dup"), codes.Aborted},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		if got := status.Code(toStatus(tt.err)); got != tt.code {
			t.Errorf("toStatus(%v) = %s, want %s", tt.err, got, tt.code)
		}
	}
}

func TestStructRoundTrip(t *testing.T) {
	doc := resource.Resource{
		"resourceType": "Observation",
		"valueQuantity": map[string]any{"value": 4.5},
		"component":    []any{map[string]any{"code": "x"}, nil},
	}
	st, err := toStruct(doc)
	if err != nil {
		t.Fatalf("toStruct: %v", err)
	}
	if _, ok := st.GetFields()["component"].GetKind().(*structpb.Value_ListValue); !ok {
		t.Fatalf("Expected a list value")
	}
	back, err := fromStruct(st)
	if err != nil {
		t.Fatalf("fromStruct: %v", err)
	}
	if back["valueQuantity"].(map[string]any)["value"] != 4.5 {
		t.Errorf("Unexpected round trip: %v", back)
	}
}
