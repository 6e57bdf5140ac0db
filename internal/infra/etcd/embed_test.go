package etcd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

// testClient talks to a single-member etcd started in-process by TestMain.
var testClient *clientv3.Client

func TestMain(m *testing.M) {
	os.Exit(runWithEmbeddedEtcd(m))
}

func runWithEmbeddedEtcd(m *testing.M) int {
	dir, err := os.MkdirTemp("", "dispatch-etcd-")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create etcd data dir:", err)
		return 1
	}
	defer os.RemoveAll(dir)

	clientURL, err := freeURL()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	peerURL, err := freeURL()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg := embed.NewConfig()
	cfg.Name = "dispatch-test"
	cfg.Dir = dir
	cfg.LogLevel = "error"
	cfg.ListenClientUrls = []url.URL{clientURL}
	cfg.AdvertiseClientUrls = []url.URL{clientURL}
	cfg.ListenPeerUrls = []url.URL{peerURL}
	cfg.AdvertisePeerUrls = []url.URL{peerURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	server, err := embed.StartEtcd(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start embedded etcd:", err)
		return 1
	}
	defer server.Close()

	select {
	case <-server.Server.ReadyNotify():
	case <-time.After(30 * time.Second):
		fmt.Fprintln(os.Stderr, "embedded etcd did not become ready")
		return 1
	}

	testClient, err = NewClient([]string{clientURL.String()}, 5*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to connect to embedded etcd:", err)
		return 1
	}
	defer testClient.Close()

	return m.Run()
}

func freeURL() (url.URL, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return url.URL{}, fmt.Errorf("failed to reserve a port: %w", err)
	}
	defer l.Close()
	return url.URL{Scheme: "http", Host: l.Addr().String()}, nil
}

// resetEtcd removes every key this service writes and revokes all leases so
// each test starts from an empty store.
func resetEtcd(t *testing.T) *clientv3.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping embedded etcd test in short mode")
	}
	ctx := context.Background()
	_, err := testClient.Delete(ctx, KeyPrefix, clientv3.WithPrefix())
	require.NoError(t, err)
	leases, err := testClient.Leases(ctx)
	require.NoError(t, err)
	for _, l := range leases.Leases {
		_, _ = testClient.Revoke(ctx, l.ID)
	}
	return testClient
}

func leaseCount(t *testing.T, client *clientv3.Client) int {
	t.Helper()
	resp, err := client.Leases(context.Background())
	require.NoError(t, err)
	return len(resp.Leases)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
