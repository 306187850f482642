package leader_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/k3s"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/leader"
)

const (
	auctionNamespace = "auctions"
	engineLease      = "auctiond-engine"
	replicaName      = "auctiond-0"
)

// TestLeaderElection_K3s runs the engine lease against a real API server in
// a k3s testcontainer. Skipped in short mode.
func TestLeaderElection_K3s(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping k3s integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := k3s.Run(ctx, "rancher/k3s:v1.31.6-k3s1")
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting k3s container: %v", err)
	}

	kubeConfigYaml, err := ctr.GetKubeConfig(ctx)
	if err != nil {
		t.Fatalf("getting kubeconfig: %v", err)
	}
	restCfg, err := clientcmd.RESTConfigFromKubeConfig(kubeConfigYaml)
	if err != nil {
		t.Fatalf("building rest config: %v", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		t.Fatalf("creating kubernetes client: %v", err)
	}

	_, err = clientset.CoreV1().Namespaces().Create(ctx,
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: auctionNamespace}}, metav1.CreateOptions{})
	if err != nil {
		t.Fatalf("creating namespace: %v", err)
	}

	origFactory := leader.ClientFactory
	leader.ClientFactory = func() (kubernetes.Interface, error) {
		return clientset, nil
	}
	t.Cleanup(func() { leader.ClientFactory = origFactory })

	// The identity written to the lease comes from the pod name.
	t.Setenv("POD_NAME", replicaName)

	cfg := config.LeaderElectionConfig{
		Enabled:        true,
		LeaseName:      engineLease,
		LeaseNamespace: auctionNamespace,
		LeaseDuration:  5 * time.Second,
		RenewDeadline:  3 * time.Second,
		RetryPeriod:    1 * time.Second,
	}

	var (
		serving atomic.Bool
		stopped atomic.Bool
	)
	termCtx, endTerm := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- leader.Run(termCtx, cfg, slog.Default(), leader.Callbacks{
			OnStartedLeading: func(ctx context.Context) {
				serving.Store(true)
				// The auction service runs until the term ends.
				<-ctx.Done()
			},
			OnStoppedLeading: func() { stopped.Store(true) },
		})
	}()

	waitFor(t, 30*time.Second, serving.Load, "engine never started serving")

	lease, err := clientset.CoordinationV1().Leases(auctionNamespace).Get(ctx, engineLease, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("reading lease: %v", err)
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != replicaName {
		t.Errorf("lease holder = %v, want %q", lease.Spec.HolderIdentity, replicaName)
	}

	endTerm()
	select {
	case runErr := <-errCh:
		if runErr != nil {
			t.Fatalf("leader.Run() error = %v", runErr)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for leader.Run to return")
	}
	if !stopped.Load() {
		t.Error("OnStoppedLeading was not called when the term ended")
	}

	// ReleaseOnCancel hands the lease back so a standby can take over at once.
	lease, err = clientset.CoordinationV1().Leases(auctionNamespace).Get(ctx, engineLease, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("reading lease after release: %v", err)
	}
	if h := lease.Spec.HolderIdentity; h != nil && *h == replicaName {
		t.Errorf("lease still held by %q after release", *h)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-ticker.C:
		}
	}
}
