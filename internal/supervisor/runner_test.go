package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"

	"github.com/apptrail-sh/rollout-watcher/internal/cluster"
)

const testTimeout = 2 * time.Second

type clusterList struct {
	mu       sync.Mutex
	clusters []*cluster.Cluster
	err      error
}

func (l *clusterList) set(clusters []*cluster.Cluster, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clusters = clusters
	l.err = err
}

func (l *clusterList) load() ([]*cluster.Cluster, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clusters, l.err
}

func keysFor(clusterIDs ...string) []Key {
	var keys []Key
	for _, id := range clusterIDs {
		keys = append(keys, Key{WatcherType: "pods", ClusterID: id})
	}
	return keys
}

func TestRunner_FailingClusterDoesNotStopOthers(t *testing.T) {
	g := NewWithT(t)
	ff := &fakeFactory{}
	ff.setFailing("c1")
	s := New(logr.Discard())
	s.Register("pods", ff.factory("pods"))

	list := &clusterList{}
	list.set([]*cluster.Cluster{cluster.New("c1", nil), cluster.New("c2", nil)}, nil)
	reload := make(chan os.Signal, 1)
	r := NewRunner(s, list.load, reload, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Start(ctx) }()

	g.Eventually(s.Live, testTimeout).Should(Equal(keysFor("c2")))
	g.Consistently(errCh, 50*time.Millisecond).ShouldNot(Receive())

	ff.setFailing("")
	reload <- syscall.SIGHUP
	g.Eventually(s.Live, testTimeout).Should(Equal(keysFor("c1", "c2")))
	g.Expect(ff.overlap).To(BeFalse())

	cancel()
	g.Eventually(errCh, testTimeout).Should(Receive(BeNil()))
	g.Expect(s.Live()).To(BeEmpty())
}

func TestRunner_ReloadStopsRemovedClusters(t *testing.T) {
	g := NewWithT(t)
	ff := &fakeFactory{}
	s := New(logr.Discard())
	s.Register("pods", ff.factory("pods"))

	list := &clusterList{}
	list.set([]*cluster.Cluster{cluster.New("c1", nil), cluster.New("c2", nil)}, nil)
	reload := make(chan os.Signal, 1)
	r := NewRunner(s, list.load, reload, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Start(ctx) }()
	g.Eventually(s.Live, testTimeout).Should(Equal(keysFor("c1", "c2")))

	list.set(nil, errors.New("clusters file is not valid yaml"))
	reload <- syscall.SIGHUP
	g.Consistently(s.Live, 50*time.Millisecond).Should(Equal(keysFor("c1", "c2")))

	list.set([]*cluster.Cluster{cluster.New("c2", nil), cluster.New("c3", nil)}, nil)
	reload <- syscall.SIGHUP
	g.Eventually(s.Live, testTimeout).Should(Equal(keysFor("c2", "c3")))
	_, ok := s.Get("pods", "c1")
	g.Expect(ok).To(BeFalse())

	cancel()
	g.Eventually(errCh, testTimeout).Should(Receive(BeNil()))
}

func TestRunner_LoadErrorFailsStart(t *testing.T) {
	g := NewWithT(t)
	list := &clusterList{}
	list.set(nil, errors.New("no such file"))
	r := NewRunner(New(logr.Discard()), list.load, nil, logr.Discard())

	g.Expect(r.Start(context.Background())).To(MatchError("no such file"))
}
