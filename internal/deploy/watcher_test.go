package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/apptrail-sh/rollout-watcher/internal/model"
	"github.com/apptrail-sh/rollout-watcher/internal/topic"
)

const testTimeout = 2 * time.Second

func TestRelease_Validate(t *testing.T) {
	tests := []struct {
		name    string
		release Release
		wantErr bool
	}{
		{name: "valid", release: twoGroupRelease("r1")},
		{name: "missing id", release: Release{ProjectID: "p", Docs: []ReleaseDoc{{DeployGroup: "g"}}}, wantErr: true},
		{name: "missing project", release: Release{ID: "r", Docs: []ReleaseDoc{{DeployGroup: "g"}}}, wantErr: true},
		{name: "no docs", release: Release{ID: "r", ProjectID: "p"}, wantErr: true},
		{name: "doc without rc", release: Release{ID: "r", ProjectID: "p", Docs: []ReleaseDoc{{Role: "app"}}}, wantErr: true},
		{name: "negative target", release: Release{ID: "r", ProjectID: "p", Docs: []ReleaseDoc{{DeployGroup: "g", ReplicaTarget: -1}}}, wantErr: true},
		{name: "explicit rc", release: Release{ID: "r", ProjectID: "p", Docs: []ReleaseDoc{{ReplicationController: "web"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.release.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReleaseDoc_Key(t *testing.T) {
	g := NewWithT(t)

	g.Expect(ReleaseDoc{DeployGroup: "pod1", ClusterID: "c1"}.Key()).To(Equal(topic.ReplicationController("c1", "rc-pod1")))
	g.Expect(ReleaseDoc{DeployGroup: "pod1", ClusterID: "c1", ReplicationController: "web"}.Key().String()).To(Equal("c1/web"))
}

func TestStart_RequiresCollaborators(t *testing.T) {
	g := NewWithT(t)

	_, err := Start(context.Background(), twoGroupRelease("r1"), Options{Store: &fakeStore{}})
	g.Expect(err).To(MatchError(ContainSubstring("broker")))

	_, err = Start(context.Background(), twoGroupRelease("r1"), Options{Broker: topic.NewBroker()})
	g.Expect(err).To(MatchError(ContainSubstring("store")))

	_, err = Start(context.Background(), Release{}, Options{Broker: topic.NewBroker(), Store: &fakeStore{}})
	g.Expect(err).To(HaveOccurred())
}

func TestStart_SubscribesBeforeReturning(t *testing.T) {
	g := NewWithT(t)
	broker := topic.NewBroker()

	w, err := Start(context.Background(), twoGroupRelease("r1"), Options{Broker: broker, Store: &fakeStore{}, Logger: logr.Discard()})
	g.Expect(err).NotTo(HaveOccurred())
	defer stopAndWait(t, w)

	g.Expect(w.Status()).To(Equal(StatusCreated))
	g.Expect(broker.Subscribers(topic.ReplicationController("c1", "rc-pod1"))).To(Equal(1))
	g.Expect(broker.Subscribers(topic.ReplicationController("c1", "rc-pod2"))).To(Equal(1))
	g.Expect(broker.Subscribers(topic.ReplicationController("c2", "rc-pod1"))).To(Equal(0))
}

func TestWatcher_ReadyPodSet(t *testing.T) {
	g := NewWithT(t)
	broker := topic.NewBroker()
	events := make(chan model.DeployEvent, 100)
	store := &fakeStore{}
	release := Release{
		ID:        "r-pods",
		ProjectID: "proj-1",
		Docs:      []ReleaseDoc{{Role: "app", DeployGroup: "web", ClusterID: "c1", ReplicaTarget: 2}},
	}

	w, err := Start(context.Background(), release, Options{Broker: broker, Store: store, Events: events})
	g.Expect(err).NotTo(HaveOccurred())

	liveReplicas := func() int32 {
		var e model.DeployEvent
		g.Eventually(events, testTimeout).Should(Receive(&e))
		g.Expect(e.Kind).To(Equal(model.DeployEventKindProgress))
		return e.Progress.LiveReplicas
	}

	publish(broker, "c1", "rc-web", podNotice(watch.Added, "web-a", "rc-web", true))
	g.Expect(liveReplicas()).To(BeEquivalentTo(1))

	publish(broker, "c1", "rc-web", podNotice(watch.Modified, "web-a", "rc-web", true))
	g.Expect(liveReplicas()).To(BeEquivalentTo(1))

	publish(broker, "c1", "rc-web", podNotice(watch.Deleted, "web-a", "rc-web", true))
	g.Expect(liveReplicas()).To(BeEquivalentTo(0))

	publish(broker, "c1", "rc-web", podNotice(watch.Added, "web-b", "rc-web", false))
	g.Expect(liveReplicas()).To(BeEquivalentTo(0))
	g.Expect(w.Status()).To(Equal(StatusSpinningUp))

	publish(broker, "c1", "rc-web", podNotice(watch.Modified, "web-b", "rc-web", true))
	g.Expect(liveReplicas()).To(BeEquivalentTo(1))
	publish(broker, "c1", "rc-web", podNotice(watch.Added, "web-c", "rc-web", true))
	g.Expect(liveReplicas()).To(BeEquivalentTo(2))

	g.Eventually(w.Done(), testTimeout).Should(BeClosed())
	g.Expect(store.marked()).To(Equal([]string{"r-pods"}))
}

func TestWatcher_UnreadyReplicasDoNotFinish(t *testing.T) {
	g := NewWithT(t)
	broker := topic.NewBroker()
	events := make(chan model.DeployEvent, 100)
	store := &fakeStore{}
	release := Release{
		ID:        "r-unready",
		ProjectID: "proj-1",
		Docs:      []ReleaseDoc{{Role: "app", DeployGroup: "pod1", ClusterID: "c1", ReplicaTarget: 2}},
	}

	w, err := Start(context.Background(), release, Options{Broker: broker, Store: store, Events: events})
	g.Expect(err).NotTo(HaveOccurred())
	defer stopAndWait(t, w)

	publish(broker, "c1", "rc-pod1", podNotice(watch.Added, "pod1-a", "rc-pod1", false))
	publish(broker, "c1", "rc-pod1", podNotice(watch.Added, "pod1-b", "rc-pod1", false))
	publish(broker, "c1", "rc-pod1", rcNoticeWithReady("rc-pod1", 2, 0))

	g.Eventually(func() int { return len(events) }, testTimeout).Should(Equal(3))
	for _, e := range drain(events) {
		g.Expect(e.Kind).To(Equal(model.DeployEventKindProgress))
		g.Expect(e.Progress.LiveReplicas).To(BeEquivalentTo(0))
	}
	g.Consistently(w.Done(), 50*time.Millisecond).ShouldNot(BeClosed())
	g.Expect(store.marked()).To(BeEmpty())
	g.Expect(w.Status()).To(Equal(StatusSpinningUp))

	publish(broker, "c1", "rc-pod1", rcNoticeWithReady("rc-pod1", 2, 2))
	g.Eventually(w.Done(), testTimeout).Should(BeClosed())
	g.Expect(store.marked()).To(Equal([]string{"r-unready"}))
}

func TestWatcher_StampsSource(t *testing.T) {
	g := NewWithT(t)
	events := make(chan model.DeployEvent, 100)
	source := model.SourceMetadata{ClusterID: "c1", AgentVersion: "v1.2.3"}

	w, err := Start(context.Background(), twoGroupRelease("r-source"), Options{
		Broker: topic.NewBroker(),
		Store:  &fakeStore{},
		Events: events,
		Source: source,
	})
	g.Expect(err).NotTo(HaveOccurred())
	stopAndWait(t, w)

	var e model.DeployEvent
	g.Expect(events).To(Receive(&e))
	g.Expect(e.Kind).To(Equal(model.DeployEventKindFinished))
	g.Expect(e.Source).To(Equal(source))
}

func TestWatcher_FinishesExactlyOnce(t *testing.T) {
	g := NewWithT(t)
	broker := topic.NewBroker()
	events := make(chan model.DeployEvent, 100)
	store := &fakeStore{}

	w, err := Start(context.Background(), twoGroupRelease("r-once"), Options{Broker: broker, Store: store, Events: events})
	g.Expect(err).NotTo(HaveOccurred())

	publish(broker, "c1", "rc-pod1", rcNotice("rc-pod1", 3))
	publish(broker, "c1", "rc-pod2", rcNotice("rc-pod2", 1))
	g.Eventually(w.Done(), testTimeout).Should(BeClosed())

	g.Expect(publish(broker, "c1", "rc-pod2", rcNotice("rc-pod2", 2))).To(Equal(0))
	w.Stop()
	w.Stop()

	finished := 0
	for _, e := range drain(events) {
		if e.Kind == model.DeployEventKindFinished {
			finished++
			g.Expect(e.Msg).To(Equal("Deploy has finished!"))
			g.Expect(e.Project).To(Equal("proj-1"))
			g.Expect(e.Release).To(Equal("r-once"))
		}
	}
	g.Expect(finished).To(Equal(1))
	g.Expect(store.marked()).To(HaveLen(1))
	g.Expect(w.Status()).To(Equal(StatusLive))
	g.Expect(broker.Subscribers(topic.ReplicationController("c1", "rc-pod1"))).To(Equal(0))
}

func TestWatcher_StopRunsFinalizer(t *testing.T) {
	g := NewWithT(t)
	broker := topic.NewBroker()
	events := make(chan model.DeployEvent, 100)
	store := &fakeStore{err: errors.New("database unavailable")}

	w, err := Start(context.Background(), twoGroupRelease("r-stop"), Options{Broker: broker, Store: store, Events: events})
	g.Expect(err).NotTo(HaveOccurred())

	w.Stop()
	g.Eventually(w.Done(), testTimeout).Should(BeClosed())

	g.Expect(store.marked()).To(Equal([]string{"r-stop"}))
	g.Expect(w.Status()).To(Equal(StatusLive))

	var e model.DeployEvent
	g.Expect(events).To(Receive(&e))
	g.Expect(e.Kind).To(Equal(model.DeployEventKindFinished))
	g.Expect(events).NotTo(Receive())
}

func TestWatcher_ContextCancelRunsFinalizer(t *testing.T) {
	g := NewWithT(t)
	store := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())

	w, err := Start(ctx, twoGroupRelease("r-cancel"), Options{Broker: topic.NewBroker(), Store: store})
	g.Expect(err).NotTo(HaveOccurred())

	cancel()
	g.Eventually(w.Done(), testTimeout).Should(BeClosed())
	g.Expect(store.marked()).To(Equal([]string{"r-cancel"}))
}

func TestWatcher_SharedReplicationController(t *testing.T) {
	g := NewWithT(t)
	broker := topic.NewBroker()
	events := make(chan model.DeployEvent, 100)
	release := Release{
		ID:        "r-shared",
		ProjectID: "proj-1",
		Docs: []ReleaseDoc{
			{Role: "web", DeployGroup: "a", ClusterID: "c1", ReplicationController: "rc-shared", ReplicaTarget: 1},
			{Role: "worker", DeployGroup: "b", ClusterID: "c1", ReplicationController: "rc-shared", ReplicaTarget: 2},
		},
	}

	w, err := Start(context.Background(), release, Options{Broker: broker, Store: &fakeStore{}, Events: events})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(broker.Subscribers(topic.ReplicationController("c1", "rc-shared"))).To(Equal(1))

	publish(broker, "c1", "rc-shared", rcNotice("rc-shared", 1))
	g.Eventually(func() int { return len(events) }, testTimeout).Should(Equal(2))
	g.Consistently(w.Done(), 50*time.Millisecond).ShouldNot(BeClosed())

	publish(broker, "c1", "rc-shared", rcNotice("rc-shared", 2))
	g.Eventually(w.Done(), testTimeout).Should(BeClosed())
}

func TestWatcher_IgnoresForeignPayloads(t *testing.T) {
	g := NewWithT(t)
	broker := topic.NewBroker()
	events := make(chan model.DeployEvent, 100)

	w, err := Start(context.Background(), twoGroupRelease("r-foreign"), Options{Broker: broker, Store: &fakeStore{}, Events: events})
	g.Expect(err).NotTo(HaveOccurred())
	defer stopAndWait(t, w)

	key := topic.ReplicationController("c1", "rc-pod1")
	broker.Publish(context.Background(), key, "not a notice")
	broker.Publish(context.Background(), key, watch.Event{Type: watch.Added, Object: nil})

	g.Consistently(events, 100*time.Millisecond).ShouldNot(Receive())
	g.Expect(w.Status()).To(Equal(StatusCreated))
}
