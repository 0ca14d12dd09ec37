package deploy

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/apptrail-sh/rollout-watcher/internal/metrics"
	"github.com/apptrail-sh/rollout-watcher/internal/model"
	"github.com/apptrail-sh/rollout-watcher/internal/topic"
)

var _ = Describe("Release rollout", func() {
	var (
		broker  *topic.Broker
		store   *fakeStore
		events  chan model.DeployEvent
		release Release
		w       *Watcher
	)

	nextEvent := func() model.DeployEvent {
		var e model.DeployEvent
		EventuallyWithOffset(1, events, 2*time.Second).Should(Receive(&e))
		return e
	}

	BeforeEach(func() {
		broker = topic.NewBroker()
		store = &fakeStore{}
		events = make(chan model.DeployEvent, 100)
		release = twoGroupRelease("R")

		var err error
		w, err = Start(context.Background(), release, Options{
			Broker: broker,
			Store:  store,
			Events: events,
			Logger: logr.Discard(),
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		w.Stop()
		Eventually(w.Done(), 2*time.Second).Should(BeClosed())
	})

	It("starts in created", func() {
		Expect(w.Status()).To(Equal(StatusCreated))
		Consistently(events, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("marks the release live once every deploy group reaches its target", func() {
		finishedBefore := testutil.ToFloat64(metrics.DeploysFinished)

		By("scaling rc-pod1 to one replica")
		publish(broker, "c1", "rc-pod1", rcNotice("rc-pod1", 1))
		progress := nextEvent()
		Expect(progress.Channel).To(Equal(model.ChannelK8s))
		Expect(progress.Project).To(Equal("proj-1"))
		Expect(progress.Release).To(Equal("R"))
		Expect(*progress.Progress).To(Equal(model.Progress{
			Role:           "app",
			DeployGroup:    "pod1",
			ClusterID:      "c1",
			TargetReplicas: 2,
			LiveReplicas:   1,
		}))
		Expect(w.Status()).To(Equal(StatusSpinningUp))

		By("scaling rc-pod1 to its target")
		publish(broker, "c1", "rc-pod1", rcNotice("rc-pod1", 2))
		Expect(nextEvent().Progress.LiveReplicas).To(BeEquivalentTo(2))
		Consistently(w.Done(), 50*time.Millisecond).ShouldNot(BeClosed())
		Expect(store.marked()).To(BeEmpty())

		By("scaling rc-pod2 to its target")
		publish(broker, "c1", "rc-pod2", rcNotice("rc-pod2", 1))
		progress = nextEvent()
		Expect(progress.Progress.DeployGroup).To(Equal("pod2"))
		Expect(progress.Progress.LiveReplicas).To(BeEquivalentTo(1))

		finished := nextEvent()
		Expect(finished.Kind).To(Equal(model.DeployEventKindFinished))
		Expect(finished.Project).To(Equal("proj-1"))
		Expect(finished.Release).To(Equal("R"))
		Expect(finished.Msg).To(Equal("Deploy has finished!"))

		Eventually(w.Done(), 2*time.Second).Should(BeClosed())
		Expect(store.marked()).To(Equal([]string{"R"}))
		Expect(w.Status()).To(Equal(StatusLive))
		Expect(testutil.ToFloat64(metrics.DeploysFinished)).To(Equal(finishedBefore + 1))
		Consistently(events, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("ignores updates for the same RC name in another cluster", func() {
		publish(broker, "c2", "rc-pod1", rcNotice("rc-pod1", 2))
		publish(broker, "c2", "rc-pod2", rcNotice("rc-pod2", 1))

		Consistently(events, 100*time.Millisecond).ShouldNot(Receive())
		Expect(w.Status()).To(Equal(StatusCreated))
	})

	It("does not finish when only some groups reach their target", func() {
		publish(broker, "c1", "rc-pod2", rcNotice("rc-pod2", 5))
		Expect(nextEvent().Progress.DeployGroup).To(Equal("pod2"))

		publish(broker, "c1", "rc-pod1", rcNotice("rc-pod1", 1))
		Expect(nextEvent().Progress.LiveReplicas).To(BeEquivalentTo(1))

		Consistently(w.Done(), 100*time.Millisecond).ShouldNot(BeClosed())
		Expect(store.marked()).To(BeEmpty())
	})
})
