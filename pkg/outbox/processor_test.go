package outbox_test

import (
	"context"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crablet/crablet-go/pkg/dcb"
	"github.com/crablet/crablet-go/pkg/outbox"
)

func appendWalletEvents(n int, walletID string) []dcb.Event {
	events := make([]dcb.InputEvent, n)
	for i := range events {
		events[i] = dcb.NewInputEvent("WalletCredited",
			dcb.NewTags("wallet_id", walletID, "category", "wallet"),
			dcb.ToJSON(map[string]any{"amount": i + 1}))
	}
	stored, err := store.Append(ctx, events)
	Expect(err).NotTo(HaveOccurred())
	return stored
}

func newProcessor(cfg outbox.Config, pubs ...outbox.Publisher) *outbox.Processor {
	proc, err := outbox.NewProcessor(pool, cfg, pubs)
	Expect(err).NotTo(HaveOccurred())
	return proc
}

var _ = Describe("Processor", func() {
	BeforeEach(func() {
		err := truncateOutboxTables(ctx, pool)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("topic routing", func() {
		It("delivers each topic only its matching events, in position order", func() {
			walletPub := newCapturingPublisher("wallet-sink", outbox.ModeBatch)
			coursePub := newCapturingPublisher("course-sink", outbox.ModeBatch)

			proc := newProcessor(outbox.Config{
				InstanceID: "outbox_test_1",
				Topics: map[string]outbox.TopicConfig{
					"wallet-events": {
						RequiredTags: []string{"wallet_id"},
						ExactTags:    map[string]string{"category": "wallet"},
						Publishers:   []string{"wallet-sink"},
					},
					"course-events": {
						RequiredTags: []string{"course_id"},
						Publishers:   []string{"course-sink"},
					},
				},
			}, walletPub, coursePub)
			defer proc.Close(ctx)

			walletStored := appendWalletEvents(3, "w1")
			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("StudentEnrolled", dcb.NewTags("course_id", "math-101"), nil),
			))
			Expect(err).NotTo(HaveOccurred())

			proc.RunCycle(ctx)

			walletGot := walletPub.published()
			Expect(walletGot).To(HaveLen(3))
			for i, event := range walletGot {
				Expect(event.Position).To(Equal(walletStored[i].Position))
				Expect(event.Type).To(Equal("WalletCredited"))
			}

			courseGot := coursePub.published()
			Expect(courseGot).To(HaveLen(1))
			Expect(courseGot[0].Type).To(Equal("StudentEnrolled"))

			prog, err := proc.Progress().Get(ctx, "wallet-events", "wallet-sink")
			Expect(err).NotTo(HaveOccurred())
			Expect(prog.LastPosition).To(Equal(walletStored[2].Position))
			Expect(prog.Status).To(Equal(outbox.StatusActive))
			Expect(prog.LastPublishedAt).NotTo(BeNil())
		})

		It("does not redeliver already published events", func() {
			pub := newCapturingPublisher("sink", outbox.ModeBatch)
			proc := newProcessor(outbox.Config{
				InstanceID: "outbox_test_1",
				Topics: map[string]outbox.TopicConfig{
					"wallet-events": {RequiredTags: []string{"wallet_id"}, Publishers: []string{"sink"}},
				},
			}, pub)
			defer proc.Close(ctx)

			appendWalletEvents(2, "w1")
			proc.RunCycle(ctx)
			Expect(pub.published()).To(HaveLen(2))

			proc.RunCycle(ctx)
			Expect(pub.published()).To(HaveLen(2))

			appendWalletEvents(1, "w1")
			proc.RunCycle(ctx)
			Expect(pub.published()).To(HaveLen(3))
		})

		It("respects the batch size across cycles", func() {
			pub := newCapturingPublisher("sink", outbox.ModeBatch)
			proc := newProcessor(outbox.Config{
				InstanceID: "outbox_test_1",
				BatchSize:  2,
				Topics: map[string]outbox.TopicConfig{
					"wallet-events": {RequiredTags: []string{"wallet_id"}, Publishers: []string{"sink"}},
				},
			}, pub)
			defer proc.Close(ctx)

			appendWalletEvents(5, "w1")

			proc.RunCycle(ctx)
			Expect(pub.published()).To(HaveLen(2))
			proc.RunCycle(ctx)
			Expect(pub.published()).To(HaveLen(4))
			proc.RunCycle(ctx)
			Expect(pub.published()).To(HaveLen(5))
		})
	})

	Describe("failure handling", func() {
		It("auto-pauses a pair after exhausting retries and resumes on reset", func() {
			pub := newCapturingPublisher("sink", outbox.ModeBatch)
			proc := newProcessor(outbox.Config{
				InstanceID: "outbox_test_1",
				MaxRetries: 3,
				Topics: map[string]outbox.TopicConfig{
					"wallet-events": {RequiredTags: []string{"wallet_id"}, Publishers: []string{"sink"}},
				},
			}, pub)
			defer proc.Close(ctx)

			stored := appendWalletEvents(2, "w1")
			pub.failNext(3)

			for i := 0; i < 3; i++ {
				proc.RunCycle(ctx)
			}

			prog, err := proc.Progress().Get(ctx, "wallet-events", "sink")
			Expect(err).NotTo(HaveOccurred())
			Expect(prog.Status).To(Equal(outbox.StatusFailed))
			Expect(prog.ErrorCount).To(Equal(3))
			Expect(prog.LastError).NotTo(BeNil())
			Expect(prog.LastPosition).To(BeZero(), "failure must not advance the position")

			// A failed pair is skipped entirely.
			callsBefore := pub.totalCalls
			proc.RunCycle(ctx)
			Expect(pub.totalCalls).To(Equal(callsBefore))

			// Manual reset reactivates the pair from where it stopped.
			Expect(proc.Progress().Reset(ctx, "wallet-events", "sink")).To(Succeed())
			proc.RunCycle(ctx)

			got := pub.published()
			Expect(got).To(HaveLen(2))
			Expect(got[0].Position).To(Equal(stored[0].Position))

			prog, err = proc.Progress().Get(ctx, "wallet-events", "sink")
			Expect(err).NotTo(HaveOccurred())
			Expect(prog.Status).To(Equal(outbox.StatusActive))
			Expect(prog.ErrorCount).To(BeZero())
		})

		It("skips paused pairs until resumed", func() {
			pub := newCapturingPublisher("sink", outbox.ModeBatch)
			proc := newProcessor(outbox.Config{
				InstanceID: "outbox_test_1",
				Topics: map[string]outbox.TopicConfig{
					"wallet-events": {RequiredTags: []string{"wallet_id"}, Publishers: []string{"sink"}},
				},
			}, pub)
			defer proc.Close(ctx)

			appendWalletEvents(1, "w1")

			Expect(proc.Progress().Ensure(ctx, "wallet-events", "sink")).To(Succeed())
			Expect(proc.Progress().Pause(ctx, "wallet-events", "sink")).To(Succeed())

			proc.RunCycle(ctx)
			Expect(pub.published()).To(BeEmpty())

			Expect(proc.Progress().Resume(ctx, "wallet-events", "sink")).To(Succeed())
			proc.RunCycle(ctx)
			Expect(pub.published()).To(HaveLen(1))
		})

		It("stops an INDIVIDUAL publisher at the first failure and retries from there", func() {
			pub := newCapturingPublisher("sink", outbox.ModeIndividual)
			proc := newProcessor(outbox.Config{
				InstanceID: "outbox_test_1",
				MaxRetries: 10,
				Topics: map[string]outbox.TopicConfig{
					"wallet-events": {RequiredTags: []string{"wallet_id"}, Publishers: []string{"sink"}},
				},
			}, pub)
			defer proc.Close(ctx)

			stored := appendWalletEvents(3, "w1")

			// First call succeeds, second fails: only event 1 is delivered.
			deliverThenFail(pub)

			proc.RunCycle(ctx)

			got := pub.published()
			Expect(got).To(HaveLen(1))
			Expect(got[0].Position).To(Equal(stored[0].Position))

			prog, err := proc.Progress().Get(ctx, "wallet-events", "sink")
			Expect(err).NotTo(HaveOccurred())
			Expect(prog.LastPosition).To(Equal(stored[0].Position))
			Expect(prog.ErrorCount).To(Equal(1))

			// Next cycle retries from the failed event onward.
			proc.RunCycle(ctx)
			got = pub.published()
			Expect(got).To(HaveLen(3))
			Expect(got[1].Position).To(Equal(stored[1].Position))
			Expect(got[2].Position).To(Equal(stored[2].Position))
		})
	})

	Describe("leader election", func() {
		It("grants a pair's lock to exactly one elector at a time", func() {
			e1 := outbox.NewLeaderElector(pool, outbox.LockStrategyPerTopicPublisher, "instance-1")
			e2 := outbox.NewLeaderElector(pool, outbox.LockStrategyPerTopicPublisher, "instance-2")
			defer e1.Close(ctx)
			defer e2.Close(ctx)

			owned, err := e1.AcquirePair(ctx, "wallet-events", "sink")
			Expect(err).NotTo(HaveOccurred())
			Expect(owned).To(BeTrue())

			owned, err = e2.AcquirePair(ctx, "wallet-events", "sink")
			Expect(err).NotTo(HaveOccurred())
			Expect(owned).To(BeFalse())

			// Different pairs use different keys under PER_TOPIC_PUBLISHER.
			owned, err = e2.AcquirePair(ctx, "course-events", "sink")
			Expect(err).NotTo(HaveOccurred())
			Expect(owned).To(BeTrue())

			// Releasing hands the pair over.
			Expect(e1.ReleasePair(ctx, "wallet-events", "sink")).To(Succeed())
			owned, err = e2.AcquirePair(ctx, "wallet-events", "sink")
			Expect(err).NotTo(HaveOccurred())
			Expect(owned).To(BeTrue())
		})

		It("hands processing over when the leading processor closes", func() {
			pub1 := newCapturingPublisher("sink", outbox.ModeBatch)
			pub2 := newCapturingPublisher("sink", outbox.ModeBatch)
			topics := map[string]outbox.TopicConfig{
				"wallet-events": {RequiredTags: []string{"wallet_id"}, Publishers: []string{"sink"}},
			}

			p1 := newProcessor(outbox.Config{InstanceID: "outbox_test_1", Topics: topics}, pub1)
			p2 := newProcessor(outbox.Config{InstanceID: "outbox_test_2", Topics: topics}, pub2)
			defer p1.Close(ctx)
			defer p2.Close(ctx)

			appendWalletEvents(2, "w1")

			p1.RunCycle(ctx)
			p2.RunCycle(ctx)
			Expect(pub1.published()).To(HaveLen(2))
			Expect(pub2.published()).To(BeEmpty())

			prog, err := p1.Progress().Get(ctx, "wallet-events", "sink")
			Expect(err).NotTo(HaveOccurred())
			Expect(prog.LeaderInstance).NotTo(BeNil())
			Expect(*prog.LeaderInstance).To(Equal("outbox_test_1"))

			// The old leader dies; the standby takes over at its next cycle
			// and continues from the recorded position.
			Expect(p1.Close(ctx)).To(Succeed())
			appendWalletEvents(1, "w1")

			p2.RunCycle(ctx)
			Expect(pub2.published()).To(HaveLen(1))

			prog, err = p2.Progress().Get(ctx, "wallet-events", "sink")
			Expect(err).NotTo(HaveOccurred())
			Expect(*prog.LeaderInstance).To(Equal("outbox_test_2"))
		})
	})

	Describe("circuit breaker", func() {
		It("opens after repeated failures and fails fast without calling the publisher", func() {
			pub := newCapturingPublisher("sink", outbox.ModeBatch)
			proc := newProcessor(outbox.Config{
				InstanceID: "outbox_test_1",
				MaxRetries: 100,
				Topics: map[string]outbox.TopicConfig{
					"wallet-events": {RequiredTags: []string{"wallet_id"}, Publishers: []string{"sink"}},
				},
			}, pub)
			defer proc.Close(ctx)

			appendWalletEvents(1, "w1")
			pub.failNext(100)

			// gobreaker trips after more than five consecutive failures.
			for i := 0; i < 8; i++ {
				proc.RunCycle(ctx)
			}

			callsAfterTrip := pub.totalCalls
			Expect(callsAfterTrip).To(BeNumerically("<=", 6))

			proc.RunCycle(ctx)
			Expect(pub.totalCalls).To(Equal(callsAfterTrip), "open breaker must not call the publisher")

			prog, err := proc.Progress().Get(ctx, "wallet-events", "sink")
			Expect(err).NotTo(HaveOccurred())
			Expect(prog.ErrorCount).To(BeNumerically(">=", 7), "fast failures still count against the pair")
		})
	})

	Describe("Start", func() {
		It("polls on the clock, publishes, and reports metrics", func() {
			pub := newCapturingPublisher("sink", outbox.ModeBatch)
			fc := clockwork.NewFakeClock()
			reg := prometheus.NewRegistry()

			cfg := outbox.Config{
				Enabled:        true,
				InstanceID:     "outbox_test_start",
				PollIntervalMs: 50,
				Topics: map[string]outbox.TopicConfig{
					"wallet-events": {
						RequiredTags: []string{"wallet_id"},
						Publishers:   []string{"sink"},
					},
				},
			}
			proc, err := outbox.NewProcessor(pool, cfg, []outbox.Publisher{pub},
				outbox.WithClock(fc),
				outbox.WithMetrics(outbox.NewPrometheusMetrics(reg)),
			)
			Expect(err).NotTo(HaveOccurred())

			runCtx, cancel := context.WithCancel(ctx)
			go proc.Start(runCtx)
			// The loop runs one cycle on startup, then parks on the ticker.
			fc.BlockUntil(1)

			stored := appendWalletEvents(2, "w1")
			fc.Advance(cfg.PollInterval())

			Eventually(pub.published).Should(HaveLen(2))
			Expect(pub.published()[0].Position).To(Equal(stored[0].Position))

			cancel()
			proc.Wait()

			Expect(counterValue(reg, "outbox_events_published_total")).To(Equal(float64(2)))
			Expect(counterValue(reg, "outbox_publish_failures_total")).To(BeZero())
		})

		It("does nothing when disabled", func() {
			pub := newCapturingPublisher("sink", outbox.ModeBatch)
			fc := clockwork.NewFakeClock()

			cfg := outbox.Config{
				InstanceID: "outbox_test_disabled",
				Topics: map[string]outbox.TopicConfig{
					"wallet-events": {
						RequiredTags: []string{"wallet_id"},
						Publishers:   []string{"sink"},
					},
				},
			}
			proc, err := outbox.NewProcessor(pool, cfg, []outbox.Publisher{pub}, outbox.WithClock(fc))
			Expect(err).NotTo(HaveOccurred())

			appendWalletEvents(1, "w1")
			go proc.Start(ctx)
			proc.Wait()
			Expect(pub.published()).To(BeEmpty())
		})
	})
})

// counterValue sums a counter family across all label combinations.
func counterValue(reg *prometheus.Registry, name string) float64 {
	families, err := reg.Gather()
	Expect(err).NotTo(HaveOccurred())

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

// deliverThenFail arranges for the publisher's next call to succeed and the
// one after it to fail.
func deliverThenFail(p *capturingPublisher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAfterSuccesses = 1
	p.failCalls = 1
}
