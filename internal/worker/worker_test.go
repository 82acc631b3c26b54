package worker_test

import (
	"context"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"convoline.app/worker/internal/chat"
	"convoline.app/worker/internal/classify"
	"convoline.app/worker/internal/event"
	"convoline.app/worker/internal/generation"
	"convoline.app/worker/internal/queue"
	"convoline.app/worker/internal/worker"
)

func requestBody(userID, sessionID, text string) []byte {
	return []byte(fmt.Sprintf(
		`{"action":"run","userId":%q,"data":{"provider":"openai","modelName":"m","text":%q,"sessionId":%q}}`,
		userID, text, sessionID))
}

func message(id string, attempt int, body []byte) queue.Message {
	return queue.Message{ID: id, Body: body, Attempt: attempt}
}

var _ = Describe("Worker", func() {
	var (
		w        *worker.Worker
		q        *mockQueue
		h        *mockHandler
		sink     *event.Sink
		notifier *classify.Notifier
		cfg      worker.Config
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		q = &mockQueue{}
		h = &mockHandler{}
		sink = event.NewSink()
		notifier = classify.NewNotifier(sink)
		cfg = worker.Config{MaxAttempts: 3}
	})

	JustBeforeEach(func() {
		w = worker.New(q, h, notifier, cfg)
	})

	Describe("ProcessBatch", func() {
		It("should return one outcome per message in input order", func() {
			h.handleFn = func(_ context.Context, env chat.Envelope) error {
				if env.Data.Text == "bad" {
					return errors.New("handler failure")
				}
				return nil
			}

			msgs := []queue.Message{
				message("1-0", 1, requestBody("u1", "s1", "good")),
				message("2-0", 1, requestBody("u2", "s2", "bad")),
				message("3-0", 1, requestBody("u3", "s3", "good")),
			}

			outcomes := w.ProcessBatch(ctx, msgs)
			Expect(outcomes).To(HaveLen(3))
			Expect(outcomes[0].Message.ID).To(Equal("1-0"))
			Expect(outcomes[0].Err).NotTo(HaveOccurred())
			Expect(outcomes[1].Message.ID).To(Equal("2-0"))
			Expect(outcomes[1].Err).To(HaveOccurred())
			Expect(outcomes[2].Message.ID).To(Equal("3-0"))
			Expect(outcomes[2].Err).NotTo(HaveOccurred())
		})

		It("should isolate a panicking message from its siblings", func() {
			h.handleFn = func(_ context.Context, env chat.Envelope) error {
				if env.UserID == "u2" {
					panic("nil map write")
				}
				return nil
			}

			msgs := []queue.Message{
				message("1-0", 1, requestBody("u1", "s1", "a")),
				message("2-0", 1, requestBody("u2", "s2", "b")),
				message("3-0", 1, requestBody("u3", "s3", "c")),
			}

			outcomes := w.ProcessBatch(ctx, msgs)
			Expect(outcomes).To(HaveLen(3))
			Expect(outcomes[0].Err).NotTo(HaveOccurred())
			Expect(outcomes[1].Err).To(HaveOccurred())
			Expect(outcomes[1].Err.Error()).To(ContainSubstring("panic"))
			Expect(outcomes[2].Err).NotTo(HaveOccurred())
		})

		It("should flag undecodable payloads without invoking the handler", func() {
			msgs := []queue.Message{
				message("1-0", 1, []byte("not json")),
			}

			outcomes := w.ProcessBatch(ctx, msgs)
			Expect(outcomes).To(HaveLen(1))

			var decodeErr *worker.DecodeError
			Expect(errors.As(outcomes[0].Err, &decodeErr)).To(BeTrue())
			Expect(h.handled).To(BeEmpty())
		})
	})

	Describe("Settle", func() {
		It("should ack successful messages", func() {
			outcomes := []worker.Outcome{
				{Message: message("1-0", 1, requestBody("u1", "s1", "x"))},
			}

			w.Settle(ctx, outcomes)

			Expect(q.acked).To(Equal([]string{"1-0"}))
			Expect(q.requeued).To(BeEmpty())
			Expect(q.dlq).To(BeEmpty())
			Expect(sink.Events()).To(BeEmpty())
		})

		It("should ack undecodable messages and notify with the generic message", func() {
			msg := message("1-0", 1, []byte("not json"))
			outcomes := []worker.Outcome{
				{Message: msg, Err: &worker.DecodeError{Err: errors.New("bad json")}},
			}

			w.Settle(ctx, outcomes)

			Expect(q.acked).To(Equal([]string{"1-0"}))
			Expect(q.requeued).To(BeEmpty())

			errs := sink.OfKind(event.KindError)
			Expect(errs).To(HaveLen(1))
			payload := errs[0].Data.(event.ErrorPayload)
			Expect(payload.Content).To(Equal("⚠️ *Something went wrong*"))
		})

		It("should requeue a failed message below the attempt cap", func() {
			msg := message("1-0", 2, requestBody("u1", "s1", "x"))
			outcomes := []worker.Outcome{
				{Message: msg, Err: errors.New("transient failure")},
			}

			w.Settle(ctx, outcomes)

			Expect(q.requeued).To(Equal([]string{"1-0"}))
			Expect(q.dlq).To(BeEmpty())
		})

		It("should dead-letter a failed message at the attempt cap", func() {
			msg := message("1-0", 3, requestBody("u1", "s1", "x"))
			outcomes := []worker.Outcome{
				{Message: msg, Err: errors.New("persistent failure")},
			}

			w.Settle(ctx, outcomes)

			Expect(q.dlq).To(Equal([]string{"1-0"}))
			Expect(q.requeued).To(BeEmpty())
		})

		It("should address the error event with identity recovered from the payload", func() {
			msg := message("1-0", 1, requestBody("u7", "sess-7", "x"))
			outcomes := []worker.Outcome{
				{Message: msg, Err: errors.New("boom")},
			}

			w.Settle(ctx, outcomes)

			errs := sink.OfKind(event.KindError)
			Expect(errs).To(HaveLen(1))
			Expect(errs[0].UserID).To(Equal("u7"))
			payload := errs[0].Data.(event.ErrorPayload)
			Expect(payload.SessionID).To(Equal("sess-7"))
		})

		It("should classify generation failures on their raw cause", func() {
			rawCause := errors.New(
				"AccessDeniedException: You don't have access to the model with the specified model ID")
			msg := message("1-0", 1, requestBody("u1", "s1", "x"))
			outcomes := []worker.Outcome{
				{Message: msg, Err: generation.NewError(rawCause)},
			}

			w.Settle(ctx, outcomes)

			errs := sink.OfKind(event.KindError)
			Expect(errs).To(HaveLen(1))
			payload := errs[0].Data.(event.ErrorPayload)
			Expect(payload.Content).To(Equal(
				"*This model is not enabled. Please try again later or contact an administrator*"))
			Expect(payload.Content).NotTo(ContainSubstring("AccessDeniedException"))
		})
	})

	Describe("a mixed batch end to end", func() {
		It("should produce n-k successes and k sanitized failures", func() {
			h.handleFn = func(_ context.Context, env chat.Envelope) error {
				if env.UserID == "u2" || env.UserID == "u4" {
					return errors.New("handler failure")
				}
				return nil
			}

			msgs := []queue.Message{
				message("1-0", 1, requestBody("u1", "s1", "a")),
				message("2-0", 1, requestBody("u2", "s2", "b")),
				message("3-0", 1, requestBody("u3", "s3", "c")),
				message("4-0", 3, requestBody("u4", "s4", "d")),
				message("5-0", 1, requestBody("u5", "s5", "e")),
			}

			outcomes := w.ProcessBatch(ctx, msgs)
			w.Settle(ctx, outcomes)

			Expect(q.acked).To(ConsistOf("1-0", "3-0", "5-0"))
			Expect(q.requeued).To(ConsistOf("2-0"))
			Expect(q.dlq).To(ConsistOf("4-0"))

			errs := sink.OfKind(event.KindError)
			Expect(errs).To(HaveLen(2))
			for _, ev := range errs {
				payload := ev.Data.(event.ErrorPayload)
				Expect(payload.Content).To(Equal("⚠️ *Something went wrong*"))
			}
		})
	})

	Describe("HandleReclaimed", func() {
		It("should process and settle a reclaimed message like a batch one", func() {
			msg := message("9-0", 1, requestBody("u1", "s1", "x"))

			err := w.HandleReclaimed(ctx, msg)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.handled).To(HaveLen(1))
			Expect(q.acked).To(Equal([]string{"9-0"}))
		})

		It("should requeue a reclaimed message that fails again", func() {
			h.handleFn = func(_ context.Context, _ chat.Envelope) error {
				return errors.New("still failing")
			}
			msg := message("9-0", 2, requestBody("u1", "s1", "x"))

			err := w.HandleReclaimed(ctx, msg)
			Expect(err).To(HaveOccurred())
			Expect(q.requeued).To(Equal([]string{"9-0"}))
		})
	})
})
