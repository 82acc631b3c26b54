package handler_test

import (
	"context"
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"convoline.app/worker/internal/chat"
	"convoline.app/worker/internal/event"
	"convoline.app/worker/internal/generation"
	"convoline.app/worker/internal/handler"
	"convoline.app/worker/internal/history"
	"convoline.app/worker/internal/sequence"
)

// mockBackend implements generation.Backend with a configurable source.
type mockBackend struct {
	generateFn func(ctx context.Context, req generation.Request) (generation.Source, error)
	requests   []generation.Request
}

func (m *mockBackend) Generate(ctx context.Context, req generation.Request) (generation.Source, error) {
	m.requests = append(m.requests, req)
	if m.generateFn != nil {
		return m.generateFn(ctx, req)
	}
	return generation.SingleSource(""), nil
}

func runEnvelope(text, sessionID string) chat.Envelope {
	return chat.Envelope{
		Action: chat.ActionRun,
		UserID: "user-1",
		Data: chat.RequestData{
			Provider:  generation.ProviderOpenAI,
			ModelName: "gpt-4o",
			Mode:      "chat",
			Text:      text,
			SessionID: sessionID,
		},
	}
}

var _ = Describe("Handler", func() {
	var (
		h         *handler.Handler
		backend   *mockBackend
		invoker   *generation.Invoker
		sequencer *sequence.Sequencer
		sink      *event.Sink
		store     *history.MemoryStore
		cfg       handler.Config
		ctx       context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		backend = &mockBackend{}
		invoker = generation.NewInvoker()
		invoker.Register(generation.ProviderOpenAI, backend)
		sequencer = sequence.New()
		sink = event.NewSink()
		store = history.NewMemoryStore()
		cfg = handler.Config{}
	})

	JustBeforeEach(func() {
		h = handler.New(invoker, sequencer, sink, store, cfg)
	})

	Describe("heartbeat", func() {
		It("should emit a heartbeat event and touch nothing else", func() {
			env := chat.Envelope{
				Action: chat.ActionHeartbeat,
				UserID: "user-1",
				Data:   chat.RequestData{SessionID: "sess-1"},
			}

			err := h.Handle(ctx, env)
			Expect(err).NotTo(HaveOccurred())

			events := sink.Events()
			Expect(events).To(HaveLen(1))
			Expect(events[0].Action).To(Equal(event.KindHeartbeat))
			Expect(events[0].UserID).To(Equal("user-1"))

			Expect(backend.requests).To(BeEmpty())
			Expect(store.TotalTurns()).To(BeZero())
		})

		It("should succeed even when dispatch fails", func() {
			sink.FailWith(errors.New("pubsub down"))

			err := h.Handle(ctx, chat.Envelope{Action: chat.ActionHeartbeat, UserID: "user-1"})
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("run with a streaming backend", func() {
		BeforeEach(func() {
			backend.generateFn = func(_ context.Context, _ generation.Request) (generation.Source, error) {
				return generation.SliceSource([]any{"Hel", "lo ", "world"}, nil), nil
			}
		})

		It("should emit one token per fragment with gap-free sequence numbers", func() {
			err := h.Handle(ctx, runEnvelope("hi", "sess-1"))
			Expect(err).NotTo(HaveOccurred())

			tokens := sink.OfKind(event.KindToken)
			Expect(tokens).To(HaveLen(3))

			var runID string
			for i, ev := range tokens {
				payload, ok := ev.Data.(event.TokenPayload)
				Expect(ok).To(BeTrue())
				Expect(payload.SessionID).To(Equal("sess-1"))
				Expect(payload.Token.SequenceNumber).To(Equal(int64(i + 1)))
				if runID == "" {
					runID = payload.Token.RunID
					Expect(runID).NotTo(BeEmpty())
				} else {
					Expect(payload.Token.RunID).To(Equal(runID))
				}
			}
		})

		It("should report a final response equal to the concatenated fragments", func() {
			err := h.Handle(ctx, runEnvelope("hi", "sess-1"))
			Expect(err).NotTo(HaveOccurred())

			finals := sink.OfKind(event.KindFinalResponse)
			Expect(finals).To(HaveLen(1))

			payload, ok := finals[0].Data.(event.FinalResponsePayload)
			Expect(ok).To(BeTrue())
			Expect(payload.Content).To(Equal("Hello world"))
			Expect(payload.SessionID).To(Equal("sess-1"))
		})

		It("should persist the turn pair before the final response", func() {
			err := h.Handle(ctx, runEnvelope("hi", "sess-1"))
			Expect(err).NotTo(HaveOccurred())

			turns := store.Turns("user-1", "sess-1")
			Expect(turns).To(HaveLen(2))
			Expect(turns[0].Role).To(Equal(chat.RoleHuman))
			Expect(turns[0].Content).To(Equal("hi"))
			Expect(turns[1].Role).To(Equal(chat.RoleAssistant))
			Expect(turns[1].Content).To(Equal("Hello world"))
		})

		It("should release the run's sequence counter when done", func() {
			err := h.Handle(ctx, runEnvelope("hi", "sess-1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(sequencer.Active()).To(BeZero())
		})

		It("should keep streaming when a single token dispatch fails", func() {
			// Sink that rejects only the second send.
			sent := 0
			flaky := &flakyDispatcher{sink: sink, failOn: func() bool {
				sent++
				return sent == 2
			}}
			h = handler.New(invoker, sequencer, flaky, store, cfg)

			err := h.Handle(ctx, runEnvelope("hi", "sess-1"))
			Expect(err).NotTo(HaveOccurred())

			finals := sink.OfKind(event.KindFinalResponse)
			Expect(finals).To(HaveLen(1))
			payload := finals[0].Data.(event.FinalResponsePayload)
			Expect(payload.Content).To(Equal("Hello world"))
		})
	})

	Describe("run with structured fragments", func() {
		BeforeEach(func() {
			backend.generateFn = func(_ context.Context, _ generation.Request) (generation.Source, error) {
				return generation.SliceSource([]any{
					[]any{map[string]any{"type": "text", "text": "foo"}},
					map[string]any{"type": "tool_use"},
					"",
					"bar",
				}, nil), nil
			}
		})

		It("should skip empty fragments entirely", func() {
			err := h.Handle(ctx, runEnvelope("hi", "sess-1"))
			Expect(err).NotTo(HaveOccurred())

			tokens := sink.OfKind(event.KindToken)
			Expect(tokens).To(HaveLen(2))

			first := tokens[0].Data.(event.TokenPayload)
			second := tokens[1].Data.(event.TokenPayload)
			Expect(first.Token.Value).To(Equal("foo"))
			Expect(first.Token.SequenceNumber).To(Equal(int64(1)))
			Expect(second.Token.Value).To(Equal("bar"))
			Expect(second.Token.SequenceNumber).To(Equal(int64(2)))

			final := sink.OfKind(event.KindFinalResponse)[0].Data.(event.FinalResponsePayload)
			Expect(final.Content).To(Equal("foobar"))
		})
	})

	Describe("run without a session id", func() {
		BeforeEach(func() {
			backend.generateFn = func(_ context.Context, _ generation.Request) (generation.Source, error) {
				return generation.SliceSource([]any{"ok"}, nil), nil
			}
		})

		It("should generate one and carry it on every event and the stored log", func() {
			err := h.Handle(ctx, runEnvelope("hi", ""))
			Expect(err).NotTo(HaveOccurred())

			events := sink.Events()
			Expect(events).NotTo(BeEmpty())

			token := sink.OfKind(event.KindToken)[0].Data.(event.TokenPayload)
			final := sink.OfKind(event.KindFinalResponse)[0].Data.(event.FinalResponsePayload)

			sessionID := token.SessionID
			Expect(sessionID).NotTo(BeEmpty())
			Expect(final.SessionID).To(Equal(sessionID))
			Expect(store.Turns("user-1", sessionID)).To(HaveLen(2))
		})
	})

	Describe("run with streaming disabled", func() {
		BeforeEach(func() {
			cfg = handler.Config{DisableStreaming: true}
			backend.generateFn = func(_ context.Context, _ generation.Request) (generation.Source, error) {
				return generation.SliceSource([]any{"Hel", "lo"}, nil), nil
			}
		})

		It("should emit no token events but a complete final response", func() {
			err := h.Handle(ctx, runEnvelope("hi", "sess-1"))
			Expect(err).NotTo(HaveOccurred())

			Expect(sink.OfKind(event.KindToken)).To(BeEmpty())

			finals := sink.OfKind(event.KindFinalResponse)
			Expect(finals).To(HaveLen(1))
			payload := finals[0].Data.(event.FinalResponsePayload)
			Expect(payload.Content).To(Equal("Hello"))
		})
	})

	Describe("failed generation", func() {
		BeforeEach(func() {
			backend.generateFn = func(_ context.Context, _ generation.Request) (generation.Source, error) {
				return generation.SliceSource([]any{"par", "tial"},
					errors.New("ThrottlingException: too many requests")), nil
			}
		})

		It("should fail the run without persisting or reporting final", func() {
			err := h.Handle(ctx, runEnvelope("hi", "sess-1"))
			Expect(err).To(HaveOccurred())

			var genErr *generation.Error
			Expect(errors.As(err, &genErr)).To(BeTrue())
			Expect(genErr.RawCause()).To(ContainSubstring("ThrottlingException"))

			Expect(store.TotalTurns()).To(BeZero())
			Expect(sink.OfKind(event.KindFinalResponse)).To(BeEmpty())
		})

		It("should release the sequence counter on failure too", func() {
			_ = h.Handle(ctx, runEnvelope("hi", "sess-1"))
			Expect(sequencer.Active()).To(BeZero())
		})
	})

	Describe("failed invocation", func() {
		It("should wrap an unsupported provider as a generation failure", func() {
			env := runEnvelope("hi", "sess-1")
			env.Data.Provider = "bedrock"

			err := h.Handle(ctx, env)
			Expect(err).To(HaveOccurred())

			var genErr *generation.Error
			Expect(errors.As(err, &genErr)).To(BeTrue())
			Expect(genErr.RawCause()).To(ContainSubstring("bedrock"))
		})
	})

	Describe("failed persistence", func() {
		BeforeEach(func() {
			backend.generateFn = func(_ context.Context, _ generation.Request) (generation.Source, error) {
				return generation.SliceSource([]any{"done"}, nil), nil
			}
			store.FailWith(errors.New("pq: connection reset"))
		})

		It("should fail the run and withhold the final response", func() {
			err := h.Handle(ctx, runEnvelope("hi", "sess-1"))
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("persisting conversation turns"))

			Expect(sink.OfKind(event.KindFinalResponse)).To(BeEmpty())
		})
	})

	Describe("request forwarding", func() {
		BeforeEach(func() {
			backend.generateFn = func(_ context.Context, _ generation.Request) (generation.Source, error) {
				return generation.SingleSource("ok"), nil
			}
		})

		It("should pass the envelope parameters through to the backend", func() {
			env := runEnvelope("draw a cat", "sess-1")
			env.UserGroups = []string{"beta"}
			env.SystemPrompts = map[string]string{"system": "be terse"}
			env.Data.WorkspaceID = "ws-9"
			env.Data.Images = []chat.Attachment{{URL: "s3://bucket/cat.png", Type: "image/png"}}

			err := h.Handle(ctx, env)
			Expect(err).NotTo(HaveOccurred())

			Expect(backend.requests).To(HaveLen(1))
			req := backend.requests[0]
			Expect(req.Model).To(Equal("gpt-4o"))
			Expect(req.Prompt).To(Equal("draw a cat"))
			Expect(req.UserID).To(Equal("user-1"))
			Expect(req.SessionID).To(Equal("sess-1"))
			Expect(req.WorkspaceID).To(Equal("ws-9"))
			Expect(req.UserGroups).To(Equal([]string{"beta"}))
			Expect(req.Images).To(HaveLen(1))
			Expect(req.SystemPrompt()).To(Equal("be terse"))
		})
	})

	Describe("unsupported action", func() {
		It("should reject the envelope", func() {
			err := h.Handle(ctx, chat.Envelope{Action: chat.Action("dance"), UserID: "u"})
			Expect(err).To(HaveOccurred())
			Expect(strings.Contains(err.Error(), "unsupported action")).To(BeTrue())
		})
	})
})

// flakyDispatcher delegates to a Sink but fails sends selected by failOn.
type flakyDispatcher struct {
	sink   *event.Sink
	failOn func() bool
}

func (d *flakyDispatcher) Send(ctx context.Context, ev event.Event) error {
	if d.failOn() {
		return errors.New("transient publish failure")
	}
	return d.sink.Send(ctx, ev)
}
