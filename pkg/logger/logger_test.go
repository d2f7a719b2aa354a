package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/fwdproxy/pkg/logger"
)

var _ = Describe("Logger", func() {
	ctx := context.Background()

	Describe("New", func() {
		It("should create logger with info level", func() {
			log := logger.New("info", false, "dev")
			Expect(log).NotTo(BeNil())
			Expect(log.Enabled(ctx, slog.LevelInfo)).To(BeTrue())
			Expect(log.Enabled(ctx, slog.LevelDebug)).To(BeFalse())
		})

		It("should respect debug level", func() {
			log := logger.New("debug", false, "dev")
			Expect(log.Enabled(ctx, slog.LevelDebug)).To(BeTrue())
		})

		It("should respect warn level", func() {
			log := logger.New("warn", false, "dev")
			Expect(log.Enabled(ctx, slog.LevelInfo)).To(BeFalse())
			Expect(log.Enabled(ctx, slog.LevelWarn)).To(BeTrue())
		})

		It("should respect error level", func() {
			log := logger.New("error", false, "dev")
			Expect(log.Enabled(ctx, slog.LevelWarn)).To(BeFalse())
			Expect(log.Enabled(ctx, slog.LevelError)).To(BeTrue())
		})
	})

	Describe("NewWithWriter", func() {
		var buf *bytes.Buffer

		BeforeEach(func() {
			buf = &bytes.Buffer{}
		})

		It("should write JSON in prod", func() {
			log := logger.NewWithWriter(buf, "info", false, "prod")
			log.Info("hello", slog.String("mapping", "localhost:8080"))

			var record map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &record)).To(Succeed())
			Expect(record).To(HaveKeyWithValue("msg", "hello"))
			Expect(record).To(HaveKeyWithValue("environment", "prod"))
			Expect(record).To(HaveKeyWithValue("mapping", "localhost:8080"))
		})

		It("should write text outside prod", func() {
			log := logger.NewWithWriter(buf, "info", false, "dev")
			log.Info("hello")

			Expect(buf.String()).To(ContainSubstring("msg=hello"))
			Expect(buf.String()).To(ContainSubstring("environment=dev"))
		})

		It("should include the source location when asked", func() {
			log := logger.NewWithWriter(buf, "info", true, "dev")
			log.Info("hello")

			Expect(buf.String()).To(ContainSubstring("source="))
		})
	})

	Describe("ForWorker", func() {
		It("should tag records with the worker id", func() {
			buf := &bytes.Buffer{}
			log := logger.ForWorker(logger.NewWithWriter(buf, "info", false, "dev"), 3)
			log.Info("started")

			Expect(buf.String()).To(ContainSubstring("worker=3"))
		})
	})

	DescribeTable("ParseLevel",
		func(name string, want slog.Level) {
			Expect(logger.ParseLevel(name)).To(Equal(want))
		},
		Entry("debug", "debug", slog.LevelDebug),
		Entry("upper case", "WARN", slog.LevelWarn),
		Entry("error", "error", slog.LevelError),
		Entry("unknown falls back to info", "invalid", slog.LevelInfo),
	)
})
