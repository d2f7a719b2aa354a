package worker_test

import (
	"context"
	"errors"
	"runtime"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/fwdproxy/internal/httpserver"
	"github.com/angeloszaimis/fwdproxy/internal/worker"
)

var _ = Describe("Worker", func() {
	Describe("Count", func() {
		It("uses the requested count", func() {
			Expect(worker.Count(4)).To(Equal(4))
		})

		It("defaults to the usable cores", func() {
			Expect(worker.Count(0)).To(Equal(runtime.GOMAXPROCS(0)))
		})

		It("never returns less than one", func() {
			Expect(worker.Count(-3)).To(BeNumerically(">=", 1))
		})
	})

	Describe("IDFromEnv", func() {
		lookup := func(env map[string]string) func(string) (string, bool) {
			return func(key string) (string, bool) {
				v, ok := env[key]
				return v, ok
			}
		}

		It("reports a coordinator process when unset", func() {
			_, isWorker, err := worker.IDFromEnv(lookup(nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(isWorker).To(BeFalse())
		})

		It("parses the worker id", func() {
			id, isWorker, err := worker.IDFromEnv(lookup(map[string]string{worker.EnvWorkerID: "2"}))
			Expect(err).NotTo(HaveOccurred())
			Expect(isWorker).To(BeTrue())
			Expect(id).To(Equal(2))
		})

		It("rejects garbage", func() {
			_, _, err := worker.IDFromEnv(lookup(map[string]string{worker.EnvWorkerID: "two"}))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("InProcess", func() {
		It("passes its id to the replica function", func() {
			var got int
			u := worker.NewInProcess(7, func(ctx context.Context, id int) error {
				got = id
				return nil
			})
			Expect(u.ID()).To(Equal(7))
			Expect(u.Run(context.Background())).To(Succeed())
			Expect(got).To(Equal(7))
		})

		It("turns a panic into an error", func() {
			u := worker.NewInProcess(1, func(ctx context.Context, id int) error {
				panic("boom")
			})
			err := u.Run(context.Background())
			Expect(err).To(MatchError(ContainSubstring("worker 1 panicked: boom")))
		})
	})

	Describe("IsBindFailure", func() {
		It("matches a wrapped BindError", func() {
			err := &worker.ExitError{Worker: 1, Code: worker.ExitCodeBind, Err: &httpserver.BindError{Addr: "localhost:80"}}
			Expect(worker.IsBindFailure(err)).To(BeTrue())
		})

		It("matches the bind exit code of a worker process", func() {
			Expect(worker.IsBindFailure(&worker.ExitError{Worker: 1, Code: worker.ExitCodeBind})).To(BeTrue())
		})

		It("does not match other exits", func() {
			Expect(worker.IsBindFailure(&worker.ExitError{Worker: 1, Code: 1})).To(BeFalse())
			Expect(worker.IsBindFailure(errors.New("boom"))).To(BeFalse())
		})
	})

	Describe("ExitError", func() {
		It("describes exit codes", func() {
			err := &worker.ExitError{Worker: 2, Code: 1, Err: errors.New("boom")}
			Expect(err.Error()).To(Equal("worker 2 exited with code 1: boom"))
		})

		It("describes signals", func() {
			err := &worker.ExitError{Worker: 2, Code: -1, Signal: "killed"}
			Expect(err.Error()).To(Equal("worker 2 killed by signal killed"))
		})
	})
})
