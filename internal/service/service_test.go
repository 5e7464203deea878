package service

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gpumemd/internal/batch"
	"gpumemd/internal/gpu"
	"gpumemd/internal/infer"
	"gpumemd/internal/memory"
	"gpumemd/pkg/types"
)

func echo(ctx context.Context, seqs []infer.Sequence) ([]string, error) {
	out := make([]string, len(seqs))
	for i, s := range seqs {
		out[i] = "len=" + strconv.Itoa(len(s.Tokens))
	}
	return out, nil
}

func newTestService(t *testing.T, fn infer.Fn) (*Service, *memory.Monitor) {
	t.Helper()
	mon := memory.NewMonitor(memory.MonitorConfig{
		Source:   gpu.NewSynthetic(2),
		Logger:   zerolog.Nop(),
		Interval: time.Millisecond,
	})
	bat := batch.New(fn, batch.Config{Interval: time.Millisecond, Logger: zerolog.Nop()})
	svc := New(Config{Monitor: mon, Batcher: bat})
	return svc, mon
}

func waitForStats(t *testing.T, mon *memory.Monitor) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(mon.AllStats()) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("monitor produced no stats in time")
}

func TestStatus(t *testing.T) {
	svc, mon := newTestService(t, echo)
	mon.Start()
	defer mon.Stop()
	waitForStats(t, mon)

	st := svc.Status()
	if !st.Monitoring {
		t.Fatal("Monitoring should be true while the loop runs")
	}
	if len(st.Devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(st.Devices))
	}
	for i, d := range st.Devices {
		if d.DeviceID != i {
			t.Fatalf("devices out of order: %+v", st.Devices)
		}
		if d.TotalBytes == 0 || d.AlertLevel == "" {
			t.Fatalf("incomplete device status: %+v", d)
		}
	}
	if st.Thresholds["warning"] != 80 || st.Thresholds["critical"] != 90 || st.Thresholds["emergency"] != 95 {
		t.Fatalf("thresholds = %v", st.Thresholds)
	}
	if st.ActiveProfile != "" {
		t.Fatalf("no profile was activated, got %q", st.ActiveProfile)
	}
	if st.ServerTimeUnix == 0 {
		t.Fatal("server time missing")
	}

	mon.RegisterProfile(memory.NewProfile("llama2-7b", 7<<30, 50<<20, 3<<10))
	mon.SetActiveProfile("llama2-7b")
	if got := svc.Status().ActiveProfile; got != "llama2-7b" {
		t.Fatalf("active profile = %q", got)
	}
}

func TestDevicesOrdered(t *testing.T) {
	svc, mon := newTestService(t, echo)
	mon.Start()
	defer mon.Stop()
	waitForStats(t, mon)

	devs := svc.Devices()
	if len(devs) != 2 {
		t.Fatalf("devices = %d, want 2", len(devs))
	}
	if devs[0].DeviceID != 0 || devs[1].DeviceID != 1 {
		t.Fatalf("devices out of order: %+v", devs)
	}
}

func TestProjectionErrors(t *testing.T) {
	svc, _ := newTestService(t, echo)
	if _, err := svc.Projection(9, 60); !IsDeviceNotFound(err) {
		t.Fatalf("err = %v, want device not found", err)
	}
	if _, err := svc.Projection(-1, 60); !IsDeviceNotFound(err) {
		t.Fatalf("err = %v, want device not found", err)
	}
	// in range, but no active profile means no history to project from
	if _, err := svc.Projection(0, 60); !IsNoProjection(err) {
		t.Fatalf("err = %v, want no projection", err)
	}
}

func TestBatchEstimate(t *testing.T) {
	svc, mon := newTestService(t, echo)
	if _, err := svc.BatchEstimate(5, 1024); !IsDeviceNotFound(err) {
		t.Fatalf("err = %v, want device not found", err)
	}
	resp, err := svc.BatchEstimate(0, 0)
	if err != nil {
		t.Fatalf("BatchEstimate: %v", err)
	}
	if resp.TokenCount != 1024 {
		t.Fatalf("token count default = %d, want 1024", resp.TokenCount)
	}
	// no profile and no stats: the floor answer is batch size 1
	if resp.MaxBatchSize != 1 {
		t.Fatalf("max batch = %d, want 1", resp.MaxBatchSize)
	}
	_ = mon
}

func TestInfer(t *testing.T) {
	svc, _ := newTestService(t, echo)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := svc.Infer(ctx, types.InferRequest{Tokens: []int{1, 2, 3}})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if resp.Output != "len=3" || resp.RequestID == "" || resp.Bucket != 32 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestInferValidation(t *testing.T) {
	svc, _ := newTestService(t, echo)
	ctx := context.Background()

	if _, err := svc.Infer(ctx, types.InferRequest{}); !IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	// prompt without a tokenizer cannot be bucketed
	_, err := svc.Infer(ctx, types.InferRequest{Prompt: "hello"})
	if !infer.IsUnavailable(err) {
		t.Fatalf("err = %v, want unavailable", err)
	}
}

type staticTokenizer struct{ toks []int }

func (s staticTokenizer) Tokenize(string) ([]int, error) { return s.toks, nil }

func TestInferTokenizesPrompt(t *testing.T) {
	mon := memory.NewMonitor(memory.MonitorConfig{Source: gpu.NewSynthetic(1), Logger: zerolog.Nop()})
	bat := batch.New(echo, batch.Config{Interval: time.Millisecond, Logger: zerolog.Nop()})
	svc := New(Config{Monitor: mon, Batcher: bat, Tokenizer: staticTokenizer{toks: []int{1, 2, 3, 4}}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := svc.Infer(ctx, types.InferRequest{Prompt: "hello world"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if resp.Output != "len=4" {
		t.Fatalf("output = %q, want len=4", resp.Output)
	}
}

func TestReady(t *testing.T) {
	svc, mon := newTestService(t, echo)
	if svc.Ready() {
		t.Fatal("not ready before Start")
	}
	mon.Start()
	defer mon.Stop()
	if !svc.Ready() {
		t.Fatal("ready after Start")
	}
}
