// Package service composes the memory monitor, the batcher and the optional
// inference engine behind the single facade the HTTP layer consumes.
package service

import (
	"context"
	"sort"
	"time"

	"gpumemd/internal/batch"
	"gpumemd/internal/infer"
	"gpumemd/internal/memory"
	"gpumemd/pkg/types"
)

// Tokenizer converts prompt text into token ids. The llama engine satisfies
// this; builds without it leave the field nil.
type Tokenizer interface {
	Tokenize(text string) ([]int, error)
}

// Config wires the service's collaborators.
type Config struct {
	Monitor   *memory.Monitor
	Batcher   *batch.Batcher
	Tokenizer Tokenizer
	Now       func() time.Time
}

// Service answers the HTTP API by delegating to the monitor and the batcher.
type Service struct {
	mon     *memory.Monitor
	bat     *batch.Batcher
	tok     Tokenizer
	started time.Time
	now     func() time.Time
}

func New(cfg Config) *Service {
	s := &Service{
		mon: cfg.Monitor,
		bat: cfg.Batcher,
		tok: cfg.Tokenizer,
		now: cfg.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.started = s.now()
	return s
}

// Status builds the detailed response for GET /status.
func (s *Service) Status() types.StatusResponse {
	now := s.now()
	resp := types.StatusResponse{
		Monitoring:        s.mon.Running(),
		SyntheticFallback: s.mon.SyntheticFallback(),
		Thresholds:        s.mon.Thresholds(),
		QueueDepth:        s.bat.QueueDepth(),
		UptimeSeconds:     int64(now.Sub(s.started).Seconds()),
		ServerTimeUnix:    now.Unix(),
	}
	if p := s.mon.ActiveProfile(); p != nil {
		resp.ActiveProfile = p.Name
	}
	stats := s.mon.AllStats()
	ids := make([]int, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	resp.Devices = make([]types.DeviceStatus, 0, len(ids))
	for _, id := range ids {
		st := stats[id]
		pct := st.UsagePercent()
		resp.Devices = append(resp.Devices, types.DeviceStatus{
			DeviceID:     id,
			UsagePercent: pct,
			AlertLevel:   s.mon.Classify(pct).String(),
			FreeBytes:    st.FreeBytes,
			TotalBytes:   st.TotalBytes,
		})
	}
	return resp
}

// Devices returns the latest raw snapshot per device, ordered by device id.
func (s *Service) Devices() []types.DeviceMemoryStats {
	stats := s.mon.AllStats()
	ids := make([]int, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]types.DeviceMemoryStats, 0, len(ids))
	for _, id := range ids {
		out = append(out, stats[id])
	}
	return out
}

// Projection answers GET /devices/{id}/projection. horizonSec defaults to 60
// when non-positive.
func (s *Service) Projection(deviceID int, horizonSec float64) (types.ProjectionResponse, error) {
	if deviceID < 0 || deviceID >= s.mon.DeviceCount() {
		return types.ProjectionResponse{}, ErrDeviceNotFound(deviceID)
	}
	if horizonSec <= 0 {
		horizonSec = 60
	}
	pct, ok := s.mon.ProjectUsage(deviceID, time.Duration(horizonSec*float64(time.Second)))
	if !ok {
		return types.ProjectionResponse{}, ErrNoProjection("insufficient history for projection")
	}
	return types.ProjectionResponse{
		DeviceID:         deviceID,
		HorizonSeconds:   horizonSec,
		ProjectedPercent: pct,
	}, nil
}

// BatchEstimate answers GET /devices/{id}/batch-estimate.
func (s *Service) BatchEstimate(deviceID, tokenCount int) (types.BatchEstimateResponse, error) {
	if deviceID < 0 || deviceID >= s.mon.DeviceCount() {
		return types.BatchEstimateResponse{}, ErrDeviceNotFound(deviceID)
	}
	if tokenCount <= 0 {
		tokenCount = 1024
	}
	return types.BatchEstimateResponse{
		DeviceID:     deviceID,
		TokenCount:   tokenCount,
		MaxBatchSize: s.mon.EstimateMaxBatch(deviceID, tokenCount),
	}, nil
}

// Infer enqueues one sequence and blocks until its batch resolves or ctx is
// done. Prompt-only requests are tokenized first; without a tokenizer they
// are rejected as unavailable so the HTTP layer returns 503.
func (s *Service) Infer(ctx context.Context, req types.InferRequest) (types.InferResponse, error) {
	seq := infer.Sequence{Tokens: req.Tokens, Prompt: req.Prompt}
	if len(seq.Tokens) == 0 {
		if req.Prompt == "" {
			return types.InferResponse{}, ErrValidation("tokens or prompt is required")
		}
		if s.tok == nil {
			return types.InferResponse{}, infer.ErrUnavailable("no tokenizer loaded; submit token ids")
		}
		toks, err := s.tok.Tokenize(req.Prompt)
		if err != nil {
			return types.InferResponse{}, err
		}
		seq.Tokens = toks
	}
	r, err := s.bat.Enqueue(seq)
	if err != nil {
		return types.InferResponse{}, err
	}
	out, err := r.Wait(ctx)
	if err != nil {
		return types.InferResponse{}, err
	}
	return types.InferResponse{RequestID: r.ID, Bucket: r.Bucket, Output: out}, nil
}

// Ready reports whether the monitor's poll loop is running.
func (s *Service) Ready() bool { return s.mon.Running() }
