package pipeline

import (
	"context"

	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/metrics"
)

type FrameProcessor interface {
	Process(frames.Frame) ([]frames.Frame, error)
	Name() string
}

// PushFunc hands a frame to the next stage.
type PushFunc func(frames.Frame)

// PushProcessor streams output as it is produced instead of returning a
// batch. The orchestrator prefers ProcessFrame when a processor has it;
// frames pushed before an error are delivered downstream.
type PushProcessor interface {
	FrameProcessor
	ProcessFrame(ctx context.Context, f frames.Frame, push PushFunc) error
}

type BackpressureMode int

const (
	BackpressureDrop BackpressureMode = iota
	BackpressureWait
)

// ParseBackpressure maps "wait" to BackpressureWait, anything else to drop.
func ParseBackpressure(s string) BackpressureMode {
	if s == "wait" {
		return BackpressureWait
	}
	return BackpressureDrop
}

type Config struct {
	Async         bool
	StageBuffer   int
	HighCapacity  int
	LowCapacity   int
	FairnessRatio int
	Backpressure  BackpressureMode
}

type PipelineConfig struct {
	Config     Config
	Processors []FrameProcessor
}

type Orchestrator interface {
	Start() error
	Stop() error
	In() chan frames.Frame
	Out() chan frames.Frame
	AddProcessor(p FrameProcessor) error
	SetContext(ctx context.Context)
	SetSink(sink func(frames.Frame))
	SetObserver(obs metrics.Observer)
}
