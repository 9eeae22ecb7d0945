package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/relay/pkg/errorsx"
	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/logging"
	"github.com/harunnryd/relay/pkg/metrics"
	"github.com/harunnryd/relay/pkg/priority"
)

type orchestrator struct {
	in       chan frames.Frame
	out      chan frames.Frame
	pq       *priority.PriorityQueue
	procs    []FrameProcessor
	cfg      Config
	ctx      context.Context
	cancel   context.CancelFunc
	stageCh  []chan frames.Frame
	sink     func(frames.Frame)
	obs      metrics.Observer
	logger   *slog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(cfg Config) Orchestrator {
	if cfg.HighCapacity <= 0 {
		cfg.HighCapacity = 64
	}
	if cfg.LowCapacity <= 0 {
		cfg.LowCapacity = 256
	}
	if cfg.StageBuffer <= 0 {
		cfg.StageBuffer = 64
	}
	o := &orchestrator{
		in:     make(chan frames.Frame, cfg.HighCapacity+cfg.LowCapacity),
		out:    make(chan frames.Frame, cfg.HighCapacity+cfg.LowCapacity),
		cfg:    cfg,
		obs:    metrics.NoopObserver{},
		logger: logging.NewComponentLogger(nil, "pipeline"),
	}
	o.pq = priority.New(cfg.HighCapacity, cfg.LowCapacity, cfg.FairnessRatio)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

func NewWithPipelineConfig(pc PipelineConfig) Orchestrator {
	orch := New(pc.Config)
	logPipeline(pc.Processors)
	for _, p := range pc.Processors {
		_ = orch.AddProcessor(p)
	}
	return orch
}

func (o *orchestrator) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
}

func (o *orchestrator) In() chan frames.Frame            { return o.in }
func (o *orchestrator) Out() chan frames.Frame           { return o.out }
func (o *orchestrator) SetSink(sink func(frames.Frame))  { o.sink = sink }
func (o *orchestrator) SetObserver(obs metrics.Observer) { o.obs = metrics.OrNoop(obs) }

func (o *orchestrator) AddProcessor(p FrameProcessor) error {
	if p == nil {
		return errors.New("pipeline: nil processor")
	}
	o.procs = append(o.procs, p)
	return nil
}

func (o *orchestrator) Start() error {
	o.goFeed()
	if o.cfg.Async {
		return o.startAsync()
	}
	return o.startSync()
}

// Stop cancels the workers, waits for them and closes Out.
func (o *orchestrator) Stop() error {
	o.stopOnce.Do(func() {
		o.cancel()
		o.wg.Wait()
		close(o.out)
	})
	return nil
}

// goFeed moves frames from In into the priority queue: control frames high,
// everything else low.
func (o *orchestrator) goFeed() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-o.ctx.Done():
				return
			case f := <-o.in:
				o.recordIn(f)
				var ok bool
				if f.Kind() == frames.KindControl {
					ok = o.pq.TryPushHigh(f)
				} else {
					ok = o.pq.TryPushLow(f)
				}
				if !ok {
					o.recordDrop(f)
				}
			}
		}
	}()
}

func (o *orchestrator) startSync() error {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			fAny, ok := o.pq.PopContext(o.ctx)
			if !ok {
				return
			}
			o.runFrom(0, fAny.(frames.Frame))
		}
	}()
	return nil
}

// runFrom passes f through procs[idx:], forwarding each output as soon as
// it is produced.
func (o *orchestrator) runFrom(idx int, f frames.Frame) {
	if idx >= len(o.procs) {
		o.recordOut(f)
		o.emit(f)
		return
	}
	o.runStage(o.procs[idx], f, func(e frames.Frame) { o.runFrom(idx+1, e) })
}

func (o *orchestrator) runStage(p FrameProcessor, f frames.Frame, next PushFunc) {
	start := time.Now()
	var err error
	if pp, ok := p.(PushProcessor); ok {
		err = pp.ProcessFrame(o.ctx, f, next)
	} else {
		var out []frames.Frame
		out, err = p.Process(f)
		for _, e := range out {
			next(e)
		}
	}
	if err != nil {
		o.recordError(p.Name(), f, err)
		return
	}
	o.recordStage(p.Name(), f, start)
}

func (o *orchestrator) startAsync() error {
	o.stageCh = make([]chan frames.Frame, len(o.procs)+1)
	for i := range o.stageCh {
		o.stageCh[i] = make(chan frames.Frame, o.cfg.StageBuffer)
	}
	for i, p := range o.procs {
		inCh, outCh := o.stageCh[i], o.stageCh[i+1]
		o.wg.Add(1)
		go func(proc FrameProcessor, in, out chan frames.Frame) {
			defer o.wg.Done()
			for {
				select {
				case <-o.ctx.Done():
					return
				case f := <-in:
					o.runStage(proc, f, func(e frames.Frame) { o.push(out, e) })
				}
			}
		}(p, inCh, outCh)
	}
	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		for {
			fAny, ok := o.pq.PopContext(o.ctx)
			if !ok {
				return
			}
			o.push(o.stageCh[0], fAny.(frames.Frame))
		}
	}()
	go func() {
		defer o.wg.Done()
		final := o.stageCh[len(o.stageCh)-1]
		for {
			select {
			case <-o.ctx.Done():
				return
			case e := <-final:
				o.recordOut(e)
				o.emit(e)
			}
		}
	}()
	return nil
}

func (o *orchestrator) emit(f frames.Frame) {
	if o.sink != nil {
		o.sink(f)
		return
	}
	o.push(o.out, f)
}

func (o *orchestrator) push(ch chan frames.Frame, f frames.Frame) {
	switch o.cfg.Backpressure {
	case BackpressureWait:
		select {
		case <-o.ctx.Done():
		case ch <- f:
		}
	default:
		select {
		case ch <- f:
		default:
			o.recordDrop(f)
		}
	}
}

func (o *orchestrator) recordStage(name string, f frames.Frame, start time.Time) {
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventStageLatency,
		Time:  time.Now(),
		Value: float64(time.Since(start).Microseconds()),
		Tags: map[string]string{
			"processor":         name,
			frames.MetaStreamID: metaValue(f, frames.MetaStreamID),
			frames.MetaTraceID:  metaValue(f, frames.MetaTraceID),
		},
	})
}

func (o *orchestrator) recordError(name string, f frames.Frame, err error) {
	level := slog.LevelError
	if errors.Is(err, context.Canceled) {
		level = slog.LevelWarn
	}
	o.logger.Log(o.ctx, level, "stage_error",
		append([]any{"processor", name, "stream_id", metaValue(f, frames.MetaStreamID)}, errorsx.Attrs(err)...)...)
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventStageError,
		Time: time.Now(),
		Tags: map[string]string{
			"processor":         name,
			frames.MetaStreamID: metaValue(f, frames.MetaStreamID),
			frames.MetaTraceID:  metaValue(f, frames.MetaTraceID),
			"reason_code":       string(errorsx.Reason(err)),
		},
		Fields: map[string]any{"error": err.Error()},
	})
}

func (o *orchestrator) recordIn(f frames.Frame) {
	o.recordFrame(metrics.EventFrameIn, f)
}

func (o *orchestrator) recordOut(f frames.Frame) {
	o.recordFrame(metrics.EventFrameOut, f)
}

func (o *orchestrator) recordDrop(f frames.Frame) {
	o.recordFrame(metrics.EventFrameDrop, f)
}

func (o *orchestrator) recordFrame(name string, f frames.Frame) {
	tags := map[string]string{
		frames.MetaStreamID: metaValue(f, frames.MetaStreamID),
		frames.MetaTraceID:  metaValue(f, frames.MetaTraceID),
		"kind":              kindFromFrame(f),
	}
	addFrameDetailTags(tags, f)
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: tags,
	})
}

func metaValue(f frames.Frame, key string) string {
	if f == nil {
		return ""
	}
	return f.Meta()[key]
}

func logPipeline(procs []FrameProcessor) {
	if len(procs) == 0 {
		return
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		names = append(names, p.Name())
	}
	slog.Info("pipeline", "order", strings.Join(names, " -> "))
}

func kindFromFrame(f frames.Frame) string {
	if f == nil {
		return ""
	}
	return string(f.Kind())
}

func addFrameDetailTags(tags map[string]string, f frames.Frame) {
	if tags == nil || f == nil {
		return
	}
	meta := f.Meta()
	if source := meta[frames.MetaSource]; source != "" {
		tags["source"] = source
	}
	switch v := f.(type) {
	case frames.ControlFrame:
		tags["control_code"] = string(v.Code())
		if reason := meta[frames.MetaReason]; reason != "" {
			tags["control_reason"] = reason
		}
	case frames.SystemFrame:
		if name := v.Name(); name != "" {
			tags["system_name"] = name
		}
	case frames.ResponseFrame:
		tags["marker"] = string(v.Marker())
	}
}
