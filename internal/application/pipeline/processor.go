package pipeline

import (
	"context"

	"github.com/alem-hub/adaptive-core/internal/domain/progression"
	"github.com/alem-hub/adaptive-core/internal/domain/signal"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/resilience"
)

// Processor turns one event into a decision. Errors wrapped with
// retry.Permanent drop the event; any other error requeues it.
type Processor interface {
	Process(ctx context.Context, ev *LearningEvent) (progression.Decision, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, ev *LearningEvent) (progression.Decision, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, ev *LearningEvent) (progression.Decision, error) {
	return f(ctx, ev)
}

// BulkheadProcessor gathers the four signals through their compartments and
// runs the engine through the integration compartment.
type BulkheadProcessor struct {
	bulkhead     *resilience.Bulkhead
	defaultPhase progression.Phase
}

// NewBulkheadProcessor creates a processor. Events without a phase use defaultPhase.
func NewBulkheadProcessor(b *resilience.Bulkhead, defaultPhase progression.Phase) *BulkheadProcessor {
	return &BulkheadProcessor{bulkhead: b, defaultPhase: defaultPhase}
}

// Process implements Processor.
func (p *BulkheadProcessor) Process(ctx context.Context, ev *LearningEvent) (progression.Decision, error) {
	phase := progression.Phase(ev.Payload.Phase)
	if phase == "" {
		phase = p.defaultPhase
	}

	// Unknown source names are ignored.
	var overrides map[signal.Source]float64
	for name, v := range ev.Payload.Signals {
		src, err := signal.ParseSource(name)
		if err != nil {
			continue
		}
		if overrides == nil {
			overrides = make(map[signal.Source]float64, len(ev.Payload.Signals))
		}
		overrides[src] = v
	}

	req := signal.Request{SessionID: ev.SessionID, Phase: string(phase), Context: ev.Payload.Context}
	signals := p.bulkhead.Gather(ctx, req, overrides)
	if err := ctx.Err(); err != nil {
		return progression.Decision{}, err
	}
	return p.bulkhead.Integrate(ctx, ev.SessionID, signals, phase)
}
