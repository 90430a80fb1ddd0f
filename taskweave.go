// Package taskweave provides the core runtime for tool-orchestrated query answering.
package taskweave

import (
	"log"
	"sync"

	"context"

	"github.com/google/uuid"
	"github.com/taskweave/taskweave/internal/eventbus"
)

// ToolCatalog reports the names of the registered tools. The tool
// registry satisfies it; the engine only needs the listing.
type ToolCatalog interface {
	Names() []string
}

// Engine is the main entry point into the taskweave runtime.
// It encapsulates all components required for turning a free-form query
// into a scored, persisted run.
type Engine struct {
	// Core components
	planner     Planner
	dispatcher  Dispatcher
	synthesizer Synthesizer
	evaluator   Evaluator
	metrics     MetricsStore
	eventBus    eventbus.EventBus
	catalog     ToolCatalog

	// Configuration
	config Config

	// Async processing
	asyncRuns      map[string]*ProcessContext
	asyncRunsMutex sync.RWMutex
}

// EngineComponents holds references to the core components needed for state transitions.
type EngineComponents struct {
	Planner     Planner
	Dispatcher  Dispatcher
	Synthesizer Synthesizer
	Evaluator   Evaluator
	Metrics     MetricsStore
	Config      Config
}

// Option is a function that configures an Engine instance.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithPlanner sets the planner component.
func WithPlanner(planner Planner) Option {
	return func(e *Engine) {
		e.planner = planner
	}
}

// WithDispatcher sets the dispatcher component.
func WithDispatcher(dispatcher Dispatcher) Option {
	return func(e *Engine) {
		e.dispatcher = dispatcher
	}
}

// WithSynthesizer sets the synthesizer component.
func WithSynthesizer(synthesizer Synthesizer) Option {
	return func(e *Engine) {
		e.synthesizer = synthesizer
	}
}

// WithEvaluator sets the evaluator component.
func WithEvaluator(evaluator Evaluator) Option {
	return func(e *Engine) {
		e.evaluator = evaluator
	}
}

// WithMetrics sets the metrics store.
func WithMetrics(metrics MetricsStore) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithToolCatalog attaches the tool catalog so the engine can report its
// capabilities. The planner and dispatcher carry their own registry
// references; this one only serves Tools().
func WithToolCatalog(catalog ToolCatalog) Option {
	return func(e *Engine) {
		e.catalog = catalog
	}
}

// WithEventBus sets a custom event bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = bus
	}
}

// New creates a new Engine instance with the provided options.
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		config:    DefaultConfig(),
		asyncRuns: make(map[string]*ProcessContext),
	}

	for _, option := range options {
		option(e)
	}

	// Validate required components
	if e.planner == nil {
		return nil, NewConfigurationError("planner is required", nil)
	}

	if e.dispatcher == nil {
		return nil, NewConfigurationError("dispatcher is required", nil)
	}

	if e.synthesizer == nil {
		return nil, NewConfigurationError("synthesizer is required", nil)
	}

	if e.evaluator == nil {
		return nil, NewConfigurationError("evaluator is required", nil)
	}

	if e.metrics == nil {
		return nil, NewConfigurationError("metrics store is required", nil)
	}

	if err := e.config.Validate(); err != nil {
		return nil, err
	}

	// Initialize event bus if enabled but not provided
	if e.config.EnableEventBus && e.eventBus == nil {
		e.eventBus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(e.config.EventBusBufferSize),
			eventbus.WithWorkerCount(e.config.EventBusWorkers),
		)
		log.Printf("Initialized default channel-based event bus")
	}

	return e, nil
}

// Tools returns the sorted names of the registered tools, or nil when no
// catalog was attached.
func (e *Engine) Tools() []string {
	if e.catalog == nil {
		return nil
	}
	return e.catalog.Names()
}

// Config returns the engine's active configuration.
func (e *Engine) Config() Config {
	return e.config
}

// EventBus returns the engine's event bus, or nil if disabled.
func (e *Engine) EventBus() eventbus.EventBus {
	if !e.config.EnableEventBus {
		return nil
	}
	return e.eventBus
}

// Close releases engine resources.
func (e *Engine) Close() error {
	if e.eventBus != nil {
		return e.eventBus.Close()
	}
	return nil
}

// Process handles an end-to-end query run through the engine using a
// pushdown automaton state machine approach.
//
// A planning failure does not short-circuit the run: synthesis,
// evaluation and persistence still execute with zero outcomes so the run
// is scored and logged, and the planning error is returned alongside the
// record. A persistence failure is likewise returned without discarding
// the answer.
func (e *Engine) Process(ctx context.Context, query string) (*RunRecord, *Score, error) {
	stateMachine := e.createStateMachine()
	processContext := NewProcessContext(uuid.New().String(), query)

	_, err := stateMachine.Execute(ctx, processContext)
	if err != nil {
		return processContext.Record, processContext.RunScore, err
	}

	return processContext.Record, processContext.RunScore, processContext.RunError()
}

// RunError reduces the run's recorded failures to the error Process reports:
// the planning error takes precedence, then a persistence failure.
func (pc *ProcessContext) RunError() error {
	if pc.PlanError != nil {
		return pc.PlanError
	}
	return pc.PersistError
}

// createStateMachine builds a state machine with all necessary transitions
// for the query processing workflow.
func (e *Engine) createStateMachine() *StateMachine {
	var bus eventbus.EventBus
	if e.config.EnableEventBus {
		bus = e.eventBus
	}

	components := EngineComponents{
		Planner:     e.planner,
		Dispatcher:  e.dispatcher,
		Synthesizer: e.synthesizer,
		Evaluator:   e.evaluator,
		Metrics:     e.metrics,
		Config:      e.config,
	}

	return CreateProcessStateMachine(components, bus)
}
