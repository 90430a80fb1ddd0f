package taskweave

import (
	"context"
	"time"

	"github.com/taskweave/taskweave/internal/eventbus"
)

// CreateProcessStateMachine builds a complete state machine for the query workflow.
func CreateProcessStateMachine(components EngineComponents, bus eventbus.EventBus) *StateMachine {
	sm := NewStateMachine(bus)

	sm.RegisterTransition(StateInit, createInitTransition(components))
	sm.RegisterTransition(StatePlanning, createPlanningTransition(components))
	sm.RegisterTransition(StateExecution, createExecutionTransition(components))
	sm.RegisterTransition(StateSynthesis, createSynthesisTransition(components))
	sm.RegisterTransition(StateEvaluation, createEvaluationTransition(components))
	sm.RegisterTransition(StatePersistence, createPersistenceTransition(components))

	return sm
}

// createInitTransition handles the initialization state.
func createInitTransition(_ EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		if eb != nil {
			startEvent := eventbus.NewEvent(
				eventbus.EventQueryProcessingStarted,
				pCtx.Query,
				"StateMachine.Init",
				map[string]any{
					"run_id":    pCtx.RunID,
					"timestamp": time.Now().Format(time.RFC3339),
				},
			)
			eb.Publish(ctx, startEvent)
		}

		return StatePlanning, nil
	}
}

// createPlanningTransition handles the plan generation state.
//
// A planning failure is recorded on the process context and the run
// proceeds to synthesis with a nil plan and zero outcomes; no provider
// is ever called for an invalid plan.
func createPlanningTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventPlanGenerationStarted,
				pCtx.Query,
				"StateMachine.Planning",
				nil,
			))
		}

		plan, err := components.Planner.Generate(ctx, pCtx.Query)
		if err != nil {
			pCtx.PlanError = err
			if eb != nil {
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventPlanGenerationFailure,
					err.Error(),
					"StateMachine.Planning",
					map[string]any{"error": err.Error()},
				))
			}
			return StateSynthesis, nil
		}

		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventPlanGenerationSuccess,
				plan,
				"StateMachine.Planning",
				map[string]any{"step_count": plan.Len()},
			))
		}

		pCtx.Plan = plan
		return StateExecution, nil
	}
}

// createExecutionTransition handles the dispatch state.
func createExecutionTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventDispatchStarted,
				pCtx.Plan,
				"StateMachine.Execution",
				map[string]any{"step_count": pCtx.Plan.Len()},
			))
		}

		// The run deadline bounds the whole dispatch. Steps left pending
		// when it fires are recorded as timed-out failures by the
		// dispatcher; control always reaches synthesis.
		runCtx, cancel := context.WithTimeout(ctx, components.Config.RunTimeout)
		outcomes := components.Dispatcher.Dispatch(runCtx, pCtx.Plan, pCtx.Query)
		cancel()

		pCtx.Outcomes = outcomes

		if eb != nil {
			succeeded := 0
			for _, o := range outcomes {
				if o.Succeeded() {
					succeeded++
				}
			}
			eventType := eventbus.EventDispatchSuccess
			if succeeded < len(outcomes) {
				eventType = eventbus.EventDispatchFailure
			}
			eb.Publish(ctx, eventbus.NewEvent(
				eventType,
				outcomes,
				"StateMachine.Execution",
				map[string]any{
					"step_count":      len(outcomes),
					"succeeded_count": succeeded,
				},
			))
		}

		return StateSynthesis, nil
	}
}

// createSynthesisTransition handles the answer synthesis state.
func createSynthesisTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventSynthesisStarted,
				pCtx.Query,
				"StateMachine.Synthesis",
				map[string]any{"outcome_count": len(pCtx.Outcomes)},
			))
		}

		pCtx.FinalAnswer = components.Synthesizer.Synthesize(pCtx.Query, pCtx.Plan, pCtx.Outcomes)

		pCtx.Record = &RunRecord{
			ID:          pCtx.RunID,
			Query:       pCtx.Query,
			Plan:        pCtx.Plan,
			Outcomes:    pCtx.Outcomes,
			FinalAnswer: pCtx.FinalAnswer,
			Duration:    time.Since(pCtx.StartTime),
			Timestamp:   pCtx.StartTime,
		}

		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventSynthesisSuccess,
				pCtx.FinalAnswer,
				"StateMachine.Synthesis",
				map[string]any{"answer_length": len(pCtx.FinalAnswer)},
			))
		}

		return StateEvaluation, nil
	}
}

// createEvaluationTransition handles the judge scoring state.
//
// Evaluation never blocks the run record from being persisted: an
// evaluator failure downgrades to a zero score with explanatory notes.
func createEvaluationTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventEvaluationStarted,
				pCtx.RunID,
				"StateMachine.Evaluation",
				nil,
			))
		}

		score, err := components.Evaluator.Evaluate(ctx, pCtx.Record)
		if err != nil || score == nil {
			notes := "evaluation unavailable"
			if err != nil {
				notes = "evaluation unavailable: " + err.Error()
			}
			score = &Score{Notes: notes}
			if eb != nil {
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventEvaluationFailure,
					notes,
					"StateMachine.Evaluation",
					nil,
				))
			}
		} else if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventEvaluationSuccess,
				score,
				"StateMachine.Evaluation",
				map[string]any{"success_score": score.Success},
			))
		}

		score.Clamp()
		pCtx.RunScore = score

		return StatePersistence, nil
	}
}

// createPersistenceTransition handles the metrics append state.
func createPersistenceTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		pCtx.Record.Duration = time.Since(pCtx.StartTime)

		if err := components.Metrics.Append(pCtx.Record, pCtx.RunScore); err != nil {
			pCtx.PersistError = NewPersistError(err)
			if eb != nil {
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventMetricsAppendFailure,
					err.Error(),
					"StateMachine.Persistence",
					map[string]any{"run_id": pCtx.RunID},
				))
			}
		} else if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventMetricsAppendSuccess,
				pCtx.RunID,
				"StateMachine.Persistence",
				nil,
			))
		}

		if eb != nil {
			eventType := eventbus.EventQueryProcessingSuccess
			metadata := map[string]any{
				"run_id":      pCtx.RunID,
				"duration_ms": pCtx.GetTotalDuration().Milliseconds(),
			}
			if pCtx.PlanError != nil {
				eventType = eventbus.EventQueryProcessingFailure
				metadata["error"] = pCtx.PlanError.Error()
				metadata["stage"] = "planning"
			}
			eb.Publish(ctx, eventbus.NewEvent(eventType, pCtx.Query, "StateMachine.Persistence", metadata))
		}

		pCtx.Complete()
		return StateComplete, nil
	}
}
