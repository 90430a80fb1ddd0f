// Package judge scores completed runs with an independent LLM evaluator.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/taskweave/taskweave"
)

const maxAnswerExcerpt = 2000

// Judge rates a run 0-5 on success, plan quality and reasoning quality.
// It always yields a well-formed Score: malformed model output gets one
// repair pass, and an unusable model falls back to a deterministic score
// derived from the outcomes.
type Judge struct {
	completer taskweave.Completer
}

// New creates a Judge.
func New(completer taskweave.Completer) *Judge {
	return &Judge{completer: completer}
}

// Evaluate implements taskweave.Evaluator. It never mutates the record.
func (j *Judge) Evaluate(ctx context.Context, record *taskweave.RunRecord) (*taskweave.Score, error) {
	prompt := buildPrompt(record)

	raw, err := j.completer.Complete(ctx, prompt)
	if err != nil {
		log.Printf("Judge completion failed, using fallback score: %v", err)
		return fallbackScore(record), nil
	}

	score, err := parseScore(raw)
	if err == nil {
		score.Clamp()
		return score, nil
	}

	// One repair pass: ask the model to reissue strict JSON.
	repaired, repairErr := j.completer.Complete(ctx, repairPrompt(raw))
	if repairErr == nil {
		if score, err = parseScore(repaired); err == nil {
			score.Clamp()
			return score, nil
		}
	}

	log.Printf("Judge output unusable after repair pass, using fallback score")
	return fallbackScore(record), nil
}

// parseScore extracts and unmarshals the score JSON from model output.
func parseScore(raw string) (*taskweave.Score, error) {
	jsonText := extractJSON(raw)
	if jsonText == "" {
		return nil, fmt.Errorf("no JSON object found in judge output")
	}

	var score taskweave.Score
	if err := json.Unmarshal([]byte(jsonText), &score); err != nil {
		return nil, fmt.Errorf("judge output is not a valid score: %w", err)
	}
	return &score, nil
}

// extractJSON returns the first balanced top-level JSON object in s.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// fallbackScore derives a deterministic score from the outcomes when the
// model cannot be used. A fully failed run scores 0 on success.
func fallbackScore(record *taskweave.RunRecord) *taskweave.Score {
	total := len(record.Outcomes)
	succeeded := record.SucceededSteps()

	score := &taskweave.Score{
		Notes: fmt.Sprintf("deterministic fallback score: %d of %d steps succeeded, evaluator unavailable", succeeded, total),
	}

	if total > 0 {
		score.Success = 5 * succeeded / total
		score.Reasoning = score.Success
		switch {
		case succeeded == total:
			score.PlanQuality = 4
		case succeeded > 0:
			score.PlanQuality = 2
		default:
			score.PlanQuality = 1
		}
	} else if record.Plan.Len() == 0 {
		score.Notes = "deterministic fallback score: no valid plan was produced, evaluator unavailable"
	}

	score.Clamp()
	return score
}

// buildPrompt renders the judging prompt from the run record.
func buildPrompt(record *taskweave.RunRecord) string {
	var b strings.Builder

	b.WriteString("You are a strict evaluator of an automated tool-orchestration run.\n")
	b.WriteString("Rate the run on three dimensions, each an integer from 0 to 5:\n")
	b.WriteString("- success: did the run accomplish what the user asked?\n")
	b.WriteString("- plan_quality: were the chosen tools and step ordering appropriate?\n")
	b.WriteString("- reasoning_quality: does the final answer reflect the results faithfully, including failures?\n\n")

	fmt.Fprintf(&b, "User request: %s\n\n", record.Query)

	if record.Plan.Len() == 0 {
		b.WriteString("Plan: none (plan generation failed; no tools were invoked)\n\n")
	} else {
		b.WriteString("Plan:\n")
		for _, step := range record.Plan.Steps {
			fmt.Fprintf(&b, "- %s: %s", step.ID, step.ToolName)
			if len(step.DependsOn) > 0 {
				fmt.Fprintf(&b, " (after %s)", strings.Join(step.DependsOn, ", "))
			}
			b.WriteString("\n")
		}
		b.WriteString("\nStep outcomes:\n")
		for _, out := range record.Outcomes {
			if out.Succeeded() {
				fmt.Fprintf(&b, "- %s: success (%d attempt(s))\n", out.StepID, out.Attempts)
			} else {
				fmt.Fprintf(&b, "- %s: failure: %s\n", out.StepID, out.Reason)
			}
		}
		b.WriteString("\n")
	}

	answer := record.FinalAnswer
	if len(answer) > maxAnswerExcerpt {
		answer = answer[:maxAnswerExcerpt] + "..."
	}
	fmt.Fprintf(&b, "Final answer given to the user:\n%s\n\n", answer)

	b.WriteString("Respond with exactly one JSON object and nothing else:\n")
	b.WriteString(`{"success": 0, "plan_quality": 0, "reasoning_quality": 0, "notes": "one or two sentences"}`)

	return b.String()
}

// repairPrompt asks the model to reissue its rating as strict JSON.
func repairPrompt(previous string) string {
	var b strings.Builder
	b.WriteString("Your previous response could not be parsed as JSON.\n")
	b.WriteString("Previous response:\n")
	b.WriteString(previous)
	b.WriteString("\n\nRespond again with exactly one JSON object of the form ")
	b.WriteString(`{"success": 0, "plan_quality": 0, "reasoning_quality": 0, "notes": "..."}`)
	b.WriteString(" and no other text.")
	return b.String()
}
