package dispatch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"
)

// Expression parameters reference completed step payloads with $step,
// $step.field or $step.field[0] and combine them with govaluate's
// arithmetic and logical operators. Only whitelisted functions are
// available to expressions.

// ExpressionFunctionRegistry allows registration of custom functions for
// expression evaluation.
type ExpressionFunctionRegistry struct {
	functions map[string]govaluate.ExpressionFunction
}

var globalExprFuncRegistry = &ExpressionFunctionRegistry{functions: make(map[string]govaluate.ExpressionFunction)}

// RegisterExpressionFunction registers a custom function for expressions.
func RegisterExpressionFunction(name string, fn govaluate.ExpressionFunction) {
	globalExprFuncRegistry.functions[name] = fn
}

// getWhitelistedFunctions returns only whitelisted functions for security.
func getWhitelistedFunctions() map[string]govaluate.ExpressionFunction {
	whitelist := map[string]govaluate.ExpressionFunction{}
	for k, v := range globalExprFuncRegistry.functions {
		whitelist[k] = v
	}
	return whitelist
}

// ValidateExpression checks if an expression parses at plan load time.
func ValidateExpression(expr string) error {
	_, err := govaluate.NewEvaluableExpressionWithFunctions(expr, getWhitelistedFunctions())
	return err
}

var (
	exprVarRe      = regexp.MustCompile(`\$([a-zA-Z0-9_]+)((?:\.[a-zA-Z0-9_]+|\[[0-9]+\])*)`)
	exprAccessorRe = regexp.MustCompile(`(\.[a-zA-Z0-9_]+|\[[0-9]+\])`)
)

// evaluateExpression evaluates an expression over completed step payloads.
// Unresolvable references become nil variables so the expression can guard
// against them rather than aborting the step outright.
func evaluateExpression(expr string, results map[string]map[string]any) (any, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}

	variables := map[string]any{}
	replaced := exprVarRe.ReplaceAllStringFunc(expr, func(matched string) string {
		matches := exprVarRe.FindStringSubmatch(matched)
		stepID := matches[1]
		accessors := exprAccessorRe.FindAllString(matches[2], -1)

		varName := stepID
		for _, acc := range accessors {
			varName += strings.NewReplacer(".", "_", "[", "_", "]", "").Replace(acc)
		}

		payload, ok := results[stepID]
		if !ok {
			variables[varName] = nil
			return varName
		}

		var val any = payload
		for _, acc := range accessors {
			switch {
			case strings.HasPrefix(acc, "."):
				m, ok := val.(map[string]any)
				if !ok {
					variables[varName] = nil
					return varName
				}
				v, exists := m[acc[1:]]
				if !exists {
					variables[varName] = nil
					return varName
				}
				val = v

			case strings.HasPrefix(acc, "["):
				idx, err := strconv.Atoi(acc[1 : len(acc)-1])
				arr, ok := val.([]any)
				if err != nil || !ok || idx < 0 || idx >= len(arr) {
					variables[varName] = nil
					return varName
				}
				val = arr[idx]
			}
		}

		variables[varName] = val
		return varName
	})

	evalExpr, err := govaluate.NewEvaluableExpressionWithFunctions(replaced, getWhitelistedFunctions())
	if err != nil {
		return nil, fmt.Errorf("failed to parse expression %q: %w", expr, err)
	}

	result, err := evalExpr.Evaluate(variables)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expr, err)
	}
	return result, nil
}
