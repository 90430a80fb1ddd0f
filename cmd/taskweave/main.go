package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/taskweave/taskweave"
	"github.com/taskweave/taskweave/internal/cache"
	"github.com/taskweave/taskweave/internal/dispatch"
	"github.com/taskweave/taskweave/internal/judge"
	"github.com/taskweave/taskweave/internal/llm"
	"github.com/taskweave/taskweave/internal/metrics"
	"github.com/taskweave/taskweave/internal/planner"
	"github.com/taskweave/taskweave/internal/providers"
	"github.com/taskweave/taskweave/internal/registry"
	"github.com/taskweave/taskweave/internal/resolver"
	"github.com/taskweave/taskweave/internal/synthesis"
)

func main() {
	// .env is optional; environment variables win either way.
	_ = godotenv.Load()

	cfg := taskweave.DefaultConfig()
	if len(os.Args) > 1 {
		loaded, err := taskweave.LoadConfig(os.Args[1])
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		log.Fatal("OPENAI_API_KEY environment variable not set.")
	}

	completer, err := llm.NewOpenAICompleter(apiKey, llm.WithModel(cfg.Model))
	if err != nil {
		log.Fatalf("Failed to initialize completer: %v", err)
	}

	reg := registry.New()
	if err := providers.RegisterDefaults(reg); err != nil {
		log.Fatalf("Failed to register tools: %v", err)
	}

	providerMap := providers.DefaultProviders(os.Getenv("TAVILY_API_KEY"), os.Getenv("GITHUB_TOKEN"))

	if err := bootCheck(providerMap); err != nil {
		log.Fatalf("Provider boot check failed: %v", err)
	}

	plannerOptions := []planner.PlannerOption{planner.WithMaxSteps(cfg.MaxPlanSteps)}
	if cfg.PlanCacheTTL > 0 {
		planCache := cache.NewInMemoryCache(cfg.PlanCacheTTL)
		defer planCache.Close()
		plannerOptions = append(plannerOptions, planner.WithCache(planCache))
	}

	store, err := metrics.NewStore(cfg.MetricsPath)
	if err != nil {
		log.Fatalf("Failed to open metrics store: %v", err)
	}

	engine, err := taskweave.New(
		taskweave.WithConfig(cfg),
		taskweave.WithPlanner(planner.New(completer, reg, plannerOptions...)),
		taskweave.WithDispatcher(dispatch.New(providerMap, reg, resolver.New(reg),
			dispatch.WithMaxWorkers(cfg.MaxConcurrentSteps),
			dispatch.WithMaxRetries(cfg.MaxRetries),
			dispatch.WithRetryDelay(cfg.RetryDelay),
			dispatch.WithStepTimeout(cfg.StepTimeout),
		)),
		taskweave.WithSynthesizer(synthesis.New()),
		taskweave.WithEvaluator(judge.New(completer)),
		taskweave.WithMetrics(store),
		taskweave.WithToolCatalog(reg),
	)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	defer engine.Close()

	fmt.Printf("taskweave ready. Tools: %s\n", strings.Join(engine.Tools(), ", "))
	fmt.Println("Type a request, 'metrics [n]' for run statistics, 'help' for commands.")

	repl(engine, store)
}

// bootCheck verifies the weather provider's upstream is reachable before
// accepting queries. The search and tracker providers need credentials
// and are checked lazily at call time.
func bootCheck(providerMap map[string]taskweave.Provider) error {
	weather, ok := providerMap[providers.ProviderWeather]
	if !ok {
		return fmt.Errorf("weather provider not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := weather.Invoke(ctx, "get_weather", map[string]any{"city": "Paris"})
	return err
}

func repl(engine *taskweave.Engine, store *metrics.Store) {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "exit" || line == "quit":
			return

		case line == "help":
			fmt.Println("Commands:")
			fmt.Println("  metrics [n]   show statistics for the last n runs (default: all)")
			fmt.Println("  clear         clear the screen")
			fmt.Println("  exit, quit    leave the REPL")
			fmt.Println("Anything else is processed as a query.")

		case line == "clear":
			fmt.Print("\033[H\033[2J")

		case line == "metrics" || strings.HasPrefix(line, "metrics "):
			showMetrics(store, line)

		default:
			runQuery(engine, line)
		}
	}
}

func showMetrics(store *metrics.Store, line string) {
	lastN := 0
	if fields := strings.Fields(line); len(fields) > 1 {
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			fmt.Println("Usage: metrics [n]")
			return
		}
		lastN = n
	}

	stats, err := store.ComputeStats(lastN)
	if err != nil {
		fmt.Printf("Failed to read metrics: %v\n", err)
		return
	}
	fmt.Print(stats.Format())
}

func runQuery(engine *taskweave.Engine, query string) {
	start := time.Now()
	record, score, err := engine.Process(context.Background(), query)

	if record != nil {
		fmt.Println()
		fmt.Println(record.FinalAnswer)
	}
	if score != nil {
		fmt.Printf("\nScores: success %d/5, plan %d/5, reasoning %d/5\n",
			score.Success, score.PlanQuality, score.Reasoning)
		if score.Notes != "" {
			fmt.Printf("Notes: %s\n", score.Notes)
		}
	}
	if err != nil {
		fmt.Printf("Warning: %v\n", err)
	}
	fmt.Printf("Took %s\n", time.Since(start).Round(time.Millisecond))
}
