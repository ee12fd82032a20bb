// Command agentvm runs agent programs and serves the engine over HTTP.
//
// Usage:
//
//	agentvm run <program.json> [-args args.json] [-fuel n] [-trace]  - Execute one program
//	agentvm serve                                                    - Start the HTTP API
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/agentvm/agentvm/internal/capability"
	"github.com/agentvm/agentvm/internal/server"
	"github.com/agentvm/agentvm/internal/vm"
	"github.com/agentvm/agentvm/pkg/config"
	"github.com/agentvm/agentvm/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	switch os.Args[1] {
	case "run":
		cmdRun(cfg, log, os.Args[2:])
	case "serve":
		cmdServe(cfg, log)
	default:
		printUsage()
		os.Exit(1)
	}
}

func cmdRun(cfg *config.Config, log *logger.Logger, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	argsFile := fs.String("args", "", "JSON file with program arguments")
	fuel := fs.Float64("fuel", 0, "fuel budget (default from config)")
	trace := fs.Bool("trace", false, "emit the execution trace")
	// Flag parsing stops at the first non-flag argument, so move a leading
	// program file behind the flags.
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		args = append(append([]string{}, args[1:]...), args[0])
	}
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: run requires a program file")
		os.Exit(1)
	}

	var program map[string]any
	if err := readJSONFile(fs.Arg(0), &program); err != nil {
		fmt.Fprintf(os.Stderr, "Error: read program: %v\n", err)
		os.Exit(1)
	}
	programArgs := map[string]any{}
	if *argsFile != "" {
		if err := readJSONFile(*argsFile, &programArgs); err != nil {
			fmt.Fprintf(os.Stderr, "Error: read args: %v\n", err)
			os.Exit(1)
		}
	}

	engine := vm.New(
		vm.WithLogger(log),
		vm.WithDefaultFuel(cfg.Engine.DefaultFuel),
	)
	result, err := engine.Run(context.Background(), program, programArgs, vm.RunOptions{
		Fuel:  *fuel,
		Trace: *trace,
		Capabilities: map[string]any{
			"store": capability.NewMemoryStore(),
			"xml":   capability.NewXMLParser(),
		},
		Meta: &vm.RequestMeta{
			AllowedFetchDomains: cfg.FetchDomains(),
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	if result.Error != nil {
		os.Exit(2)
	}
}

func cmdServe(cfg *config.Config, log *logger.Logger) {
	srv, err := server.New(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  agentvm run <program.json> [-args args.json] [-fuel n] [-trace]")
	fmt.Fprintln(os.Stderr, "  agentvm serve")
}
