// Command extractflow runs a one-shot extraction from the command line:
// it loads a schema definition, sends the input document to the
// configured provider, and prints the validated result as JSON.
//
// Usage:
//
//	extractflow extract --schema person.yaml < document.txt
//	extractflow extract --schema person.yaml --config extractflow.yaml --text "..."
//	extractflow version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BaSui01/extractflow"
	"github.com/BaSui01/extractflow/config"
	"github.com/BaSui01/extractflow/extract"
	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/schema"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "extract":
		if err := runExtract(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("extractflow %s (built %s)\n", Version, BuildTime)
	default:
		printUsage()
		os.Exit(1)
	}
}

func runExtract(args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	schemaPath := fs.String("schema", "", "path to a YAML or JSON schema definition (required)")
	configPath := fs.String("config", "", "path to the configuration file")
	text := fs.String("text", "", "input document; stdin is read when empty")
	model := fs.String("model", "", "override the configured model")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall deadline for the extraction")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *schemaPath == "" {
		return fmt.Errorf("--schema is required")
	}

	s, err := schema.LoadFile(*schemaPath)
	if err != nil {
		return err
	}

	input := *text
	if input == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		input = string(data)
	}
	if input == "" {
		return fmt.Errorf("empty input document")
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		return err
	}
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = keyFromEnv(cfg.Provider.Name)
	}

	client, err := extractflow.NewClient(extractflow.WithConfig(cfg))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	defer client.Close(context.Background())

	opts := []extract.Option{extract.WithSchema(s)}
	if *model != "" {
		opts = append(opts, extract.WithModel(*model))
	}
	ex, err := extractflow.For[map[string]any](client, opts...)
	if err != nil {
		return err
	}

	result, err := ex.Extract(ctx, llm.Message{Role: llm.RoleUser, Content: input})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result.Value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	fmt.Fprintf(os.Stderr, "attempts=%d tokens=%d duration=%s\n",
		len(result.Attempts), result.Usage.TotalTokens, result.Duration)
	return nil
}

func keyFromEnv(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		return os.Getenv("OPENAI_API_KEY")
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `extractflow - structured extraction from language models

Commands:
  extract   run a one-shot extraction against a schema file
  version   print version information

Run "extractflow extract -h" for flags.`)
}
