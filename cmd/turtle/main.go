package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/m4xw311/turtle/agent"
	"github.com/m4xw311/turtle/agent/acp"
	"github.com/m4xw311/turtle/agent/terminal"
	"github.com/m4xw311/turtle/config"
	"github.com/m4xw311/turtle/llm"
	"github.com/m4xw311/turtle/session"
	"github.com/m4xw311/turtle/setup"
	"github.com/m4xw311/turtle/tools"
	"github.com/m4xw311/turtle/tools/mcp"
)

func main() {
	// Define flags
	setupFlag := flag.Bool("setup", false, "Run the configuration wizard")
	providerFlag := flag.String("provider", "", "Override the configured provider")
	modelFlag := flag.String("model", "", "Override the configured model")
	apiKeyFlag := flag.String("api-key", "", "Override the configured API key")
	systemPromptFlag := flag.String("system-prompt", "", "Override the configured system prompt")
	streamFlag := flag.Bool("stream", false, "Stream model responses as they arrive")
	modeFlag := flag.String("m", "", "Execution mode: 'auto' or 'prompt'")
	sessionFlag := flag.String("s", "", "Session name to create or use")
	toolsetFlag := flag.String("t", "", "Toolset to use (defaults to 'default')")
	resumeFlag := flag.String("r", "", "Resume a session by name")
	toolVerbosityFlag := flag.String("tool-verbosity", "", "Tool verbosity level: 'none', 'info', or 'all'")
	acpFlag := flag.Bool("acp", false, "Enable Agent Client Protocol support")
	traceFlag := flag.Bool("trace", false, "Enable execution tracing to troubleshoot issues")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving working directory: %+v\n", err)
		os.Exit(1)
	}

	// The wizard runs before configuration loading: it writes the
	// files LoadConfig reads.
	wizard := setup.New(wd)
	if *setupFlag {
		if _, err := wizard.Force(); err != nil {
			fmt.Fprintf(os.Stderr, "Setup failed: %+v\n", err)
			os.Exit(1)
		}
		return
	}
	if wizard.IsFirstRun() && !*acpFlag {
		done, err := wizard.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Setup failed: %+v\n", err)
			os.Exit(1)
		}
		if !done {
			os.Exit(1)
		}
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	if *providerFlag != "" {
		cfg.Provider = *providerFlag
	}
	if *modelFlag != "" {
		cfg.Model = *modelFlag
	}
	if *apiKeyFlag != "" {
		cfg.APIKey = *apiKeyFlag
	}
	if *systemPromptFlag != "" {
		cfg.SystemPrompt = *systemPromptFlag
	}

	sessionDir, err := session.DefaultDir(cfg.Workdir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing session directory: %+v\n", err)
		os.Exit(1)
	}

	var store *session.Store
	sessionName := *sessionFlag

	if *resumeFlag != "" {
		// Resume session
		sessionName = *resumeFlag
		store, err = session.Load(sessionDir, sessionName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resuming session '%s': %+v\n", sessionName, err)
			os.Exit(1)
		}
		if !*acpFlag {
			fmt.Printf("Resuming session: %s\n", sessionName)
		}
	} else {
		// Start new session
		if sessionName == "" {
			sessionName = defaultSessionName()
		}
		store, err = session.New(sessionDir, sessionName, cfg.Model, cfg.Workdir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating session '%s': %+v\n", sessionName, err)
			os.Exit(1)
		}
		if !*acpFlag {
			fmt.Printf("Starting new session: %s\n", sessionName)
		}
	}

	if *modeFlag == "" {
		*modeFlag = "prompt"
	}
	if *toolsetFlag == "" {
		*toolsetFlag = "default"
	}
	if *toolVerbosityFlag == "" {
		*toolVerbosityFlag = "none"
	}

	// Validate mode
	var opMode agent.Mode
	switch *modeFlag {
	case "auto":
		opMode = agent.ModeAuto
	case "prompt":
		opMode = agent.ModePrompt
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode '%s'. Must be 'auto' or 'prompt'.\n", *modeFlag)
		os.Exit(1)
	}

	// Validate tool verbosity
	var verbosity agent.ToolVerbosity
	switch *toolVerbosityFlag {
	case "none":
		verbosity = agent.ToolVerbosityNone
	case "info":
		verbosity = agent.ToolVerbosityInfo
	case "all":
		verbosity = agent.ToolVerbosityAll
	default:
		fmt.Fprintf(os.Stderr, "Invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'.\n", *toolVerbosityFlag)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize the model client
	client, err := newClient(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing %s client: %+v\n", cfg.Provider, err)
		os.Exit(1)
	}

	// Connect configured MCP servers and collect their tools
	var extraTools []tools.Tool
	for _, server := range cfg.AdditionalMCPServers {
		mcpClient, err := mcp.NewClient(ctx, server.Name, server.Command, server.Args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not start MCP server '%s': %v\n", server.Name, err)
			continue
		}
		defer mcpClient.Stop()
		for _, t := range mcpClient.Tools() {
			extraTools = append(extraTools, t)
		}
	}

	// Create the agent
	turtleAgent, err := agent.New(cfg, store, *toolsetFlag, opMode, verbosity, client, extraTools)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing agent: %+v\n", err)
		os.Exit(1)
	}
	turtleAgent.Streaming = *streamFlag

	// Check if ACP mode is enabled
	if *acpFlag {
		// Run in ACP mode; stdout carries only JSON-RPC messages
		in := bufio.NewReader(os.Stdin)
		out := bufio.NewWriter(os.Stdout)
		if err := acp.Run(ctx, turtleAgent, sessionDir, in, out, traceFlag); err != nil {
			fmt.Fprintf(os.Stderr, "ACP mode failed: %+v\n", err)
			os.Exit(1)
		}
		return
	}

	// Get initial prompt from remaining arguments
	initialPrompt := strings.Join(flag.Args(), " ")

	// Run the agent in regular CLI mode
	fmt.Println("Turtle is ready. Type your prompt.")
	term := terminal.New(turtleAgent)
	if err := term.Run(ctx, initialPrompt); err != nil {
		fmt.Fprintf(os.Stderr, "Agent stopped with an error: %+v\n", err)
		os.Exit(1)
	}
}

// newClient selects a provider adapter from configuration.
func newClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	switch cfg.Provider {
	case "gemini":
		return llm.NewGeminiClient(ctx, cfg.APIKey)
	case "openai":
		return llm.NewOpenAIClient(ctx, cfg.APIKey)
	case "bedrock":
		return llm.NewBedrockClient(ctx)
	case "anthropic":
		return llm.NewAnthropicClient(ctx, cfg.APIKey)
	}
	return &llm.MockClient{}, nil
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "turtle"
	}
	dirName := filepath.Base(wd)
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return fmt.Sprintf("%s_%s", dirName, timestamp)
}
