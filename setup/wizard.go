package setup

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/m4xw311/turtle/errors"
	"gopkg.in/yaml.v3"
)

// providers lists the selectable backends, in menu order.
var providers = []string{"openai", "anthropic", "gemini", "bedrock"}

// modelsByProvider lists the suggested models per provider, in menu order.
var modelsByProvider = map[string][]string{
	"openai":    {"gpt-4", "gpt-4-turbo", "gpt-3.5-turbo"},
	"anthropic": {"claude-3-opus", "claude-3-sonnet", "claude-3-haiku"},
	"gemini":    {"gemini-1.5-flash", "gemini-1.5-pro"},
	"bedrock":   {"anthropic.claude-3-sonnet-20240229-v1:0", "anthropic.claude-3-haiku-20240307-v1:0"},
}

// Wizard walks the user through first-time configuration and writes the
// result to .env and .turtle/config.yaml in the working directory.
type Wizard struct {
	in  io.Reader
	out io.Writer

	envFile    string
	configDir  string
	configFile string
}

// New creates a wizard rooted at dir.
func New(dir string) *Wizard {
	configDir := filepath.Join(dir, ".turtle")
	return &Wizard{
		in:         os.Stdin,
		out:        os.Stdout,
		envFile:    filepath.Join(dir, ".env"),
		configDir:  configDir,
		configFile: filepath.Join(configDir, "config.yaml"),
	}
}

// IsFirstRun reports whether no configuration exists yet.
func (w *Wizard) IsFirstRun() bool {
	if _, err := os.Stat(w.envFile); err == nil {
		return false
	}
	if _, err := os.Stat(w.configFile); err == nil {
		return false
	}
	return true
}

// Run performs first-time setup. It refuses to overwrite an existing
// configuration; use Force for that.
func (w *Wizard) Run() (bool, error) {
	if !w.IsFirstRun() {
		fmt.Fprintln(w.out, "Setup already completed. Use --setup to reconfigure.")
		return false, nil
	}
	return w.runSteps("")
}

// Force reconfigures even when a configuration already exists.
func (w *Wizard) Force() (bool, error) {
	return w.runSteps("Reconfiguring Turtle...")
}

func (w *Wizard) runSteps(banner string) (bool, error) {
	w.showWelcome()
	if banner != "" {
		fmt.Fprintln(w.out, banner)
		fmt.Fprintln(w.out)
	}

	reader := bufio.NewReader(w.in)

	provider, err := w.chooseProvider(reader)
	if err != nil {
		return false, err
	}
	model, err := w.chooseModel(reader, provider)
	if err != nil {
		return false, err
	}
	apiKey := ""
	if provider != "bedrock" {
		// Bedrock authenticates through the AWS environment instead.
		apiKey, err = w.readAPIKey(reader, provider)
		if err != nil {
			return false, err
		}
	}

	if err := w.save(provider, model, apiKey); err != nil {
		return false, err
	}
	w.showSuccess()
	return true, nil
}

func (w *Wizard) showWelcome() {
	line := strings.Repeat("=", 50)
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, line)
	fmt.Fprintln(w.out, "Welcome to Turtle Setup")
	fmt.Fprintln(w.out, line)
	fmt.Fprintln(w.out, "Multi-provider AI coding assistant")
	fmt.Fprintln(w.out, "Let's configure your assistant!")
	fmt.Fprintln(w.out)
}

func (w *Wizard) chooseProvider(reader *bufio.Reader) (string, error) {
	for {
		fmt.Fprintln(w.out, "Step 1/3: Choose your AI provider")
		fmt.Fprintln(w.out, strings.Repeat("-", 30))
		for i, p := range providers {
			fmt.Fprintf(w.out, "%d. %s\n", i+1, strings.Title(p))
		}

		fmt.Fprintf(w.out, "\nEnter your choice (1-%d): ", len(providers))
		choice, err := readChoice(reader, len(providers))
		if err == io.EOF {
			return "", errors.New("setup cancelled")
		}
		if err == nil {
			return providers[choice-1], nil
		}
		fmt.Fprintf(w.out, "Invalid choice. Please select 1-%d.\n\n", len(providers))
	}
}

func (w *Wizard) chooseModel(reader *bufio.Reader, provider string) (string, error) {
	models := modelsByProvider[provider]
	if len(models) == 0 {
		models = []string{provider + "-default"}
	}

	for {
		fmt.Fprintf(w.out, "\nStep 2/3: Choose your model for %s\n", provider)
		fmt.Fprintln(w.out, strings.Repeat("-", 40))
		for i, m := range models {
			fmt.Fprintf(w.out, "%d. %s\n", i+1, m)
		}

		fmt.Fprintf(w.out, "\nEnter your choice (1-%d): ", len(models))
		choice, err := readChoice(reader, len(models))
		if err == io.EOF {
			return "", errors.New("setup cancelled")
		}
		if err == nil {
			return models[choice-1], nil
		}
		fmt.Fprintf(w.out, "Invalid choice. Please select 1-%d.\n\n", len(models))
	}
}

func (w *Wizard) readAPIKey(reader *bufio.Reader, provider string) (string, error) {
	fmt.Fprintf(w.out, "\nStep 3/3: Enter your %s API key\n", strings.Title(provider))
	fmt.Fprintln(w.out, strings.Repeat("-", 40))

	for {
		fmt.Fprintf(w.out, "Enter your %s API key: ", provider)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", errors.New("setup cancelled")
		}
		key := strings.TrimSpace(line)
		if key != "" {
			return key, nil
		}
		fmt.Fprintln(w.out, "API key cannot be empty. Please try again.")
		fmt.Fprintln(w.out)
	}
}

func readChoice(reader *bufio.Reader, max int) (int, error) {
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return 0, io.EOF
	}
	choice, convErr := strconv.Atoi(strings.TrimSpace(line))
	if convErr != nil || choice < 1 || choice > max {
		return 0, errors.New("invalid choice")
	}
	return choice, nil
}

// save writes the .env file with credentials and a .turtle/config.yaml
// with the non-secret settings.
func (w *Wizard) save(provider, model, apiKey string) error {
	var env strings.Builder
	env.WriteString("# Turtle Configuration\n")
	env.WriteString("TURTLE_PROVIDER=" + provider + "\n")
	env.WriteString("TURTLE_MODEL=" + model + "\n")
	if apiKey != "" {
		env.WriteString("TURTLE_API_KEY=" + apiKey + "\n")
	}
	if err := os.WriteFile(w.envFile, []byte(env.String()), 0600); err != nil {
		return errors.Wrapf(err, "failed to write %s", w.envFile)
	}

	if err := os.MkdirAll(w.configDir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create %s", w.configDir)
	}

	cfg := struct {
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
	}{Provider: provider, Model: model}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize configuration")
	}
	if err := os.WriteFile(w.configFile, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", w.configFile)
	}
	return nil
}

func (w *Wizard) showSuccess() {
	line := strings.Repeat("=", 50)
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, line)
	fmt.Fprintln(w.out, "Setup completed successfully!")
	fmt.Fprintln(w.out, line)
	fmt.Fprintln(w.out, "Your Turtle CLI is now configured and ready to use.")
	fmt.Fprintln(w.out, "Configuration saved to .env and .turtle/config.yaml")
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "You can start using Turtle now!")
	fmt.Fprintln(w.out, strings.Repeat("-", 50))
}
