package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloaklabs/cloak/internal/chat"
	"github.com/cloaklabs/cloak/internal/llm"
	"github.com/cloaklabs/cloak/internal/pii"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive masked chat session in the terminal",
	Long: `Chat runs a conversation against the configured provider. Everything
you type is masked before it leaves the process; replies are unmasked
before they are printed.

Inside the loop:
  quit    exit the session
  show    print the current token mapping
  clear   reset the session, dropping mapping and history`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Keep the terminal clean unless the operator asked for logs.
	if logLevel == "" {
		cfg.Logging.Level = "warn"
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	registry, err := pii.NewRegistry(cfg.Privacy)
	if err != nil {
		return fmt.Errorf("failed to build detection rules: %w", err)
	}
	engine := pii.NewEngine(pii.NewDetector(registry, log), cfg.Privacy, log)
	provider := llm.New(cfg.LLM, log)
	manager := chat.NewManager(engine, provider, nil, cfg.Sessions, cfg.LLM, log)
	session := manager.Create()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "=== Cloak Chat (PII-shielded) ===")
	if provider.Name() == "simulated" {
		fmt.Fprintf(out, "Using simulated replies. Set %s for live answers.\n", cfg.LLM.APIKeyEnv)
	} else {
		fmt.Fprintf(out, "Using %s (%s)\n", provider.Name(), cfg.LLM.Model)
	}
	fmt.Fprintln(out, "Type 'quit' to exit, 'show' to see the token mapping, 'clear' to reset the session.")
	fmt.Fprintln(out)

	return chatLoop(cmd.Context(), cmd.InOrStdin(), out, session)
}

func chatLoop(ctx context.Context, in io.Reader, out io.Writer, session *chat.Session) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "You: ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch strings.ToLower(line) {
		case "quit":
			return nil
		case "show":
			printMapping(out, session.Mapping())
			continue
		case "clear":
			session.Reset()
			fmt.Fprintln(out, "(session cleared)")
			fmt.Fprintln(out)
			continue
		}

		reply, err := session.Send(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "(error: %v)\n\n", err)
			continue
		}
		fmt.Fprintf(out, "Bot: %s\n\n", reply.Final)
	}
}

func printMapping(out io.Writer, mapping map[string]string) {
	if len(mapping) == 0 {
		fmt.Fprintln(out, "(no PII detected yet)")
		fmt.Fprintln(out)
		return
	}

	fmt.Fprintln(out, "--- Current token mapping ---")
	tokens := make([]string, 0, len(mapping))
	for token := range mapping {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	for _, token := range tokens {
		fmt.Fprintf(out, "  %s -> %s\n", token, mapping[token])
	}
	fmt.Fprintln(out)
}
