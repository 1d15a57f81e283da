package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cloaklabs/cloak/internal/chat"
	"github.com/cloaklabs/cloak/internal/llm"
	"github.com/cloaklabs/cloak/internal/logger"
	"github.com/cloaklabs/cloak/internal/pii"
)

const demoMessage = "Hi, my email is john.doe@example.com and my phone number is 555-123-4567. I can't log into my account."

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Walk one message through the pipeline, stage by stage",
	Long: `Demo sends a scripted account-recovery message through the full
pipeline with the simulated provider and prints every stage: the raw
input, the masked text the model would see, the session mapping, the
masked reply, and the final unmasked answer.`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The stage printout is the product here; keep logs out of it.
	log := logger.NewNop()

	registry, err := pii.NewRegistry(cfg.Privacy)
	if err != nil {
		return fmt.Errorf("failed to build detection rules: %w", err)
	}
	engine := pii.NewEngine(pii.NewDetector(registry, log), cfg.Privacy, log)
	manager := chat.NewManager(engine, llm.NewSimulatedProvider(), nil, cfg.Sessions, cfg.LLM, log)
	session := manager.Create()

	reply, err := session.Send(cmd.Context(), demoMessage)
	if err != nil {
		return fmt.Errorf("demo turn failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "=== Cloak demo: one message through the pipeline ===")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "[1] User input (raw):")
	fmt.Fprintf(out, "    %s\n\n", reply.Input)

	fmt.Fprintln(out, "[2] Masked input (what the model sees):")
	fmt.Fprintf(out, "    %s\n\n", reply.MaskedInput)

	fmt.Fprintln(out, "[3] Session mapping store:")
	mapping := session.Mapping()
	tokens := make([]string, 0, len(mapping))
	for token := range mapping {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	for _, token := range tokens {
		fmt.Fprintf(out, "    %s -> %s\n", token, mapping[token])
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "[4] Model reply (masked):")
	fmt.Fprintf(out, "    %s\n\n", reply.MaskedReply)

	fmt.Fprintln(out, "[5] Final reply (unmasked):")
	fmt.Fprintf(out, "    %s\n", reply.Final)

	return nil
}
