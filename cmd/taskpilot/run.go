package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"taskpilot/config"
	"taskpilot/internal/agent/core"
	"taskpilot/internal/agent/telemetry"
	"taskpilot/internal/reporter"
	"taskpilot/internal/tools"
)

// runCMD processes a single request from the command line, prompting on the
// terminal for any step that needs approval.
func runCMD() *cobra.Command {
	var cfgPath string
	var yes bool
	run := &cobra.Command{
		Use:   "run [request]",
		Short: "Process one request and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			request := strings.Join(args, " ")
			ctx := cmd.Context()

			llm, err := core.NewLLMProvider(cfg.LLM)
			if err != nil {
				return err
			}
			catalog := tools.NewDefaultRegistry(cfg.Tools)
			for name, mcp := range cfg.Tools.MCPServers {
				bridge, err := tools.StartStdioBridge(ctx, mcp.Command, mcp.Args...)
				if err != nil {
					return fmt.Errorf("start tool server %s: %w", name, err)
				}
				defer bridge.Close()
				catalog.RegisterBridge(name, bridge)
			}
			tele := telemetry.NewTelemetry(cfg.Telemetry)
			defer tele.Shutdown()

			agent := core.NewAgent(cfg, llm, catalog, reporter.NewLogReporter(), tele)

			approve := terminalApproval(yes)
			outcome, err := agent.ProcessRequest(ctx, "", request, nil, nil, approve)
			if err != nil {
				return err
			}
			if !outcome.Plan.IsConversational() {
				fmt.Printf("\n%d of %d steps completed", outcome.Result.StepsCompleted, len(outcome.Plan.Steps))
				if outcome.Result.StepsFailed > 0 {
					fmt.Printf(", %d failed", outcome.Result.StepsFailed)
				}
				fmt.Println()
			}
			fmt.Println(outcome.Result.FinalOutput)
			return nil
		},
	}
	run.Flags().BoolVarP(&yes, "yes", "y", false, "approve every gated step without prompting")
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return run
}

func terminalApproval(autoYes bool) core.ApprovalFunc {
	reader := bufio.NewReader(os.Stdin)
	return func(ctx context.Context, step *core.AgentStep) (bool, error) {
		if autoYes {
			return true, nil
		}
		fmt.Printf("\nApprove step %q (%s)? [y/N] ", step.Description, step.Tool)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false, nil
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	}
}
