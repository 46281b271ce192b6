package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/coxswain-dev/coxswain/internal/approval"
	"github.com/coxswain-dev/coxswain/internal/config"
	"github.com/coxswain-dev/coxswain/internal/doctor"
	"github.com/coxswain-dev/coxswain/internal/events"
	"github.com/coxswain-dev/coxswain/internal/executor"
	"github.com/coxswain-dev/coxswain/internal/executor/opencode"
	"github.com/coxswain-dev/coxswain/internal/logging"
	"github.com/coxswain-dev/coxswain/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates turn failures from usage and setup errors so scripts
// can tell a dead agent apart from a bad invocation.
func exitCode(err error) int {
	if executor.IsTerminal(err) {
		return 2
	}
	return 1
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	cmd := newRootCommand(cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

type runFlags struct {
	agent       string
	dir         string
	model       string
	mode        string
	autoApprove bool
	timeout     time.Duration
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "coxswain",
		Short:         "Run coding agents as supervised subprocesses",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newRunCommand(cfg, logger),
		newResumeCommand(cfg, logger),
		newStatusCommand(cfg, logger),
		newBugreportCommand(logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	return root
}

func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Start a new agent session and drive one turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return driveTurn(cmd.Context(), cfg, logger, flags, args[0], "", cmd.Flags().Changed("auto-approve"))
		},
	}
	addRunFlags(cmd, flags)
	return cmd
}

func newResumeCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "resume <session-id> <prompt>",
		Short: "Resume an existing agent session and drive one turn",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return driveTurn(cmd.Context(), cfg, logger, flags, args[1], args[0], cmd.Flags().Changed("auto-approve"))
		},
	}
	addRunFlags(cmd, flags)
	return cmd
}

func newStatusCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report agent availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bus := events.New(
				events.WithBufferSize(cfg.EventBufferSize),
				events.WithLogger(busLogger{logger}),
			)
			agent := opencode.New(opencode.Config{}, opencode.WithLogger(logger), opencode.WithBus(bus))
			manager, err := doctor.NewManager([]doctor.Probe{agent}, bus, doctor.Config{})
			if err != nil {
				return err
			}
			reports, err := manager.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, report := range reports {
				fmt.Fprintf(out, "%s\t%s\n", report.Agent, report.Availability)
			}
			return nil
		},
	}
}

func addRunFlags(cmd *cobra.Command, flags *runFlags) {
	cmd.Flags().StringVar(&flags.agent, "agent", "", "agent to run (default from config)")
	cmd.Flags().StringVar(&flags.dir, "dir", "", "working directory for the agent (default: current directory)")
	cmd.Flags().StringVar(&flags.model, "model", "", "model override")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "session mode override")
	cmd.Flags().BoolVar(&flags.autoApprove, "auto-approve", true, "approve permission requests without prompting")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "overall turn deadline (0 disables)")
}

// effectiveAutoApprove resolves the flag-versus-config precedence: a flag
// explicitly set on the command line beats the configured value, which
// beats the flag's default.
func effectiveAutoApprove(flagValue, flagSet bool, configured *bool) bool {
	if flagSet || configured == nil {
		return flagValue
	}
	return *configured
}

func driveTurn(ctx context.Context, cfg *config.Config, logger *log.Logger, flags *runFlags, prompt, sessionID string, autoApproveSet bool) error {
	agentCfg, err := cfg.ResolveAgent(flags.agent)
	if err != nil {
		return err
	}

	dir := strings.TrimSpace(flags.dir)
	if dir == "" {
		dir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
	}

	runCfg := opencode.Config{
		Model:            agentCfg.Model,
		Mode:             agentCfg.Mode,
		AutoApprove:      effectiveAutoApprove(flags.autoApprove, autoApproveSet, agentCfg.AutoApprove),
		AppendPrompt:     agentCfg.AppendPrompt,
		HandshakeTimeout: cfg.HandshakeTimeout,
		SessionTimeout:   cfg.SessionTimeout,
		TeardownGrace:    cfg.TeardownGrace,
	}
	if flags.model != "" {
		runCfg.Model = flags.model
	}
	if flags.mode != "" {
		runCfg.Mode = flags.mode
	}
	if agentCfg.BaseCommand != "" {
		runCfg.Overrides.Program = agentCfg.BaseCommand
	}
	runCfg.Overrides.ExtraArgs = agentCfg.ExtraArgs
	runCfg.Overrides.Env = agentCfg.Env

	bus := events.New(
		events.WithBufferSize(cfg.EventBufferSize),
		events.WithLogger(busLogger{logger}),
	)
	subscribeOutput(bus)

	if !runCfg.AutoApprove {
		gate := approval.NewGate(cfg.EventBufferSize)
		go answerApprovals(ctx, gate)
		runCfg.Approvals = gate
	}

	if flags.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.timeout)
		defer cancel()
	}

	agent := opencode.New(runCfg, opencode.WithLogger(logger), opencode.WithBus(bus))
	env := executor.EnvFromMap(nil)

	var turn *executor.Turn
	if sessionID == "" {
		turn, err = agent.Spawn(ctx, dir, prompt, env)
	} else {
		turn, err = agent.SpawnFollowUp(ctx, dir, prompt, sessionID, env)
	}
	if err != nil {
		return err
	}

	fmt.Printf("\nsession: %s\nstop reason: %s\nduration: %s\n", turn.SessionID, turn.StopReason, turn.Duration.Round(time.Millisecond))
	return nil
}

// subscribeOutput streams agent content and tool-call progress to stdout.
func subscribeOutput(bus events.Bus) {
	bus.Subscribe(events.EventTypeContentDelta, func(event events.Event) {
		payload, ok := event.Payload.(map[string]any)
		if !ok {
			return
		}
		if stream, _ := payload["stream"].(string); stream == "agent_thought_chunk" {
			return
		}
		if text, _ := payload["text"].(string); text != "" {
			fmt.Print(text)
		}
	})
	bus.Subscribe(events.EventTypeToolCall, func(event events.Event) {
		payload, ok := event.Payload.(map[string]any)
		if !ok {
			return
		}
		title, _ := payload["title"].(string)
		status, _ := payload["status"].(string)
		if title != "" {
			fmt.Fprintf(os.Stderr, "[tool] %s %s\n", title, status)
		}
	})
}

// answerApprovals prompts on the terminal for every pending permission
// request and feeds the answer back through the gate.
func answerApprovals(ctx context.Context, gate *approval.Gate) {
	reader := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return
		case request, ok := <-gate.Requests():
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "\npermission requested: %s (%s)\nallow? [y]es / [n]o / [a]lways: ", request.Title, request.Kind)
			line, err := reader.ReadString('\n')
			if err != nil {
				_ = gate.Respond(approval.DecisionDeny)
				continue
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				_ = gate.Respond(approval.DecisionAllow)
			case "a", "always":
				_ = gate.Respond(approval.DecisionAllowForSession)
			default:
				_ = gate.Respond(approval.DecisionDeny)
			}
		}
	}
}

// busLogger adapts the structured logger to the bus drop-warning hook.
type busLogger struct {
	logger *log.Logger
}

func (b busLogger) Printf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Warnf(format, args...)
}
