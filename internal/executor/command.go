package executor

import (
	"strings"
)

// CommandSpec is one resolved OS invocation: program, ordered arguments,
// working directory, and environment. Built once per spawn and immutable
// thereafter; owned exclusively by the spawn that created it.
type CommandSpec struct {
	Program string
	Args    []string
	Dir     string
	Env     *Env
}

// Overrides adjusts a base invocation without silently dropping defaults.
// ExtraArgs always append; Program, when set, replaces the program name.
type Overrides struct {
	Program   string
	ExtraArgs []string
	Dir       string
	Env       map[string]string
}

// CommandBuilder merges a base invocation with fixed protocol-entry
// parameters and caller overrides into a CommandSpec.
type CommandBuilder struct {
	base      string
	params    []string
	overrides Overrides
}

// NewCommandBuilder starts a builder from a base invocation string such as
// "npx -y opencode-ai@latest". The first field is the program; the rest
// become leading arguments.
func NewCommandBuilder(base string) *CommandBuilder {
	return &CommandBuilder{base: base}
}

// ExtendParams appends fixed parameters placed after the base invocation
// and before any override arguments, such as a protocol-entry subcommand.
func (b *CommandBuilder) ExtendParams(params ...string) *CommandBuilder {
	b.params = append(b.params, params...)
	return b
}

// ApplyOverrides records caller overrides merged at build time.
func (b *CommandBuilder) ApplyOverrides(overrides Overrides) *CommandBuilder {
	b.overrides = overrides
	return b
}

// BuildInitial produces the full invocation for a brand-new turn.
func (b *CommandBuilder) BuildInitial() (CommandSpec, error) {
	return b.build(nil)
}

// BuildFollowUp produces the invocation for resuming an existing session.
// resumeArgs carry CLI-flag-driven resumption for agents that need it; for
// agents that resume purely in-band an empty resumeArgs yields a spec
// argument-identical to BuildInitial.
func (b *CommandBuilder) BuildFollowUp(resumeArgs []string) (CommandSpec, error) {
	return b.build(resumeArgs)
}

func (b *CommandBuilder) build(resumeArgs []string) (CommandSpec, error) {
	if b == nil {
		return CommandSpec{}, &ConfigurationError{Reason: "command builder is nil"}
	}

	program, baseArgs := splitInvocation(b.base)
	if override := strings.TrimSpace(b.overrides.Program); override != "" {
		program, baseArgs = splitInvocation(override)
	}
	if program == "" {
		return CommandSpec{}, &ConfigurationError{Reason: "merged program resolves to an empty string"}
	}

	args := make([]string, 0, len(baseArgs)+len(b.params)+len(resumeArgs)+len(b.overrides.ExtraArgs))
	args = append(args, baseArgs...)
	args = append(args, b.params...)
	args = append(args, resumeArgs...)
	args = append(args, b.overrides.ExtraArgs...)

	return CommandSpec{
		Program: program,
		Args:    args,
		Dir:     strings.TrimSpace(b.overrides.Dir),
		Env:     EnvFromMap(b.overrides.Env),
	}, nil
}

func splitInvocation(invocation string) (string, []string) {
	fields := strings.Fields(invocation)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
