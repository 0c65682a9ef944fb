// Package clibridge implements Minsky's CLI bridge: it derives a cobra
// command tree — one subcommand per registry.Category, one leaf per
// registry.CommandDef — directly from the shared command registry, so
// the CLI never hand-declares a flag the registry doesn't already know
// about. Uses fatih/color for styled output and a root-level
// PersistentFlags() for flags shared across every leaf (--json,
// --dry-run).
package clibridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/observability"
	"github.com/edobry/minsky/internal/registry"
)

var (
	red    = color.New(color.FgRed).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

// categoryOrder fixes the subcommand listing order to a stable,
// intentional sequence rather than map iteration order.
var categoryOrder = []registry.Category{
	registry.CategoryTasks,
	registry.CategorySession,
	registry.CategoryGit,
	registry.CategoryRules,
	registry.CategoryConfig,
	registry.CategorySessionDB,
	registry.CategoryDebug,
}

// NewRootCommand builds the full cobra tree from reg. use and short are
// the root command's own name/description (the program is not itself
// registry-driven — only its subcommands are). metrics may be nil (as
// in tests); every leaf still dispatches through reg.Execute, it just
// skips recording the invocation counter.
func NewRootCommand(reg *registry.Registry, use, short string, metrics *observability.Collector) *cobra.Command {
	root := &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("json", false, "emit structured JSON output")
	root.PersistentFlags().Bool("dry-run", false, "short-circuit before any side effect, where supported")

	for _, cat := range categoryOrder {
		defs := reg.ByCategory(cat)
		if len(defs) == 0 {
			continue
		}
		catCmd := &cobra.Command{
			Use:   string(cat),
			Short: fmt.Sprintf("%s commands", cat),
		}
		for _, def := range defs {
			catCmd.AddCommand(newLeafCommand(reg, def, metrics))
		}
		root.AddCommand(catCmd)
	}
	return root
}

// Run executes root against args and translates any errkit.Error into
// its mapped CLI exit code via os.Exit. Non-errkit errors (cobra usage
// errors, context cancellation) exit 1.
func Run(root *cobra.Command, args []string) {
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		if e, ok := errkit.As(err); ok {
			os.Exit(e.Code().ExitCode())
		}
		os.Exit(1)
	}
}

func newLeafCommand(reg *registry.Registry, def registry.CommandDef, metrics *observability.Collector) *cobra.Command {
	var positional *registry.Param
	for i := range def.Params {
		if def.Params[i].Positional {
			positional = &def.Params[i]
			break
		}
	}

	use := leafName(def.ID)
	if positional != nil {
		if positional.Required {
			use += " <" + positional.Name + ">"
		} else {
			use += " [" + positional.Name + "]"
		}
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: def.Description,
	}
	if positional != nil {
		if positional.Required {
			cmd.Args = cobra.ExactArgs(1)
		} else {
			cmd.Args = cobra.MaximumNArgs(1)
		}
	} else {
		cmd.Args = cobra.NoArgs
	}

	flagGetters := bindFlags(cmd, def.Params)

	declaresDryRun := false
	for _, p := range def.Params {
		if p.Name == "dry-run" && p.Type == registry.ParamBoolean {
			declaresDryRun = true
			break
		}
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		raw := registry.Params{}
		for name, get := range flagGetters {
			if v, ok := get(cmd); ok {
				raw[name] = v
			}
		}
		if positional != nil && len(args) == 1 {
			raw[positional.Name] = args[0]
		}

		// --dry-run short-circuits before any side effect; only commands
		// that declare a dry-run parameter honour the root's persistent
		// --dry-run flag.
		if declaresDryRun {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			if dryRun {
				fmt.Fprintln(os.Stdout, yellow("dry run: "+def.ID+" would execute with no side effects"))
				return nil
			}
		}

		ctx := context.Background()
		result, err := reg.Execute(ctx, def, raw)
		if metrics != nil {
			if err != nil {
				metrics.RecordInvocation(ctx, def.ID, "error")
			} else {
				metrics.RecordInvocation(ctx, def.ID, "ok")
			}
		}
		if err != nil {
			return err
		}
		return renderResult(cmd, result)
	}
	return cmd
}

func bindFlags(cmd *cobra.Command, params registry.ParamSchema) map[string]func(*cobra.Command) (any, bool) {
	getters := map[string]func(*cobra.Command) (any, bool){}
	for _, p := range params {
		if p.Positional {
			continue
		}
		if p.Name == "json" || p.Name == "dry-run" {
			// bound to the root's persistent flags instead of a
			// per-leaf local flag of the same name.
			continue
		}
		p := p
		switch p.Type {
		case registry.ParamBoolean:
			def, _ := p.Default.(bool)
			if p.ShortFlag != "" {
				cmd.Flags().BoolP(p.Name, p.ShortFlag, def, p.Description)
			} else {
				cmd.Flags().Bool(p.Name, def, p.Description)
			}
			getters[p.Name] = func(cmd *cobra.Command) (any, bool) {
				if !cmd.Flags().Changed(p.Name) && !p.Required {
					return nil, false
				}
				v, _ := cmd.Flags().GetBool(p.Name)
				return v, true
			}
		case registry.ParamNumber:
			def, _ := p.Default.(float64)
			if p.ShortFlag != "" {
				cmd.Flags().Float64P(p.Name, p.ShortFlag, def, p.Description)
			} else {
				cmd.Flags().Float64(p.Name, def, p.Description)
			}
			getters[p.Name] = func(cmd *cobra.Command) (any, bool) {
				if !cmd.Flags().Changed(p.Name) && !p.Required {
					return nil, false
				}
				v, _ := cmd.Flags().GetFloat64(p.Name)
				return v, true
			}
		case registry.ParamStringList:
			if p.ShortFlag != "" {
				cmd.Flags().StringSliceP(p.Name, p.ShortFlag, nil, p.Description)
			} else {
				cmd.Flags().StringSlice(p.Name, nil, p.Description)
			}
			getters[p.Name] = func(cmd *cobra.Command) (any, bool) {
				if !cmd.Flags().Changed(p.Name) && !p.Required {
					return nil, false
				}
				v, _ := cmd.Flags().GetStringSlice(p.Name)
				return v, true
			}
		default: // string, enum
			def, _ := p.Default.(string)
			if p.ShortFlag != "" {
				cmd.Flags().StringP(p.Name, p.ShortFlag, def, p.Description)
			} else {
				cmd.Flags().String(p.Name, def, p.Description)
			}
			getters[p.Name] = func(cmd *cobra.Command) (any, bool) {
				if !cmd.Flags().Changed(p.Name) && !p.Required {
					return nil, false
				}
				v, _ := cmd.Flags().GetString(p.Name)
				return v, true
			}
		}
	}
	return getters
}

func renderResult(cmd *cobra.Command, result any) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	switch v := result.(type) {
	case nil:
		fmt.Fprintln(os.Stdout, green("ok"))
	case string:
		fmt.Fprintln(os.Stdout, v)
	case fmt.Stringer:
		fmt.Fprintln(os.Stdout, v.String())
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return errkit.Internal(err)
		}
		fmt.Fprintln(os.Stdout, string(b))
	}
	return nil
}

// leafName strips the category prefix from a dotted command id
// ("tasks.get" -> "get") for use as the cobra leaf's Use name.
func leafName(id string) string {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '.' {
			return id[i+1:]
		}
	}
	return id
}
