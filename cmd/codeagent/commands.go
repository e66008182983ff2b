package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/epuerta/codeagent/internal/executor"
	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/policy"
	"github.com/epuerta/codeagent/internal/versions"
)

// runCmd executes a file, or stdin, through the executor
func runCmd() *cobra.Command {
	var (
		language string
		timeout  int
		memory   int
		intent   string
		paths    []string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "run [file|-]",
		Short: "Execute code under the configured security policy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := "-"
			if len(args) == 1 {
				src = args[0]
			}
			code, err := readSource(cmd.InOrStdin(), src)
			if err != nil {
				return err
			}
			if language == "" {
				if src == "-" {
					return errors.New("--language is required when reading from stdin")
				}
				language = strings.TrimPrefix(filepath.Ext(src), ".")
			}

			app, err := NewApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			res := app.Service.Execute(cmd.Context(), executor.Request{
				Code:           code,
				Language:       language,
				TimeoutSeconds: timeout,
				MemoryMB:       memory,
				Intent:         intent,
				Paths:          paths,
			})

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
				fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
			}

			switch {
			case res.Status == model.StatusCompleted && res.ExitCode == 0:
				return nil
			case res.Status == model.StatusCompleted || res.Status == model.StatusRuntimeError:
				return &exitError{code: exitCodeOf(res.ExitCode)}
			default:
				if !asJSON {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", res.Status, res.Error)
					if len(res.MatchedPatterns) > 0 {
						fmt.Fprintf(cmd.ErrOrStderr(), "matched patterns: %s\n", strings.Join(res.MatchedPatterns, ", "))
					}
				}
				return &exitError{code: 2}
			}
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "Language of the code (default: from the file extension)")
	cmd.Flags().IntVarP(&timeout, "timeout", "t", 0, "Timeout in seconds, at most the policy limit")
	cmd.Flags().IntVar(&memory, "memory", 0, "Memory limit in MB, at most the policy limit")
	cmd.Flags().StringVar(&intent, "intent", string(model.IntentRunCode), "Declared intent of the code")
	cmd.Flags().StringArrayVarP(&paths, "path", "p", nil, "Project file the code may change; snapshotted before it runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full execution result as JSON")
	return cmd
}

func readSource(stdin io.Reader, src string) (string, error) {
	var data []byte
	var err error
	if src == "-" {
		data, err = io.ReadAll(io.LimitReader(stdin, policy.MaxCodeBytes+1))
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read code: %w", err)
	}
	return string(data), nil
}

func exitCodeOf(code int) int {
	if code <= 0 || code > 255 {
		return 1
	}
	return code
}

// rollbackCmd restores a file from its snapshots
func rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <path> [snapshot-id]",
		Short: "Restore a file from a snapshot (default: the latest differing one)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := versions.Latest
			if len(args) == 2 {
				id = args[1]
			}
			app, err := NewApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			op, err := app.Service.Rollback(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			if !op.Restored {
				fmt.Fprintf(cmd.OutOrStdout(), "No earlier version of %s to restore\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s\n", args[0])
			if op.Diff != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%s", op.Diff)
			}
			return nil
		},
	}
}

// historyCmd lists the snapshots of a file
func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <path>",
		Short: "List the snapshots of a file, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			files := app.Service.Files()
			abs, err := files.Resolve(args[0])
			if err != nil {
				return err
			}
			history, err := files.Store().History(abs)
			if err != nil {
				return err
			}
			if len(history) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No snapshots of %s\n", args[0])
				return nil
			}

			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCAPTURED\tAGE\tEXISTED\tSIZE\tSHA256")
			for _, s := range history {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%.12s\n",
					s.ID, s.CapturedAt.Format(time.RFC3339), s.Age(now).Round(time.Second), s.Existed, s.Size(), s.ContentHash)
			}
			return w.Flush()
		},
	}
}

// diffCmd shows what changed since the latest snapshot
func diffCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "diff <path>",
		Short: "Show changes since the latest snapshot, or between two snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			files := app.Service.Files()
			abs, err := files.Resolve(args[0])
			if err != nil {
				return err
			}
			var diff string
			if from != "" || to != "" {
				if from == "" || to == "" {
					return errors.New("--from and --to must be given together")
				}
				diff, err = files.Store().DiffSnapshots(abs, from, to)
			} else {
				diff, err = files.Store().Diff(abs)
			}
			if err != nil {
				return err
			}
			if diff == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No changes")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), diff)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Snapshot to diff from")
	cmd.Flags().StringVar(&to, "to", "", "Snapshot to diff to")
	return cmd
}

// backendsCmd reports backend availability and the selection order
func backendsCmd() *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "Show which execution backends are available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BACKEND\tAVAILABLE\tLANGUAGES\tREASON")
			for _, st := range app.Service.Backends(cmd.Context()) {
				langs := make([]string, len(st.Languages))
				for i, l := range st.Languages {
					langs[i] = string(l)
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", st.Name, st.Available, strings.Join(langs, ","), st.Reason)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if language != "" {
				lang, err := model.ParseLanguage(language)
				if err != nil {
					return err
				}
				order := app.Service.Order(lang)
				fmt.Fprintf(cmd.OutOrStdout(), "\nOrder for %s at %s: %s\n", lang, app.Service.Policy().Level, strings.Join(order, " -> "))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "Also print the backend order for this language")
	return cmd
}

// policyCmd groups the policy document helpers
func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Create, validate and test security policies",
	}

	var format string
	template := &cobra.Command{
		Use:   "template",
		Short: "Print a policy template based on the moderate level",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := policy.Template(format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(data, '\n'))
			return err
		},
	}
	template.Flags().StringVarP(&format, "format", "f", "json", "Output format: json or yaml")

	validate := &cobra.Command{
		Use:   "validate <policy-file>",
		Short: "Load a policy document and report problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policy.Load(args[0])
			if err != nil {
				return err
			}
			issues := policy.Validate(p)
			if len(issues) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: valid %s policy\n", args[0], p.Level)
				return nil
			}
			for _, issue := range issues {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], issue)
			}
			return &exitError{code: 1}
		},
	}

	var language string
	check := &cobra.Command{
		Use:   "check [file|-]",
		Short: "Evaluate code against the configured policy without running it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := "-"
			if len(args) == 1 {
				src = args[0]
			}
			code, err := readSource(cmd.InOrStdin(), src)
			if err != nil {
				return err
			}
			if language == "" && src != "-" {
				language = strings.TrimPrefix(filepath.Ext(src), ".")
			}
			lang, err := model.ParseLanguage(language)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			level, _ := model.ParseSecurityLevel(cfg.SecurityLevel)
			p, err := policy.Resolve(level, cfg.SecurityPolicyFile)
			if err != nil {
				return err
			}

			verdict := policy.Evaluate(model.CodeBlock{Content: code, Language: lang}, p.Level, p)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(verdict); err != nil {
				return err
			}
			if !verdict.Allowed {
				return &exitError{code: 2}
			}
			return nil
		},
	}
	check.Flags().StringVarP(&language, "language", "l", "", "Language of the code (default: from the file extension)")

	cmd.AddCommand(template, validate, check)
	return cmd
}

// toolCmd exposes the agent function registry
func toolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "List or call the functions offered to an agent",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print the tool definitions as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(app.Functions.Definitions())
		},
	}

	call := &cobra.Command{
		Use:   "call <name> [json-args]",
		Short: "Call a tool with JSON arguments",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			var input string
			if len(args) == 2 {
				input = args[1]
			}
			out, err := app.Functions.Call(cmd.Context(), args[0], input)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.AddCommand(list, call)
	return cmd
}
