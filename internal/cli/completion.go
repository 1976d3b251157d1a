package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var completionInstall bool

var completionCmd = &cobra.Command{
	Use:   "completion <shell>",
	Short: "Set up shell completions for obscore",
	Long: `Set up shell tab-completions for obscore commands, flags and alert IDs.

Supported shells: bash, zsh, fish, powershell

Quick install (writes the script under your home directory):

  obscore completion bash --install
  obscore completion zsh --install
  obscore completion fish --install

Or print the completion script to stdout:

  eval "$(obscore completion bash)"
  obscore completion fish | source
  obscore completion powershell | Out-String | Invoke-Expression`,
	ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
	Args:      cobra.MaximumNArgs(1),
	RunE:      runCompletion,
}

// shellCompletion knows how to generate one shell's script and where a
// user-local install puts it, relative to the home directory.
type shellCompletion struct {
	gen     func(w io.Writer) error
	target  []string
	postMsg string
}

var shells = map[string]shellCompletion{
	"bash": {
		gen:     func(w io.Writer) error { return rootCmd.GenBashCompletionV2(w, true) },
		target:  []string{".local", "share", "bash-completion", "completions", "obscore"},
		postMsg: "Restart your shell to load them.",
	},
	"zsh": {
		gen:     func(w io.Writer) error { return rootCmd.GenZshCompletion(w) },
		target:  []string{".local", "share", "zsh", "site-functions", "_obscore"},
		postMsg: "Ensure that directory is in your fpath, then run: autoload -Uz compinit && compinit",
	},
	"fish": {
		gen:     func(w io.Writer) error { return rootCmd.GenFishCompletion(w, true) },
		target:  []string{".config", "fish", "completions", "obscore.fish"},
		postMsg: "Completions will be available in new fish sessions automatically.",
	},
	"powershell": {
		gen: func(w io.Writer) error { return rootCmd.GenPowerShellCompletionWithDesc(w) },
	},
}

func init() {
	completionCmd.Flags().BoolVar(&completionInstall, "install", false,
		"Install completions under your home directory")

	// Remove Cobra's default completion command and add ours.
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(completionCmd)
}

func runCompletion(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	sh, ok := shells[args[0]]
	if !ok {
		return fmt.Errorf("unsupported shell %q (supported: bash, zsh, fish, powershell)", args[0])
	}
	if !completionInstall {
		return sh.gen(cmd.OutOrStdout())
	}
	if sh.target == nil {
		return fmt.Errorf("automatic install is not supported for %s; add the output of 'obscore completion %s' to your profile", args[0], args[0])
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("detecting home directory: %w", err)
	}
	target := filepath.Join(append([]string{home}, sh.target...)...)
	if err := writeCompletionFile(target, sh.gen); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s completions installed to %s\n%s\n", args[0], target, sh.postMsg)
	return nil
}

// writeCompletionFile creates target and its directory, and writes the
// script with genFn. Close errors are reported.
func writeCompletionFile(target string, genFn func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("creating completion directory: %w", err)
	}
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("creating completion file %s: %w", target, err)
	}

	writeErr := genFn(f)
	closeErr := f.Close()

	if writeErr != nil {
		return writeErr
	}
	if closeErr != nil {
		return fmt.Errorf("closing completion file %s: %w", target, closeErr)
	}
	return nil
}
