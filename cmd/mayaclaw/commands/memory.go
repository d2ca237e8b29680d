package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/memory"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/workspace"
)

// newMemoryCmd creates the `mayaclaw memory` command group.
func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Read and append to workspace memory",
		Long: `Each workspace keeps a long-term memory document that accompanies every
reply. Notes are appended as dated bullets.

Examples:
  mayaclaw memory show family
  mayaclaw memory add personal "Prefers answers in Portuguese"`,
	}
	cmd.AddCommand(newMemoryShowCmd(), newMemoryAddCmd())
	return cmd
}

func newMemoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [workspace]",
		Short: "Print a workspace's memory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				h, err := a.handle(firstArg(args))
				if err != nil {
					return err
				}
				doc, err := h.Store.ReadMemory(ctx)
				if err != nil {
					return err
				}
				if strings.TrimSpace(doc.Text) == "" {
					fmt.Printf("Memory of %s is empty.\n", h.Name)
					return nil
				}
				fmt.Println(dimStyle.Render(fmt.Sprintf("%s · v%d · %d chars", h.Name, doc.Version, len(doc.Text))))
				fmt.Println(doc.Text)
				return nil
			})
		},
	}
}

func newMemoryAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <workspace> <note...>",
		Short: "Append a note to a workspace's memory",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				h, err := a.handle(args[0])
				if err != nil {
					return err
				}
				doc, err := h.Store.AppendMemory(ctx, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				fmt.Printf("Saved to %s memory (v%d).\n", h.Name, doc.Version)

				threshold := h.Config.CompactionThreshold
				if threshold <= 0 {
					threshold = a.cfg.Memory.ThresholdChars
				}
				if utf8.RuneCountInString(doc.Text) <= threshold {
					return nil
				}
				res, err := a.compactor(a.generator()).MaybeCompact(ctx, h.Store, threshold)
				if err != nil {
					return fmt.Errorf("compact %s: %w", h.Name, err)
				}
				if res.Status == memory.Compacted {
					fmt.Printf("Memory of %s compacted (%d → %d chars, v%d).\n", h.Name, res.Before, res.After, res.Version)
				}
				return nil
			})
		},
	}
}

// newCompactCmd creates the `mayaclaw compact` command.
func newCompactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact [workspace]",
		Short: "Summarize a workspace's memory into a shorter version",
		Long: `Preview a compaction of a workspace's memory and apply it on
confirmation. With --all, every workspace over its threshold is compacted
without a preview, as the nightly job does.

Examples:
  mayaclaw compact family
  mayaclaw compact family --yes
  mayaclaw compact --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCompact,
	}
	cmd.Flags().BoolP("yes", "y", false, "apply without asking")
	cmd.Flags().Bool("all", false, "compact every workspace over its threshold")
	return cmd
}

func runCompact(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	all, _ := cmd.Flags().GetBool("all")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		compactor := a.compactor(a.generator())

		if all {
			for _, info := range a.registry.List() {
				h, err := a.registry.Handle(info.Name)
				if err != nil {
					return err
				}
				res, err := compactor.MaybeCompact(ctx, h.Store, h.Config.CompactionThreshold)
				if err != nil {
					return fmt.Errorf("%s: %w", info.Name, err)
				}
				fmt.Printf("%-12s %s (%d → %d chars)\n", info.Name, res.Status, res.Before, res.After)
			}
			return nil
		}

		h, err := a.handle(firstArg(args))
		if err != nil {
			return err
		}
		preview, err := compactor.Preview(ctx, h.Store)
		if errors.Is(err, memory.ErrNothingToCompact) {
			fmt.Printf("Memory of %s is too small to compact.\n", h.Name)
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Println(headerStyle.Render("Compaction preview: " + h.Name))
		fmt.Println(dimStyle.Render(preview.Summary()))
		fmt.Println()
		fmt.Println(preview.Candidate)
		fmt.Println()

		if !yes {
			if !isatty.IsTerminal(os.Stdin.Fd()) {
				fmt.Println("Not applied. Re-run with --yes to apply.")
				return nil
			}
			if err := huh.NewConfirm().Title("Apply this compaction?").Value(&yes).Run(); err != nil {
				return err
			}
			if !yes {
				fmt.Println("Not applied.")
				return nil
			}
		}

		res, err := compactor.Commit(ctx, h.Store, preview)
		if errors.Is(err, workspace.ErrConcurrentModification) {
			return errors.New("memory changed since the preview, run compact again")
		}
		if err != nil {
			return err
		}
		fmt.Printf("Memory of %s compacted (v%d).\n", h.Name, res.Version)
		return nil
	})
}
