package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/entityflow/internal/proxy"
)

// GenOptions holds flags for the gen command.
type GenOptions struct {
	*RootOptions
	Dir       string
	Interface string
	Entity    string
	Out       string
}

// NewGenCommand creates the gen command.
func NewGenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a typed entity proxy",
		Long: `Generate a typed proxy for an entity interface.

The package in --dir is type-checked. The entity name is taken from the one
type in the package implementing the interface's methods unless --entity is
set. Methods without results become signals, the others calls.

Intended for go:generate:
  //go:generate go run github.com/roach88/entityflow/cmd/entityflow gen --interface ICounter --out counter_proxy.go`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateProxy(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", ".", "directory of the package declaring the interface")
	cmd.Flags().StringVar(&opts.Interface, "interface", "", "entity interface name (required)")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "entity name (default: derived from the implementing type)")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "output file, relative to --dir (default stdout)")
	_ = cmd.MarkFlagRequired("interface")

	return cmd
}

func generateProxy(opts *GenOptions, cmd *cobra.Command) error {
	src, err := proxy.Generate(proxy.GenerateOptions{
		Dir:        opts.Dir,
		Interface:  opts.Interface,
		EntityName: opts.Entity,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to generate proxy", err)
	}

	if opts.Out == "" {
		_, err := cmd.OutOrStdout().Write(src)
		return err
	}

	path := opts.Out
	if !filepath.IsAbs(path) {
		path = filepath.Join(opts.Dir, path)
	}
	if err := os.WriteFile(path, src, 0o644); err != nil {
		return WrapExitError(ExitCommandError, "failed to write proxy", err)
	}
	if opts.Verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", path)
	}
	return nil
}
