// Init command for the cellmirror CLI.
package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type initResult struct {
	ConfigDir string `json:"config_dir"`
	Root      string `json:"root"`
	Manifest  string `json:"manifest"`
	Created   bool   `json:"created"`
}

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the mirror root and an empty manifest",
		Long:  "Create the configuration directory, the mirror root and an empty manifest. Running init on an existing mirror changes nothing.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()

			created, err := s.mirror.Init(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialize mirror: %w", err)
			}
			res := initResult{
				ConfigDir: a.configDir,
				Root:      a.cfg.Root,
				Manifest:  s.mirror.ManifestPath(),
				Created:   created,
			}
			return a.printer().print(res, func(w io.Writer) error {
				if created {
					fmt.Fprintln(w, "Mirror initialized")
				} else {
					fmt.Fprintln(w, "Mirror already initialized")
				}
				fmt.Fprintln(w, "  config:", res.ConfigDir)
				fmt.Fprintln(w, "  root:  ", res.Root)
				return nil
			})
		},
	}
}
