package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear the disk caches",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Print disk cache sizes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				e, err := a.engine()
				if err != nil {
					return err
				}
				defer a.closeEngine(e)

				w := out(cmd)
				fmt.Fprintf(w, "dir:       %s\n", a.cfg.Cache.Dir)
				if dc := e.DownloadCache(); dc != nil {
					fmt.Fprintf(w, "downloads: %d entries, %d/%d bytes\n", dc.Len(), dc.Size(), dc.MaxSize())
				} else {
					fmt.Fprintln(w, "downloads: disabled")
				}
				if rc := e.ResultCache(); rc != nil {
					fmt.Fprintf(w, "results:   %d entries, %d/%d bytes\n", rc.Len(), rc.Size(), rc.MaxSize())
				} else {
					fmt.Fprintln(w, "results:   disabled")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every disk cache entry",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				e, err := a.engine()
				if err != nil {
					return err
				}
				defer a.closeEngine(e)

				if err := e.ClearDiskCaches(); err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "cleared %s\n", a.cfg.Cache.Dir)
				return nil
			},
		},
	)
	return cmd
}
