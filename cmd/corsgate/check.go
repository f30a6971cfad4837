package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bethel-nz/corsgate/internal/config"
	"github.com/bethel-nz/corsgate/internal/cors"
	"github.com/spf13/cobra"
)

var errDenied = errors.New("one or more origins denied")

func newCheckCmd() *cobra.Command {
	var domains, configFile string
	cmd := &cobra.Command{
		Use:   "check ORIGIN...",
		Short: "Report whether each origin would be allowed",
		Long: "check compiles the allowlist (from --domains, or the same config the\n" +
			"serve command would load) and prints allowed/denied for every origin.\n" +
			"It exits non-zero if any origin is denied.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := cors.Settings{AllowedDomains: domains}
			if domains == "" {
				cfg, err := config.Load(config.Path(configFile))
				if err != nil {
					return err
				}
				settings = cfg.CORS()
			}
			corsCfg, err := cors.NewConfig(settings)
			if err != nil {
				return err
			}
			return runCheck(cmd.OutOrStdout(), cors.NewEngine(corsCfg), args)
		},
	}
	cmd.Flags().StringVar(&domains, "domains", "", "Comma-separated allowlist to test against")
	cmd.Flags().StringVar(&configFile, "config", "", "TOML config file")
	return cmd
}

// runCheck decides a synthetic GET for every origin.
func runCheck(out io.Writer, engine *cors.Engine, origins []string) error {
	denied := 0
	for _, origin := range origins {
		r, err := http.NewRequest(http.MethodGet, "/", nil)
		if err != nil {
			return err
		}
		r.Header.Set("Origin", origin)
		d := engine.Decide(r)
		verdict := "allowed"
		if !d.Allowed {
			verdict = "denied"
			denied++
		}
		fmt.Fprintf(out, "%-8s %s (%s)\n", verdict, origin, d.Reason)
	}
	if denied > 0 {
		return errDenied
	}
	return nil
}
