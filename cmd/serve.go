package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/api"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		if serveAddr != "" {
			Cfg.Server.Addr = serveAddr
		}
		if Cfg.Server.JWTKey == "" || Cfg.Server.AdminPasswordHash == "" {
			Log.Warn("admin login disabled: set JWT_KEY and ADMIN_PASSWORD_HASH to enable enrollment over HTTP")
		}

		svc, release := newService()
		defer release()

		stopSweeper, err := svc.StartSweeper()
		if err != nil {
			utils.Die("Failed to schedule upload sweeper", err, nil)
		}
		defer stopSweeper()

		fmt.Fprintf(os.Stderr, "🎓 rollcall listening on %s\n", Cfg.Server.Addr)
		if err := api.New(svc, Cfg.Server, Log).ListenAndServe(cmd.Context()); err != nil {
			utils.Die("HTTP server stopped", err, nil)
		}
		fmt.Fprintln(os.Stderr, "👋 Shut down cleanly.")
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (default from config, :8080)")
	rootCmd.AddCommand(serveCmd)
}
