package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/api"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var hashPasswordCmd = &cobra.Command{
	Use:         "hash-password [password]",
	Short:       "Print a bcrypt hash for ADMIN_PASSWORD_HASH",
	Long:        "Hashes the given password, or the first line of stdin when none is given.",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{"db": "none"},
	Run: func(cmd *cobra.Command, args []string) {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				utils.Die("Failed to read password from stdin", err, nil)
			}
			password = strings.TrimRight(line, "\r\n")
		}
		if password == "" {
			utils.Die("Refusing to hash an empty password", errors.New("empty password"), nil)
		}

		hash, err := api.HashPassword(password)
		if err != nil {
			utils.Die("Failed to hash password", err, nil)
		}
		fmt.Println(hash)
	},
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}
