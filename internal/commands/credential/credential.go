// Copyright 2026 Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package credential implements the loom credential subcommands.
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/loomworks/loom/internal/commands/shared"
	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/pkg/value"
)

var (
	credStore  string
	credScope  string
	credFlow   string
	credUser   string
	credForce  bool
	credUnmask bool
)

// NewCommand creates the credential command tree.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage workflow credentials",
		Long: `Store, inspect and remove the credentials workflows reference by ID.

Secrets are sealed with an authenticated cipher before they reach the
store; the sealing key lives in the OS keyring-protected config
directory or in LOOM_CREDENTIAL_KEY.

Examples:
  loom credential set github-token --flow bearer
  loom credential set registry --flow basic --username deploy
  loom credential get github-token
  loom credential list
  loom credential delete github-token`,
	}

	cmd.PersistentFlags().StringVar(&credStore, "store", "keyring", "Store backend (keyring, file, sqlite)")

	cmd.AddCommand(newSetCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newDeleteCommand())

	return cmd
}

func newSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Store a credential",
		Long: `Store a credential under the given ID.

The secret is read from an interactive hidden prompt, or from stdin
when piped:
  echo "s3cret" | loom credential set github-token --flow bearer

Flows:
  bearer    a single token (default)
  basic     username and password for HTTP basic auth
  password  a bare secret with an optional username`,
		Args: cobra.ExactArgs(1),
		RunE: runSet,
	}

	cmd.Flags().StringVar(&credScope, "scope", "", "Scope path, e.g. org:acme/team:eng (default: global)")
	cmd.Flags().StringVar(&credFlow, "flow", "bearer", "Credential flow (bearer, basic, password)")
	cmd.Flags().StringVar(&credUser, "username", "", "Username for basic and password flows")

	return cmd
}

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Resolve a credential to a token",
		Long: `Resolve a credential and print its token. The secret is masked
unless --unmask is given.`,
		Args: cobra.ExactArgs(1),
		RunE: runGet,
	}

	cmd.Flags().StringVar(&credScope, "scope", "", "Caller scope for the lookup")
	cmd.Flags().BoolVar(&credUnmask, "unmask", false, "Print the full secret")

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored credentials",
		Long:  `List credential IDs, scopes and flows. Secret values are never shown.`,
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
}

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a credential",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}

	cmd.Flags().StringVar(&credScope, "scope", "", "Caller scope for the deletion")
	cmd.Flags().BoolVar(&credForce, "force", false, "Skip the confirmation prompt")

	return cmd
}

func runSet(cmd *cobra.Command, args []string) error {
	id := args[0]

	scope, err := credential.ParseScope(credScope)
	if err != nil {
		return shared.NewBadInputError("invalid scope", err)
	}

	kind := credential.FlowKind(credFlow)
	input := map[string]value.Value{}

	switch kind {
	case credential.FlowBearer:
		secret, err := readSecret("Enter token (hidden): ")
		if err != nil {
			return err
		}
		input["token"] = value.Text(secret)
	case credential.FlowBasic:
		username := credUser
		if username == "" {
			fmt.Fprint(cmd.OutOrStdout(), "Username: ")
			if _, err := fmt.Fscanln(cmd.InOrStdin(), &username); err != nil {
				return shared.NewBadInputError("read username", err)
			}
		}
		secret, err := readSecret("Enter password (hidden): ")
		if err != nil {
			return err
		}
		input["username"] = value.Text(username)
		input["password"] = value.Text(secret)
	case credential.FlowPassword:
		secret, err := readSecret("Enter secret (hidden): ")
		if err != nil {
			return err
		}
		input["password"] = value.Text(secret)
		if credUser != "" {
			input["username"] = value.Text(credUser)
		}
	default:
		return shared.NewBadInputError(
			fmt.Sprintf("unsupported flow %q (expected bearer, basic or password)", credFlow), nil)
	}

	mgr, err := OpenManager(credStore, quietLogger())
	if err != nil {
		return shared.NewBadInputError("open credential store", err)
	}
	defer mgr.Close()

	init, err := mgr.Initialize(context.Background(), id, scope, kind, input, nil)
	if err != nil {
		return shared.NewExecutionError("store credential", err)
	}
	if init.Status == credential.InitPendingInteraction && init.Interaction != nil {
		cmd.Printf("Complete the flow at: %s\n", init.Interaction.URL)
		return nil
	}

	cmd.Printf("Credential %q stored (%s flow)\n", id, kind)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	id := args[0]

	scope, err := credential.ParseScope(credScope)
	if err != nil {
		return shared.NewBadInputError("invalid scope", err)
	}

	mgr, err := OpenManager(credStore, quietLogger())
	if err != nil {
		return shared.NewBadInputError("open credential store", err)
	}
	defer mgr.Close()

	token, err := mgr.GetToken(context.Background(), id, scope)
	if err != nil {
		return shared.NewExecutionError("resolve credential", err)
	}

	secret := token.Secret.Reveal()
	if credUnmask {
		cmd.Println(secret)
		return nil
	}
	cmd.Printf("%s (use --unmask to print the full secret)\n", mask(secret))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	mgr, err := OpenManager(credStore, quietLogger())
	if err != nil {
		return shared.NewBadInputError("open credential store", err)
	}
	defer mgr.Close()

	records, err := mgr.List(context.Background())
	if err != nil {
		return shared.NewExecutionError("list credentials", err)
	}

	if shared.GetJSON() {
		type entry struct {
			ID    string `json:"id"`
			Scope string `json:"scope"`
			Flow  string `json:"flow"`
		}
		entries := make([]entry, 0, len(records))
		for _, rec := range records {
			entries = append(entries, entry{ID: rec.ID, Scope: string(rec.Scope), Flow: string(rec.Flow)})
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	}

	if len(records) == 0 {
		cmd.Println("No credentials stored")
		return nil
	}

	cmd.Printf("%-30s %-25s %s\n", "ID", "SCOPE", "FLOW")
	cmd.Println(strings.Repeat("-", 64))
	for _, rec := range records {
		scope := string(rec.Scope)
		if scope == "" {
			scope = "(global)"
		}
		cmd.Printf("%-30s %-25s %s\n", rec.ID, scope, rec.Flow)
	}
	cmd.Printf("\nTotal: %d credential(s)\n", len(records))
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	id := args[0]

	if !credForce {
		fmt.Fprintf(cmd.OutOrStdout(), "Delete credential %q? [y/N]: ", id)
		var response string
		fmt.Fscanln(cmd.InOrStdin(), &response)
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			cmd.Println("Deletion cancelled")
			return nil
		}
	}

	scope, err := credential.ParseScope(credScope)
	if err != nil {
		return shared.NewBadInputError("invalid scope", err)
	}

	mgr, err := OpenManager(credStore, quietLogger())
	if err != nil {
		return shared.NewBadInputError("open credential store", err)
	}
	defer mgr.Close()

	if err := mgr.Delete(context.Background(), id, scope); err != nil {
		return shared.NewExecutionError("delete credential", err)
	}

	cmd.Printf("Credential %q deleted\n", id)
	return nil
}

// readSecret reads a secret from stdin when piped, otherwise from a
// hidden terminal prompt.
func readSecret(prompt string) (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}

	if (stat.Mode() & os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if len(secret) == 0 {
		return "", shared.NewBadInputError("secret value cannot be empty", nil)
	}
	return string(secret), nil
}

// mask shortens a secret for display.
func mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// quietLogger keeps manager internals off the CLI's stdout.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
