package cmd

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pivaldi/dpqmesh/internal/identity"
	"github.com/pivaldi/dpqmesh/internal/node"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage Dilithium chat identities",
}

var identityGenerateCmd = &cobra.Command{
	Use:   "generate [username]",
	Short: "Generate a new identity vault and save it to the identity directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentityGenerate,
}

// keygenCmd is a bare top-level alias for "identity generate", kept
// around for the name the teacher's own CLI used.
var keygenCmd = &cobra.Command{
	Use:   "keygen [username]",
	Short: "Alias for \"identity generate\"",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentityGenerate,
}

func init() {
	identityCmd.AddCommand(identityGenerateCmd)
	for _, c := range []*cobra.Command{identityGenerateCmd, keygenCmd} {
		c.Flags().Int("expires-days", 0, "days until the identity expires (0 = never)")
	}
}

func runIdentityGenerate(cmd *cobra.Command, args []string) error {
	username := args[0]
	if err := validateUsername(username); err != nil {
		return err
	}
	dir, err := cmd.Flags().GetString("identity-dir")
	if err != nil {
		return err
	}
	expiresDays, err := cmd.Flags().GetInt("expires-days")
	if err != nil {
		return err
	}

	password, err := promptPassword(fmt.Sprintf("password for %s: ", username))
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	pair, err := identity.Generate()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}

	var expiresAt *time.Time
	if expiresDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, expiresDays)
		expiresAt = &t
	}

	vault, err := identity.NewVault(username, pair, password, expiresAt)
	if err != nil {
		return fmt.Errorf("build vault: %w", err)
	}
	if err := vault.Save(dir); err != nil {
		return fmt.Errorf("save vault: %w", err)
	}

	fmt.Printf("Identity %q saved to %s\n", username, dir)
	fmt.Printf("Fingerprint: %s\n", vault.Fingerprint)
	return nil
}

// validateUsername enforces the same non-empty, ≤32-character rule
// node.New enforces, so a bad username is rejected before a password
// prompt or vault write rather than surfacing as a node construction
// error later.
func validateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}
	if len(username) > node.MaxUsernameLength {
		return fmt.Errorf("username %q exceeds %d characters", username, node.MaxUsernameLength)
	}
	return nil
}

// promptPassword reads a single line from stdin without echo suppression,
// matching the teacher's own console.go's plain bufio.Scanner prompts
// rather than pulling in a terminal-control library for masked input.
func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("no input")
	}
	return sc.Text(), nil
}
