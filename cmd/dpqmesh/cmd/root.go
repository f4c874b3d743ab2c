// Package cmd wires dpqmesh's cobra command tree: identity management,
// key generation, and running a node, in the style of
// opencoin's cmd/opencoin/cmd/root.go.
package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pivaldi/dpqmesh/internal/identity"
)

// RootCmd is the dpqmesh CLI entry point.
var RootCmd = &cobra.Command{
	Use:   "dpqmesh",
	Short: "Post-quantum peer-to-peer chat node",
	Long: `dpqmesh runs a decentralized chat peer: Dilithium identities, a
Kyber-bootstrapped TLS 1.3 mesh, flood-routed end-to-end encrypted chat.`,
}

func init() {
	defaultIdentityDir, err := identity.Dir()
	if err != nil {
		defaultIdentityDir = filepath.Join(".", ".dpqmesh", "identities")
	}
	RootCmd.PersistentFlags().String("identity-dir", defaultIdentityDir, "directory holding identity vault files")

	RootCmd.AddCommand(identityCmd)
	RootCmd.AddCommand(keygenCmd)
	RootCmd.AddCommand(runCmd)
}
