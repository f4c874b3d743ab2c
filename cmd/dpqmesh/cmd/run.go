package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pivaldi/dpqmesh/internal/config"
	"github.com/pivaldi/dpqmesh/internal/identity"
	"github.com/pivaldi/dpqmesh/internal/node"
	"github.com/pivaldi/dpqmesh/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run [username]",
	Short: "Unlock an identity and run a mesh node with an interactive console",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("config", "", "path to a JSON config file (defaults to built-in defaults)")
	runCmd.Flags().String("listen", "", "override the configured listen address (host:port)")
	runCmd.Flags().StringSlice("bootstrap", nil, "comma-separated bootstrap peer addresses to query on startup")
	runCmd.Flags().Bool("dev", false, "use the human-readable development logger instead of JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	username := args[0]
	if err := validateUsername(username); err != nil {
		return err
	}
	identityDir, _ := cmd.Flags().GetString("identity-dir")
	configPath, _ := cmd.Flags().GetString("config")
	listenOverride, _ := cmd.Flags().GetString("listen")
	bootstrap, _ := cmd.Flags().GetStringSlice("bootstrap")
	dev, _ := cmd.Flags().GetBool("dev")

	vault, err := identity.LoadUsername(identityDir, username)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	password, err := promptPassword(fmt.Sprintf("password for %s: ", username))
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	keyPair, err := vault.Unlock(password)
	if err != nil {
		return fmt.Errorf("unlock identity: %w", err)
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg.Username = username
	if listenOverride != "" {
		cfg.ListenAddr = listenOverride
	}
	cfg.BootstrapPeers = append(cfg.BootstrapPeers, bootstrap...)

	logger, err := telemetry.NewLogger(dev)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	n, events, err := node.New(cfg, keyPair, logger)
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	r := newRepl(n, events)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		r.Printf("\nshutting down...\n")
		n.Stop()
		cancel()
		os.Exit(0)
	}()

	r.Printf("[%s] up at %s (fingerprint=%s)\n", username, n.ListenAddr(), n.Fingerprint())
	r.Printf("Commands:\n")
	r.Printf("  <message>              flood a chat message to every connected peer\n")
	r.Printf("  @fingerprint message   send an end-to-end encrypted direct message\n")
	r.Printf("  /connect addr [fp]     dial a peer, optionally pinning its fingerprint\n")
	r.Printf("  /peers                 show connected-peer count and traffic stats\n")
	r.Printf("  /quit                  exit\n\n")

	r.Run()
	n.Stop()
	return nil
}

// splitFirstWord splits the trimmed s at its first space and trims the
// remainder, mirroring the teacher's own console helper for "@peer message"
// parsing. Tabs do not separate words.
func splitFirstWord(s string) (first, rest string, ok bool) {
	fields := strings.SplitN(strings.TrimSpace(s), " ", 2)
	if len(fields) == 0 || fields[0] == "" {
		return "", "", false
	}
	if len(fields) == 1 {
		return fields[0], "", true
	}
	return fields[0], strings.TrimSpace(fields[1]), true
}
