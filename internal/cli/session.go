package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/layer-3/wcsap/adapters/wallet"
	"github.com/layer-3/wcsap/client"
	"github.com/layer-3/wcsap/internal/logging"
	httptransport "github.com/layer-3/wcsap/transport/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// addClientFlags registers the flags shared by every session command
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", getEnv("WCSAP_SERVER", "http://localhost:9000"), "auth server base URL")
	cmd.Flags().String("cache-dir", "", "session cache directory (default ~/.wcsap)")
	cmd.Flags().BoolP("verbose", "v", false, "log protocol traffic")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func cacheDir(cmd *cobra.Command) (string, error) {
	if dir, _ := cmd.Flags().GetString("cache-dir"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".wcsap"), nil
}

// clientSession is an orchestrator over the on-disk session cache
type clientSession struct {
	orch  *client.Orchestrator
	cache *client.LevelDBCache
}

func (s *clientSession) Close() error {
	return s.cache.Close()
}

func openSession(cmd *cobra.Command, signer client.Signer, conn client.Connection) (*clientSession, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := zap.NewNop()
	if verbose {
		l, err := logging.New(true)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		logger = l
	}

	dir, err := cacheDir(cmd)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	cache, err := client.OpenLevelDBCache(filepath.Join(dir, "sessions"))
	if err != nil {
		return nil, err
	}

	server, _ := cmd.Flags().GetString("server")
	api := client.NewAPIClient(server, client.WithAPILogger(logger))
	return &clientSession{
		orch:  client.New(api, signer, conn, cache, client.WithLogger(logger)),
		cache: cache,
	}, nil
}

// resumeSession opens the cache and restores the last session without a wallet
func resumeSession(cmd *cobra.Command) (*clientSession, error) {
	s, err := openSession(cmd, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := s.orch.Resume(cmd.Context()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func readPrivateKey(cmd *cobra.Command) (string, error) {
	if key, _ := cmd.Flags().GetString("key"); key != "" {
		return key, nil
	}
	if key := os.Getenv("WCSAP_PRIVATE_KEY"); key != "" {
		return key, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no private key given; use --key or WCSAP_PRIVATE_KEY")
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Private key: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("failed to read private key: %w", err)
	}
	return string(raw), nil
}

// promptApproval shows the message to sign and waits for a yes
func promptApproval(in io.Reader, out io.Writer) wallet.ApproveFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, message string) bool {
		fmt.Fprintf(out, "\n%s\n\nSign this message? [y/N] ", message)
		answer, err := reader.ReadString('\n')
		if err != nil && answer == "" {
			return false
		}
		if ctx.Err() != nil {
			return false
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes"
	}
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with a wallet key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		hexKey, err := readPrivateKey(cmd)
		if err != nil {
			return err
		}
		signer, err := wallet.NewKeySignerFromHex(hexKey)
		if err != nil {
			return err
		}
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			signer.WithApproval(promptApproval(cmd.InOrStdin(), cmd.ErrOrStderr()))
		}

		s, err := openSession(cmd, signer, signer)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.orch.Login(cmd.Context()); err != nil {
			return fmt.Errorf("login failed (%s): %w", s.orch.FailureReason(), err)
		}
		session, _ := s.orch.Session()
		fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s until %s\n",
			session.Identity, session.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cached session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := resumeSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		session, ok := s.orch.Session()
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "not signed in")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n  identity: %s\n  expires:  %s\n",
			s.orch.State(), session.Identity, session.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the cached session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd, nil, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.orch.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "signed out")
		return nil
	},
}

var logoutAllCmd = &cobra.Command{
	Use:   "logout-all",
	Short: "Revoke every session of the signed in identity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := resumeSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		revoked, err := s.orch.LogoutAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %d session(s)\n", revoked)
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Ask the server who the cached session belongs to",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := resumeSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		req, err := s.orch.NewRequest(cmd.Context(), http.MethodGet, "/api/me", nil)
		if err != nil {
			return err
		}
		resp, err := s.orch.Do(cmd.Context(), req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		var me httptransport.MeResponse
		if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), me.Identity)
		return nil
	},
}

func init() {
	loginCmd.Flags().String("key", "", "hex private key (prompted when omitted)")
	loginCmd.Flags().BoolP("yes", "y", false, "sign without confirmation")

	for _, cmd := range []*cobra.Command{loginCmd, statusCmd, logoutCmd, logoutAllCmd, whoamiCmd} {
		addClientFlags(cmd)
		rootCmd.AddCommand(cmd)
	}
}
