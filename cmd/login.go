package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"authcore/internal/controller"
	"authcore/internal/oauth"
)

var (
	loginClientID string
	loginScopes   []string
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in interactively and cache the resulting credentials",
		Long: `Sign in through the browser-based authorization flow.

The command prints an authorization URL to open in a browser. After
completing sign-in, paste the full redirect URL back into the prompt; the
authorization code is then exchanged for tokens and cached.

Examples:
  authcore login
  authcore login --client-id <id> --scopes mail.read,user.read`,
		RunE: runLogin,
	}

	cmd.Flags().StringVar(&loginClientID, "client-id", "", "override the configured client id")
	cmd.Flags().StringSliceVar(&loginScopes, "scopes", nil, "override the configured scopes")
	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	engine, err := buildEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	clientID := engine.cfg.Client.ClientID
	if loginClientID != "" {
		clientID = loginClientID
	}
	if clientID == "" {
		return fmt.Errorf("no client id configured; set client.clientId or pass --client-id")
	}
	scopes := engine.cfg.Client.Scopes
	if len(loginScopes) > 0 {
		scopes = loginScopes
	}

	interactor := &consoleInteractor{
		in:  cmd.InOrStdin(),
		out: cmd.OutOrStdout(),
	}
	defer interactor.stopSpinner()

	result, err := engine.controller.AcquireTokenInteractive(cmd.Context(), interactor, controller.InteractiveParams{
		ClientID:    clientID,
		Scopes:      scopes,
		RedirectURI: engine.cfg.Client.RedirectURI,
	})
	interactor.stopSpinner()
	if err != nil {
		return err
	}

	username := "(unknown)"
	if result.Account != nil && result.Account.Username != "" {
		username = result.Account.Username
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", username)
	return nil
}

// consoleInteractor runs the authorization leg on the terminal: it prints
// the authorization URL and reads the pasted redirect URL back.
type consoleInteractor struct {
	in  io.Reader
	out io.Writer

	spin *spinner.Spinner
}

func (c *consoleInteractor) Authorize(ctx context.Context, authorizeURL string, req *oauth.AuthorizationRequest) (*oauth.AuthorizationResponse, error) {
	fmt.Fprintf(c.out, "Open this URL in a browser to sign in:\n\n  %s\n\n", authorizeURL)
	fmt.Fprint(c.out, "Paste the full redirect URL here: ")

	line, err := readLine(ctx, c.in)
	if err != nil {
		return nil, err
	}

	redirect, err := url.Parse(strings.TrimSpace(line))
	if err != nil {
		return nil, fmt.Errorf("unparsable redirect URL: %w", err)
	}
	query := redirect.Query()

	// The exchange leg runs after we return; keep the terminal alive.
	c.spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	c.spin.Suffix = " exchanging authorization code..."
	c.spin.Start()

	return &oauth.AuthorizationResponse{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}, nil
}

func (c *consoleInteractor) stopSpinner() {
	if c.spin != nil {
		c.spin.Stop()
		c.spin = nil
	}
}

// readLine reads one line, honoring context cancellation while blocked on
// the terminal.
func readLine(ctx context.Context, in io.Reader) (string, error) {
	type lineResult struct {
		line string
		err  error
	}
	ch := make(chan lineResult, 1)
	go func() {
		line, err := bufio.NewReader(in).ReadString('\n')
		ch <- lineResult{line, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.err != nil && res.line == "" {
			return "", res.err
		}
		return res.line, nil
	}
}
