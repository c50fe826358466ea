package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgellow/tokenfront/internal/browser"
	"github.com/dgellow/tokenfront/internal/config"
	"github.com/dgellow/tokenfront/internal/host"
)

var loginTimeout time.Duration

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate through the browser",
	Long: `Start a PKCE authorization flow: a local listener receives the
redirect callback while your default browser handles the login.`,
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", 5*time.Minute, "how long to wait for the browser login")
}

// loopbackNavigator adapts the browser + local-listener login shape to the
// Navigator capability. Redirect opens the system browser; the listener
// below feeds the callback URL into current.
type loopbackNavigator struct {
	mu      sync.Mutex
	current *url.URL
}

func (n *loopbackNavigator) CurrentURL() (*url.URL, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return nil, host.ErrCapabilityUnavailable
	}
	copied := *n.current
	return &copied, nil
}

func (n *loopbackNavigator) Redirect(u *url.URL) error {
	fmt.Printf("Opening browser for authentication...\n\nIf it doesn't open, visit:\n  %s\n\n", u)
	if err := browser.Open(u.String()); err != nil {
		// Not fatal: the URL is on screen
		fmt.Printf("Could not open browser: %v\n", err)
	}
	return nil
}

func (n *loopbackNavigator) RewriteURL(u *url.URL) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = u
	return nil
}

func (n *loopbackNavigator) setCurrent(u *url.URL) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = u
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	redirect, err := url.Parse(cfg.RedirectURI)
	if err != nil {
		return fmt.Errorf("parsing redirect URI: %w", err)
	}

	callbackCh := make(chan *url.URL, 1)
	mux := http.NewServeMux()
	callbackPath := redirect.Path
	if callbackPath == "" {
		callbackPath = "/"
	}
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		received := *redirect
		received.RawQuery = r.URL.RawQuery
		select {
		case callbackCh <- &received:
		default:
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, loginSuccessPage)
	})

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("starting callback listener on %s: %w", redirect.Host, err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go server.Serve(listener)
	defer server.Close()

	nav := &loopbackNavigator{}
	m, _, cleanup, err := buildManager(nav)
	if err != nil {
		return err
	}
	defer cleanup()

	// RedirectToLogin persists the flow state, opens the browser, and then
	// blocks; the callback arriving on the listener releases it
	redirectCtx, cancelRedirect := context.WithCancel(cmd.Context())
	defer cancelRedirect()
	redirectErr := make(chan error, 1)
	go func() { redirectErr <- m.RedirectToLogin(redirectCtx) }()

	select {
	case cb := <-callbackCh:
		nav.setCurrent(cb)
		cancelRedirect()
		<-redirectErr
	case err := <-redirectErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("login flow ended before a callback arrived")
	case <-time.After(loginTimeout):
		return fmt.Errorf("timed out waiting for browser login after %s", loginTimeout)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	s, err := m.HandleRedirectCallback(ctx)
	if err != nil {
		return fmt.Errorf("completing login: %w", err)
	}
	if s == nil {
		return fmt.Errorf("callback carried no authorization code")
	}

	if s.User != nil && s.User.Email != "" {
		fmt.Printf("Logged in as %s\n", s.User.Email)
	} else {
		fmt.Println("Logged in")
	}
	fmt.Printf("Access token valid until %s\n", s.AccessExpires.Local().Format(time.RFC1123))

	// A call stashed before the login redirect resumes now, consumed once
	if req := m.TakePendingRequest(); req != nil {
		if req.Path == toolsListPath {
			fmt.Println("\nResuming the call interrupted by login...")
			if err := listTools(ctx, m); err != nil {
				fmt.Printf("Resumed call failed: %v\n", err)
			}
		} else {
			fmt.Printf("\nRequest %s %s was saved before login; re-run it now\n", req.Method, req.Path)
		}
	}
	return nil
}

const loginSuccessPage = `<!DOCTYPE html>
<html>
<head>
    <title>Authentication Successful</title>
    <style>
        body { font-family: Arial, sans-serif; text-align: center; padding: 50px; background: #f5f5f5; }
        .container { background: white; padding: 40px; border-radius: 8px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); max-width: 500px; margin: 0 auto; }
        h1 { color: #4CAF50; }
        p { color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <h1>&#10003; Authentication Successful</h1>
        <p>You can close this window and return to your terminal.</p>
    </div>
</body>
</html>`
