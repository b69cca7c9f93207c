package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"rsachat/pkg/client"
	"rsachat/pkg/crypto"
	"rsachat/pkg/dialer"
	"rsachat/pkg/prefs"
)

type Config struct {
	Server    string
	Proxies   []string
	Tor       bool
	Direct    bool
	Username  string
	Register  bool
	PrimeBits int
	PrefsFile string
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "cli-client",
		Short: "rsachat terminal chat client",
		Long: `Connects to an rsachat server, logs in (optionally registering the
account first) and relays lines typed on stdin to everybody else in the
chat. Incoming lines are decrypted with this session's private key.

The last server, username and proxy are remembered in
~/.rsachat/prefs.json.`,
		Example: `  # Log in to the last used server
  cli-client --user alice

  # Register a new account on a specific server, then log in
  cli-client --server chat.example.net:12345 --user bob --register

  # Connect through the local Tor daemon
  cli-client --tor --server abcd...wxyz.onion`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.Server, "server", "s", "",
		"server address, host[:port] (default: last used server)")
	cmd.Flags().StringSliceVar(&cfg.Proxies, "proxy", nil,
		"SOCKS5 proxy URL, may be repeated (tried in order)")
	cmd.Flags().BoolVar(&cfg.Tor, "tor", false,
		"connect through the local Tor SOCKS5 proxy")
	cmd.Flags().BoolVar(&cfg.Direct, "direct", false,
		"ignore the last used proxy and connect directly")
	cmd.Flags().StringVarP(&cfg.Username, "user", "u", "",
		"username (default: last used username)")
	cmd.Flags().BoolVar(&cfg.Register, "register", false,
		"register the account before logging in")
	cmd.Flags().IntVar(&cfg.PrimeBits, "prime-bits", crypto.DefaultPrimeBits,
		"size of each prime of the session keypair")
	cmd.Flags().StringVar(&cfg.PrefsFile, "prefs", "",
		"preferences file (default ~/.rsachat/prefs.json)")

	return cmd
}

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		memguard.SafeExit(1)
	}
}

type console struct {
	in *bufio.Reader
}

func (c *console) prompt(label, def string) (string, error) {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, err := c.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		line = def
	}
	return line, nil
}

func (c *console) password(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return c.prompt(label, "")
	}

	fmt.Printf("%s: ", label)
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func run(ctx context.Context, cfg Config) error {
	fmt.Printf("rsachat CLI Client %s\n\n", versioninfo.Short())

	prefsPath := cfg.PrefsFile
	if prefsPath == "" {
		var err error
		if prefsPath, err = prefs.GetDefaultPath(); err != nil {
			return err
		}
	}
	p, err := prefs.LoadOrDefault(prefsPath)
	if err != nil {
		fmt.Printf("Ignoring preferences: %v\n", err)
	}

	con := &console{in: bufio.NewReader(os.Stdin)}

	server := cfg.Server
	if server == "" {
		if server, err = con.prompt("Server", p.LastServer); err != nil {
			return err
		}
	}
	username := cfg.Username
	if username == "" {
		if username, err = con.prompt("Username", p.LastUsername); err != nil {
			return err
		}
	}
	password, err := con.password("Password")
	if err != nil {
		return err
	}
	if server == "" || username == "" || password == "" {
		return client.ErrEmptyField
	}
	if cfg.Register {
		confirm, err := con.password("Confirm password")
		if err != nil {
			return err
		}
		if password != confirm {
			return errors.New("passwords do not match")
		}
	}

	proxies := proxiesFor(cfg, p)
	d := dialer.New(proxies...)
	d.OnProgress = func(msg string) { fmt.Println(msg) }
	if len(proxies) > 0 {
		if !d.IsAvailable() {
			return fmt.Errorf("no SOCKS5 proxy available (tried %s)", strings.Join(proxies, ", "))
		}
		fmt.Printf("Proxy detected and responsive\n")
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.Timeout+5*time.Second)
	defer cancel()
	fmt.Printf("Generating session keypair...\n")
	c, err := client.Dial(dialCtx, server, client.WithDialer(d), client.WithPrimeBits(cfg.PrimeBits))
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer c.Close()

	p.LastServer = server
	p.LastUsername = username
	switch {
	case cfg.Direct:
		p.LastProxy = ""
	case len(cfg.Proxies) > 0:
		p.LastProxy = cfg.Proxies[0]
	}
	if err := p.Save(prefsPath); err != nil {
		fmt.Printf("Failed to save preferences: %v\n", err)
	}

	if cfg.Register {
		if _, err := c.Register(username, password); err != nil {
			return err
		}
		fmt.Printf("Registration successful!\n")
	}
	if err := c.Login(username, password); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Printf("Connected as %s\n", username)
	fmt.Printf("Type /quit to leave\n\n")
	return chat(c, con)
}

// proxiesFor returns the SOCKS5 proxies to try in order. Without any proxy
// flag the last used proxy is reused unless a direct connection is asked for.
func proxiesFor(cfg Config, p *prefs.Prefs) []string {
	proxies := append([]string(nil), cfg.Proxies...)
	if cfg.Tor {
		proxies = append(proxies, dialer.TorProxyAddresses...)
	}
	if len(proxies) == 0 && !cfg.Direct && p.LastProxy != "" {
		proxies = append(proxies, p.LastProxy)
	}
	return proxies
}

// readLines feeds the lines read from r to the returned channel until r
// fails or done is closed. stopped is closed once the reader has returned.
func readLines(r *bufio.Reader, done <-chan struct{}) (lines <-chan string, stopped <-chan struct{}) {
	out := make(chan string)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		defer close(out)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				select {
				case out <- line:
				case <-done:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out, exited
}

func chat(c *client.Client, con *console) error {
	disconnected := make(chan error, 1)
	go func() {
		for {
			msg, err := c.Receive()
			if err != nil {
				disconnected <- err
				return
			}
			fmt.Printf("\r%s\n> ", msg)
		}
	}()

	done := make(chan struct{})
	defer close(done)
	lines, _ := readLines(con.in, done)

	fmt.Print("> ")
	for {
		select {
		case err := <-disconnected:
			if errors.Is(err, io.EOF) {
				fmt.Printf("\nServer closed connection\n")
				return nil
			}
			return fmt.Errorf("disconnected from server: %w", err)
		case line, ok := <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
			msg := strings.TrimSpace(line)
			switch {
			case msg == "":
			case msg == "/quit":
				fmt.Println("Goodbye!")
				return nil
			default:
				if err := c.Send(msg); err != nil {
					return fmt.Errorf("failed to send message: %w", err)
				}
				fmt.Printf("You: %s\n", msg)
			}
			fmt.Print("> ")
		}
	}
}
