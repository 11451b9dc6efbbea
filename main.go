package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/flowna/flowna-cli/internal/api"
	"github.com/flowna/flowna-cli/internal/applog"
	"github.com/flowna/flowna-cli/internal/config"
	"github.com/flowna/flowna-cli/internal/connection"
	"github.com/flowna/flowna-cli/internal/db"
	"github.com/flowna/flowna-cli/internal/events"
	"github.com/flowna/flowna-cli/internal/notify"
	"github.com/flowna/flowna-cli/internal/room"
	"github.com/flowna/flowna-cli/internal/session"
	"github.com/flowna/flowna-cli/internal/subscription"
	"github.com/flowna/flowna-cli/internal/ui"
	"github.com/flowna/flowna-cli/internal/webserver"
)

const usage = `usage: flowna [command]

  (none)                     open the lobby
  login [username]           log in and store the credential
  register <username> <email>
  logout                     forget the stored credential
  create [name]              create a room and make it active
  join <code>                join a room and make it active
  leave                      leave the active room
  players [code]             list a room's players
  results [code]             show the last exam's results`

func openDB() (*db.DB, error) {
	dbPath := config.DBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, err
	}
	store, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fatal(err)
	}
}

func run(argv []string) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load config: %v\n", err)
		cfg = config.Defaults()
	}

	logger, logCloser, err := applog.Init(applog.InitConfig{
		LogDir:   cfg.LogDir,
		LogLevel: cfg.LogLevel,
		Format:   cfg.LogFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		logger = slog.Default() // falls back to default (stderr)
	} else {
		defer logCloser.Close()
	}

	store, err := openDB()
	if err != nil {
		return fmt.Errorf("could not open database: %w", err)
	}
	defer store.Close()

	if len(argv) == 0 || argv[0] == "lobby" {
		return runLobby(cfg, store, logger)
	}
	return runCommand(argv[0], argv[1:], cfg, store, logger)
}

func runCommand(cmd string, args []string, cfg config.Config, store *db.DB, logger *slog.Logger) error {
	client := api.New(api.Options{BaseURL: cfg.APIBaseURL, Store: store, Logger: logger})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "login":
		username := ""
		if len(args) > 0 {
			username = args[0]
		} else {
			username = prompt("Username: ")
		}
		pw, err := readPassword(fmt.Sprintf("Password for %s: ", username))
		if err != nil {
			return err
		}
		if _, err := client.Login(ctx, username, pw); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		fmt.Printf("Logged in as %s\n", username)

	case "register":
		if len(args) < 2 {
			return errors.New(usage)
		}
		pw, err := readPassword(fmt.Sprintf("Password for %s: ", args[0]))
		if err != nil {
			return err
		}
		again, err := readPassword("Repeat password: ")
		if err != nil {
			return err
		}
		if pw != again {
			return errors.New("passwords do not match")
		}
		tokens, err := client.Register(ctx, args[0], args[1], pw)
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}
		if tokens.Access == "" {
			fmt.Printf("Account created: %s (run flowna login)\n", args[0])
		} else {
			fmt.Printf("Account created and logged in: %s\n", args[0])
		}

	case "logout":
		if err := client.Logout(); err != nil {
			return err
		}
		fmt.Println("Logged out")

	case "create":
		name := strings.Join(args, " ")
		if name == "" {
			name = session.GenerateRoomName()
		}
		var r api.Room
		err := withRefresh(func() (err error) {
			r, err = client.CreateRoom(ctx, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		if err := store.SetActiveRoom(db.ActiveRoom{Code: r.Code, Name: name, IsHost: true}); err != nil {
			return err
		}
		fmt.Printf("Created room %s (%s)\n", r.Code, name)

	case "join":
		if len(args) != 1 {
			return errors.New(usage)
		}
		code := strings.ToUpper(args[0])
		var r api.Room
		err := withRefresh(func() (err error) {
			r, err = client.JoinRoom(ctx, code)
			return err
		})
		if err != nil {
			return fmt.Errorf("join room: %w", err)
		}
		if err := store.SetActiveRoom(db.ActiveRoom{Code: code, Name: r.Name, IsHost: r.IsHost}); err != nil {
			return err
		}
		fmt.Printf("Joined room %s\n", code)

	case "leave":
		ar, err := store.ActiveRoom()
		if err != nil {
			return err
		}
		if ar == nil {
			return session.ErrNoRoom
		}
		if err := withRefresh(func() error { return client.LeaveRoom(ctx, ar.Code) }); err != nil {
			return fmt.Errorf("leave room: %w", err)
		}
		if err := store.ClearActiveRoom(); err != nil {
			return err
		}
		fmt.Printf("Left room %s\n", ar.Code)

	case "players":
		code, err := roomArg(args, store)
		if err != nil {
			return err
		}
		var players []room.Player
		err = withRefresh(func() (err error) {
			players, err = client.Members(ctx, code)
			return err
		})
		cached := false
		if err != nil {
			logger.Warn("members fetch failed, using cache", "room", code, "err", err)
			if players, err = store.LoadPlayers(code); err != nil {
				return err
			}
			cached = true
		} else if err := store.SavePlayers(code, players); err != nil {
			logger.Warn("cache players failed", "err", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PLAYER\tHOST\tREADY")
		for _, p := range players {
			fmt.Fprintf(w, "%s\t%v\t%v\n", p.Username, p.Host, p.Ready)
		}
		w.Flush()
		if cached {
			fmt.Println("(offline: showing cached players)")
		}

	case "results":
		code, err := roomArg(args, store)
		if err != nil {
			return err
		}
		var results []api.QuizSummary
		err = withRefresh(func() (err error) {
			results, err = client.QuizSummary(ctx, code)
			return err
		})
		if err != nil {
			return fmt.Errorf("results: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RANK\tPLAYER\tCORRECT\tSCORE")
		for i, r := range results {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n",
				humanize.Ordinal(i+1), r.Username, r.Correct, r.Total, humanize.FtoaWithDigits(r.Score, 1))
		}
		w.Flush()

	case "help", "-h", "--help":
		fmt.Println(usage)

	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
	return nil
}

// withRefresh runs fn again once when the first attempt refreshed the
// credential.
func withRefresh(fn func() error) error {
	err := fn()
	if errors.Is(err, api.ErrCredentialRefreshed) {
		err = fn()
	}
	return err
}

func roomArg(args []string, store *db.DB) (string, error) {
	if len(args) > 0 {
		return strings.ToUpper(args[0]), nil
	}
	ar, err := store.ActiveRoom()
	if err != nil {
		return "", err
	}
	if ar == nil {
		return "", errors.New("no active room; pass a room code")
	}
	return ar.Code, nil
}

func prompt(label string) string {
	fmt.Print(label)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.TrimSpace(line)
}

func readPassword(label string) (string, error) {
	fmt.Print(label)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func runLobby(cfg config.Config, store *db.DB, logger *slog.Logger) error {
	var (
		app      *ui.App
		conn     *connection.Manager
		rooms    *session.Manager
		username string
	)

	client := api.New(api.Options{
		BaseURL: cfg.APIBaseURL,
		Store:   store,
		Logger:  logger,
		OnTokens: func(t api.Tokens) {
			if conn == nil {
				return
			}
			if t.Access == "" {
				conn.Logout()
				return
			}
			// A renewed token for the same user keeps the room subscriptions.
			if c, err := api.ParseClaims(t.Access); err == nil && c.Username == username {
				conn.Refresh(t.Access)
				return
			}
			conn.Start(t.Access)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err := client.Renew(ctx, time.Now())
	cancel()
	if errors.Is(err, api.ErrNotLoggedIn) || errors.Is(err, api.ErrLoggedOut) {
		return errors.New("not logged in; run `flowna login` first")
	}
	if err != nil {
		logger.Warn("credential renewal failed", "err", err)
	}
	claims, err := client.Identity()
	if err != nil {
		return fmt.Errorf("read identity: %w", err)
	}
	username = claims.Username

	secret := ""
	if cfg.StatusServer.Enabled && cfg.StatusServer.RequireToken {
		if secret, err = statusSecret(claims.Username); err != nil {
			return err
		}
	}
	web := webserver.New(webserver.Config{
		Enabled: cfg.StatusServer.Enabled,
		Host:    cfg.StatusServer.Host,
		Port:    cfg.StatusServer.Port,
		Secret:  secret,
	}, webserver.Sources{
		Room: func() (room.Snapshot, bool) { return rooms.Snapshot() },
		Connection: func() webserver.ConnectionStatus {
			st := webserver.ConnectionStatus{State: string(conn.State()), Failures: conn.Failures()}
			if err := conn.LastError(); err != nil {
				st.LastError = err.Error()
			}
			return st
		},
	}, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		web.Shutdown(ctx)
	}()

	notifier := notify.New(notify.Config{
		Enabled: cfg.Notifications.Enabled,
		Desktop: cfg.Notifications.Desktop,
		Webhook: cfg.Notifications.Webhook,
		NtfyURL: cfg.Notifications.NtfyURL,
	}, logger)

	bus := events.Fanout{web, notifier, events.Func(func(e events.Event) {
		if app != nil {
			app.Broadcast(e)
		}
	})}

	registry := subscription.New(logger)
	conn = connection.New(registry,
		connection.StompDialer(cfg.BrokerURL, time.Duration(cfg.HeartBeat), logger),
		connection.Config{RetryDelay: time.Duration(cfg.ReconnectDelay)},
		bus, logger)

	rooms = session.NewManager(session.Options{
		Backend:       client,
		Store:         store,
		Registry:      registry,
		Broadcaster:   bus,
		Logger:        logger,
		StatsInterval: time.Duration(cfg.StatsInterval),
		OnExam: func(code string) {
			if app != nil {
				app.OnExam(code)
			}
		},
	})
	rooms.SetUsername(claims.Username)

	app = ui.NewApp(ui.Deps{
		API:   client,
		Rooms: rooms,
		Conn:  conn,
		Store: store,
		Web:   web,
	}, logger)

	tokens, err := client.Tokens()
	if err != nil {
		return err
	}
	conn.Start(tokens.Access)
	defer conn.Stop()
	defer rooms.Close()

	logger.Info("lobby started", "user", claims.Username, "broker", cfg.BrokerURL)
	return app.Run()
}

// statusSecret creates the per-run signing secret of the status server and
// writes a token for username next to the config.
func statusSecret(username string) (string, error) {
	secret, err := webserver.GenerateSecret()
	if err != nil {
		return "", err
	}
	token, err := webserver.IssueStatusToken(secret, username, 24*time.Hour)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(config.StatusTokenPath(), []byte(token+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write status token: %w", err)
	}
	return secret, nil
}
