package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/marutha-support/portal/internal/api"
	"github.com/marutha-support/portal/internal/chat"
	"github.com/marutha-support/portal/internal/config"
	"github.com/marutha-support/portal/internal/guard"
	"github.com/marutha-support/portal/internal/models"
	"github.com/marutha-support/portal/internal/session"
	"github.com/marutha-support/portal/internal/store/sqlstore"
	"github.com/marutha-support/portal/internal/view"
	"github.com/marutha-support/portal/internal/ws"
)

// terminalNavigator tells the user where the web portal would have gone.
type terminalNavigator struct{}

func (terminalNavigator) Navigate(page string) {
	if page == guard.LoginPage {
		fmt.Fprintln(os.Stderr, "Session expired. Run `marutha login` to sign in again.")
		return
	}
	fmt.Fprintf(os.Stderr, "-> %s\n", page)
}

type cliEnv struct {
	store  *sqlstore.SQLStore
	client *api.Client
}

func (e *cliEnv) Close() {
	if err := e.store.Close(); err != nil {
		slog.Error("Failed to close state store", "error", err)
	}
}

func newFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	profile := fs.String("profile", "default", "local storage profile")
	return fs, profile
}

func openClient(cfg *config.Config, profile string) (*cliEnv, error) {
	st, err := openState(cfg, profile)
	if err != nil {
		return nil, err
	}
	sm := session.NewManager(st)
	if _, err := sm.Load(); err != nil {
		st.Close()
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &cliEnv{
		store:  st,
		client: api.NewClient(cfg.APIBaseURL(), sm, terminalNavigator{}, slog.Default()),
	}, nil
}

func runLogin(ctx context.Context, cfg *config.Config, args []string) error {
	fs, profile := newFlags("login")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	fs.Parse(args)

	env, err := openClient(cfg, *profile)
	if err != nil {
		return err
	}
	defer env.Close()

	res, err := env.client.Login(ctx, models.Credentials{Email: *email, Password: *password})
	if errors.Is(err, api.ErrInvalidCredentials) {
		return errors.New("invalid email or password")
	}
	if err != nil {
		return err
	}
	fmt.Printf("Logged in as %s. Dashboard: %s\n", res.Role, guard.Dashboard(res.Role))
	return nil
}

func runRegister(ctx context.Context, cfg *config.Config, args []string) error {
	fs, profile := newFlags("register")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	confirm := fs.String("confirm", "", "repeat the password")
	name := fs.String("name", "", "full name")
	role := fs.String("role", "", "patient, doctor or volunteer (defaults to the picked role)")
	fs.Parse(args)

	env, err := openClient(cfg, *profile)
	if err != nil {
		return err
	}
	defer env.Close()

	if *role != "" {
		if err := env.client.Session().SetTempRole(models.Role(*role)); err != nil {
			return err
		}
	}
	u, err := env.client.Register(ctx, models.Registration{Email: *email, Password: *password, Name: *name}, *confirm)
	if err != nil {
		return err
	}
	fmt.Printf("Registered %s as %s. Run `marutha login` to sign in.\n", u.Email, u.Role)
	return nil
}

func runLogout(ctx context.Context, cfg *config.Config, args []string) error {
	fs, profile := newFlags("logout")
	fs.Parse(args)

	env, err := openClient(cfg, *profile)
	if err != nil {
		return err
	}
	defer env.Close()

	if !env.client.Session().Current().Active() {
		fmt.Println("Not logged in.")
		return nil
	}
	return env.client.Logout(ctx)
}

func runWhoami(ctx context.Context, cfg *config.Config, args []string) error {
	fs, profile := newFlags("whoami")
	fs.Parse(args)

	env, err := openClient(cfg, *profile)
	if err != nil {
		return err
	}
	defer env.Close()

	s := env.client.Session().Current()
	if !s.Active() {
		return session.ErrNoSession
	}

	u, err := env.client.Me(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s [%s] <%s>\n", models.DisplayName(u.Role, u.Name), models.Initials(models.DisplayName(u.Role, u.Name)), u.Email)

	if u.Role != models.RoleAdmin {
		p, err := env.client.Profile(ctx, u.Role)
		if err != nil {
			slog.Warn("Failed to load profile", "error", err)
			p = models.Profile{}
		}
		fmt.Println(models.Subtitle(u.Role, p))
	}
	return nil
}

func runOpen(cfg *config.Config, args []string) error {
	fs, profile := newFlags("open")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: marutha open <page>")
	}

	env, err := openClient(cfg, *profile)
	if err != nil {
		return err
	}
	defer env.Close()

	page := fs.Arg(0)
	d := guard.Enforce(page, env.client.Session().Role(), terminalNavigator{})
	if d.Allowed() {
		fmt.Printf("%s: allowed\n", page)
		return nil
	}
	fmt.Printf("%s: redirected to %s (%s)\n", page, d.Redirect, d.Reason)
	return nil
}

func runChat(ctx context.Context, cfg *config.Config, args []string) error {
	fs, profile := newFlags("chat")
	with := fs.Int("with", 0, "user id of the conversation to open")
	fs.Parse(args)

	env, err := openClient(cfg, *profile)
	if err != nil {
		return err
	}
	defer env.Close()

	sm := env.client.Session()
	if !sm.Current().Active() {
		return session.ErrNoSession
	}
	if d := guard.Check(chatPage(sm.Role()), sm.Role()); !d.Allowed() {
		return fmt.Errorf("chat is not available: %s", d.Reason)
	}

	frames := make(chan view.Snapshot, 1)
	s, err := chat.Start(ctx, chat.Config{
		API:      env.client,
		Sessions: sm,
		URL:      cfg.RealtimeURL(),
		Backoff: ws.Backoff{
			Base:        cfg.Reconnect.Base,
			Max:         cfg.Reconnect.Max,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Logger: slog.Default(),
		OnChange: func(snap view.Snapshot) {
			// Drop the frame still waiting; only the newest matters.
			select {
			case <-frames:
			default:
			}
			frames <- snap
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		s.Close()
		close(frames)
	}()

	go func() {
		for snap := range frames {
			view.Render(os.Stdout, snap)
			fmt.Print("> ")
		}
	}()

	if *with > 0 {
		if err := s.Select(ctx, *with); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			return errors.New("real-time connection closed")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleChatLine(ctx, s, line); quit {
				return nil
			}
		}
	}
}

// handleChatLine runs one line of chat input and reports whether to quit.
func handleChatLine(ctx context.Context, s *chat.Session, line string) bool {
	line = strings.TrimSpace(line)
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
		return false
	case "/quit":
		return true
	case "/contacts":
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.RefreshContacts(reqCtx); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		return false
	case "/switch":
		id, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil {
			fmt.Fprintln(os.Stderr, "usage: /switch <user id>")
			return false
		}
		if err := s.Select(ctx, id); err != nil && !errors.Is(err, chat.ErrSuperseded) {
			fmt.Fprintln(os.Stderr, err)
		}
		return false
	}

	s.SetComposer(line)
	if err := s.Send(ctx); err != nil {
		switch {
		case errors.Is(err, chat.ErrNoRecipient):
			fmt.Fprintln(os.Stderr, "Pick a conversation first: /switch <user id>")
		case errors.Is(err, chat.ErrEmptyMessage):
		default:
			fmt.Fprintln(os.Stderr, err)
		}
	}
	return false
}

// chatPage is the web page that hosts chat for a role.
func chatPage(role models.Role) string {
	switch role {
	case models.RoleDoctor:
		return "chat_doctor.html"
	case models.RoleVolunteer:
		return "chat_volunteer.html"
	}
	return "chat.html"
}
