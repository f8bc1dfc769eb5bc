// Command stride is a small terminal front end over the client package,
// mainly useful for poking at a backend during development.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/strideapp/go-stride-client/api"
	"github.com/strideapp/go-stride-client/client"
	"github.com/strideapp/go-stride-client/internal/config"
	"github.com/strideapp/go-stride-client/tokenstore"
	"github.com/strideapp/go-stride-client/users"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Error: %s\n", err)
	}
}

func run(args []string) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.GetLogLevel())

	if len(args) == 0 {
		usage(cfg.GetAppName())
		return nil
	}

	c, err := client.New(cfg, client.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil && returnError == nil {
			returnError = err
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if _, err := c.Start(ctx); err != nil {
		return err
	}

	switch args[0] {
	case "login":
		return loginCmd(ctx, c, args[1:])
	case "logout":
		return c.Logout(ctx)
	case "whoami":
		return whoamiCmd(ctx, c)
	case "status":
		return statusCmd(c)
	case "get":
		return getCmd(ctx, c, args[1:])
	default:
		usage(cfg.GetAppName())
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func loginCmd(ctx context.Context, c *client.Client, args []string) error {
	var email string
	class := tokenstore.Ephemeral
	for _, arg := range args {
		if arg == "--remember" {
			class = tokenstore.Durable
			continue
		}
		email = arg
	}
	if email == "" {
		return errors.New("usage: stride login <email> [--remember]")
	}

	password := os.Getenv("STRIDE_PASSWORD")
	if password == "" {
		fmt.Print("Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return err
		}
		password = strings.TrimSpace(line)
	}

	user, err := c.Login(ctx, email, password, class)
	if err != nil {
		return err
	}
	fmt.Printf("Signed in as %s (%s)\n", user.DisplayName, user.Email)
	return nil
}

func whoamiCmd(ctx context.Context, c *client.Client) error {
	ok, err := c.CanAccess(ctx, "")
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("Not signed in")
		return nil
	}
	user, _ := c.CurrentUser()
	fmt.Printf("%s <%s> role=%s\n", user.DisplayName, user.Email, user.Role)
	return nil
}

func statusCmd(c *client.Client) error {
	fmt.Printf("Session state: %s\n", c.State())
	if user, ok := c.CurrentUser(); ok {
		fmt.Printf("User: %s\n", user.Email)
		admin := users.DefaultHierarchy().Satisfies(user.Role, users.RoleAdmin)
		fmt.Printf("Admin: %v\n", admin)
	}
	return nil
}

func getCmd(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: stride get <path>")
	}
	resp, err := c.Do(ctx, api.Request{Method: "GET", Path: args[0]})
	if err != nil {
		return err
	}
	fmt.Println(string(resp.Body))
	return nil
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(writer).Level(parsed).With().Timestamp().Logger()
}

func usage(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
	fmt.Println("usage: stride <command>")
	fmt.Println("  login <email> [--remember]   sign in (password via STRIDE_PASSWORD or prompt)")
	fmt.Println("  logout                       sign out everywhere")
	fmt.Println("  whoami                       show the verified signed-in user")
	fmt.Println("  status                       show local session state")
	fmt.Println("  get <path>                   perform an authorized GET")
	fmt.Println()
}
