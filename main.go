package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/auth"
	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/http"
	"parley/internal/push"
	"parley/internal/storage"
	"parley/internal/ws"

	"golang.org/x/sync/errgroup"
)

type cliArgs struct {
	addUser    string
	addRoom    string
	addMember  string
	issueToken string
}

func (a cliArgs) cliMode() bool {
	return a.addUser != "" || a.addRoom != "" || a.addMember != "" || a.issueToken != ""
}

func run(ctx context.Context, args cliArgs) error {
	cfg, err := config.Load(args.cliMode())
	if err != nil {
		return err
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	if args.cliMode() {
		return runCommand(ctx, args, cfg, bbStorage)
	}

	authService, err := auth.NewService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	notifier := push.NewNotifier(bbStorage, push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Contact:         cfg.VAPIDContact,
	})

	hub := ws.NewHub(bbStorage, notifier)
	wsServer := ws.NewServer(authService, hub)
	apiServer := http.NewAPIServer(wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func runCommand(ctx context.Context, args cliArgs, cfg *config.Config, bbStorage *storage.BboltStorage) error {
	switch {
	case args.addUser != "":
		return commands.AddUser(bbStorage, args.addUser)
	case args.addRoom != "":
		return commands.AddRoom(bbStorage, args.addRoom)
	case args.addMember != "":
		return commands.AddMember(bbStorage, args.addMember)
	case args.issueToken != "":
		if cfg.AuthSecret == "" {
			return errors.New("AUTH_SECRET is required to issue tokens")
		}
		authService, err := auth.NewService(ctx, auth.Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
			TokenExpiry: cfg.TokenExpiry,
		})
		if err != nil {
			return err
		}
		return commands.IssueToken(bbStorage, authService, args.issueToken)
	}
	return nil
}

func main() {
	var args cliArgs
	flag.StringVar(&args.addUser, "add-user", "", "Username to create (creates user with random password and prints details)")
	flag.StringVar(&args.addRoom, "add-room", "", "Room to create, as name or name:creatorUsername")
	flag.StringVar(&args.addMember, "add-member", "", "Membership to record, as roomID:username")
	flag.StringVar(&args.issueToken, "issue-token", "", "Username to mint a connection token for")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, args); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
