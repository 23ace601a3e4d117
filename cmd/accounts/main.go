// Command accounts manages the credential pool on disk: list the loaded
// accounts, add one from a refresh token or an exported credentials file,
// and remove one by file name.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/zz80900/Antigravity2Api/internal/auth"
	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/logging"
	"github.com/zz80900/Antigravity2Api/internal/upstream"
)

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("config: %v", err)
	}
	if err := logging.Setup(cfg.Debug, cfg.LogDir); err != nil {
		fatal("logging: %v", err)
	}

	store := auth.NewStore(cfg.AuthDir)
	if err := store.Load(); err != nil {
		fatal("load accounts: %v", err)
	}

	switch flag.Arg(0) {
	case "list":
		list(store)
	case "add":
		add(cfg, store, flag.Args()[1:])
	case "remove":
		if flag.NArg() != 2 {
			fatal("usage: accounts remove <file-name>")
		}
		if err := store.Delete(flag.Arg(1)); err != nil {
			fatal("remove: %v", err)
		}
		fmt.Printf("removed %s\n", flag.Arg(1))
	default:
		usage()
		os.Exit(2)
	}
}

func list(store *auth.Store) {
	accounts := store.Accounts()
	if len(accounts) == 0 {
		fmt.Println("no accounts configured")
		return
	}
	now := time.Now()
	for _, a := range accounts {
		creds := a.Credentials()
		state := "valid"
		if creds.ExpiredAt(now) {
			state = "expired"
		}
		project := creds.ProjectID
		if project == "" {
			project = "(unresolved)"
		}
		fmt.Printf("%-40s token %-8s project %s\n", a.Label(), state, project)
	}
}

func add(cfg *config.Config, store *auth.Store, args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	refreshToken := fs.String("refresh-token", "", "OAuth refresh token for the account")
	file := fs.String("file", "", "Path to an exported credentials JSON file")
	fs.Parse(args)

	var creds auth.Credentials
	switch {
	case *file != "":
		data, err := os.ReadFile(*file)
		if err != nil {
			fatal("read credentials file: %v", err)
		}
		if err := json.Unmarshal(data, &creds); err != nil {
			fatal("parse credentials file: %v", err)
		}
	case *refreshToken != "":
		creds = auth.Credentials{RefreshToken: *refreshToken}
	default:
		fatal("add needs --refresh-token or --file")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Mint a token to prove the record works and learn the e-mail.
	client := upstream.NewClient(cfg)
	token, err := client.RefreshToken(ctx, creds.RefreshToken)
	if err != nil {
		fatal("refresh token rejected: %v", err)
	}
	creds.AccessToken = token.AccessToken
	creds.ExpiryMs = token.ExpiryMs(time.Now())
	if token.RefreshToken != "" {
		creds.RefreshToken = token.RefreshToken
	}
	if token.TokenType != "" {
		creds.TokenType = token.TokenType
	}
	if token.Scope != "" {
		creds.Scope = token.Scope
	}
	if creds.Email == "" {
		if email, err := client.UserInfo(ctx, token.AccessToken); err == nil {
			creds.Email = email
		}
	}

	account, err := store.Add(creds)
	if err != nil {
		fatal("add: %v", err)
	}
	fmt.Printf("added %s (%s)\n", account.Key, account.Label())
}

func usage() {
	fmt.Fprintf(os.Stderr, `Manage the account pool.

Usage:
  accounts list
  accounts add --refresh-token <token>
  accounts add --file <credentials.json>
  accounts remove <file-name>
`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
