// Command collab-token mints HMAC-signed bearer tokens for exercising a
// collab provider against a real auth.JWTSource, adapted from the
// teacher's authn binary's own "token" subcommand.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/reeltake/collab/internal/auth"
	"github.com/reeltake/collab/internal/config"
)

type cmdToken struct {
	Role     string        `long:"role" default:"editor" description:"Role claim of the token"`
	Subject  string        `long:"subject" default:"test-user" description:"Subject (userId) of the token"`
	MaxAge   time.Duration `long:"max-age" default:"24h" description:"Token lifetime"`
	Config   string        `long:"config" required:"t" description:"Path to the collab YAML config file"`
}

func (cmd *cmdToken) Execute(args []string) error {
	cfg, err := config.Load(cmd.Config)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("collab-token: auth.jwtSecret is not set in %s", cmd.Config)
	}

	var src = auth.NewJWTSource([]byte(cfg.Auth.JWTSecret))
	tok, err := src.Mint(auth.Principal{UserID: cmd.Subject, Role: cmd.Role}, cmd.MaxAge)
	if err != nil {
		return fmt.Errorf("collab-token: minting: %w", err)
	}

	fmt.Println(tok)
	return nil
}

func main() {
	var parser = flags.NewParser(nil, flags.Default)
	if _, err := parser.AddCommand("token", "Mint a bearer token", "Mint a bearer token for a test principal", new(cmdToken)); err != nil {
		log.Fatal(err)
	}
	if _, err := parser.Parse(); err != nil {
		if _, ok := err.(*flags.Error); ok {
			os.Exit(1)
		}
		log.Fatal(err)
	}
}
