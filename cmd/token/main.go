// Command token prints a signed API token for an operator or the chat UI.
package main

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/pflag"

	"github.com/seanblong/circularsearch/internal/auth"
	"github.com/seanblong/circularsearch/internal/config"
)

func main() {
	fs := pflag.NewFlagSet("circularsearch-token", pflag.ExitOnError)
	subject := fs.String("subject", "", "Token subject (who the token is for)")
	role := fs.String("role", auth.RoleReader, "Token role (admin|reader)")
	ttl := fs.Duration("ttl", auth.DefaultTTL, "Token lifetime")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	// Issuing always needs a usable secret, whether or not query auth is on.
	a, err := auth.New(cfg.Auth.JwtSecret, true)
	if err != nil {
		log.Fatal(err)
	}
	token, err := a.GenerateJWT(*subject, *role, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
	log.Printf("issued %s token for %q, expires %s", *role, *subject, time.Now().Add(*ttl).Format(time.RFC3339))
}
