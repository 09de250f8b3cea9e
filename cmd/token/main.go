package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
)

func main() {
	_ = godotenv.Load()

	subject := flag.String("sub", "", "User id to put in the sub claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	secret := flag.String("secret", os.Getenv("AUTH_JWT_SECRET"), "HS256 signing secret")
	flag.Parse()

	if *subject == "" || *secret == "" {
		fmt.Fprintln(os.Stderr, "Usage: token -sub <user-id> [-ttl 24h] [-secret <secret>]")
		fmt.Fprintln(os.Stderr, "  Reads AUTH_JWT_SECRET, AUTH_ISSUER and AUTH_AUDIENCE from the environment")
		os.Exit(1)
	}

	token, err := middleware.SignToken(middleware.AuthConfig{
		Secret:   *secret,
		Issuer:   os.Getenv("AUTH_ISSUER"),
		Audience: os.Getenv("AUTH_AUDIENCE"),
	}, *subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Authorization: Bearer %s\n", token)
}
