package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/service"
	"golang.org/x/term"
)

// issue-token signs a learner or proctor token with the shared JWT secret,
// for local testing against a platform that is not running.
func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Issue Development Token ===")

	// Type
	fmt.Print("Token type [learner/proctor] (default learner): ")
	typ, _ := reader.ReadString('\n')
	tokenType := service.TokenType(strings.TrimSpace(typ))
	if tokenType == "" {
		tokenType = service.TokenTypeLearner
	}
	if tokenType != service.TokenTypeLearner && tokenType != service.TokenTypeProctor {
		fmt.Println("Error: type must be learner or proctor")
		return
	}

	// User ID
	fmt.Print("Enter User ID: ")
	idStr, _ := reader.ReadString('\n')
	userID, err := strconv.Atoi(strings.TrimSpace(idStr))
	if err != nil || userID <= 0 {
		fmt.Println("Error: User ID must be a positive number")
		return
	}

	// Secret
	if os.Getenv("JWT_SECRET") == "" {
		fmt.Print("JWT_SECRET is not set. Enter secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println() // Newline after hidden input
		if err != nil {
			fmt.Println("Error reading secret")
			return
		}
		if len(secret) == 0 {
			fmt.Println("Error: secret is required")
			return
		}
		cfg.JWTSecret = string(secret)
	}

	// TTL
	fmt.Print("Valid for hours (default 8): ")
	ttlStr, _ := reader.ReadString('\n')
	ttl := 8 * time.Hour
	if s := strings.TrimSpace(ttlStr); s != "" {
		h, err := strconv.Atoi(s)
		if err != nil || h <= 0 {
			fmt.Println("Error: hours must be a positive number")
			return
		}
		ttl = time.Duration(h) * time.Hour
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	var perms []string
	if tokenType == service.TokenTypeProctor {
		perms = []string{service.PermissionMonitor}
	}

	token, err := service.NewAuthService(cfg).GenerateToken(userID, tokenType, perms, ttl)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n%s token for user %d (expires in %s):\n%s\n", tokenType, userID, ttl, token)
}
