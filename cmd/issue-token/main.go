package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/logger"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/service"
	"golang.org/x/term"
)

// issue-token mints a JWT for an identity managed by the external auth
// backend. Useful for local testing and operator tooling.
func main() {
	var (
		identity     string
		admin        bool
		permissions  string
		promptSecret bool
	)
	flag.StringVar(&identity, "identity", "", "Identity ID (token subject)")
	flag.BoolVar(&admin, "admin", false, "Issue an admin token instead of an exam-taker token")
	flag.StringVar(&permissions, "permissions", "", "Comma-separated admin permissions (default: all)")
	flag.BoolVar(&promptSecret, "prompt-secret", false, "Read the signing secret from the terminal instead of JWT_SECRET")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	// ─── CLI Input ─────────────────────────────────────────────────────
	if identity == "" {
		fmt.Fprint(os.Stderr, "Enter Identity ID: ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		identity = strings.TrimSpace(line)
	}
	if identity == "" {
		fmt.Fprintln(os.Stderr, "Error: identity is required")
		os.Exit(2)
	}

	if promptSecret {
		fmt.Fprint(os.Stderr, "Enter JWT Secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read secret")
		}
		if len(secret) == 0 {
			fmt.Fprintln(os.Stderr, "Error: secret must not be empty")
			os.Exit(2)
		}
		cfg.JWTSecret = string(secret)
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	authService := service.NewAuthService(cfg)

	var (
		token string
		err   error
	)
	if admin {
		token, err = authService.GenerateAdminToken(identity, parsePermissions(permissions))
	} else {
		token, err = authService.GenerateStudentToken(identity)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}

	fmt.Println(token)
}

func parsePermissions(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{
			string(model.PermissionResultsRead),
			string(model.PermissionSessionsManage),
		}
	}
	var perms []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			perms = append(perms, p)
		}
	}
	return perms
}
