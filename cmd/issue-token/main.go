package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/service"
	"golang.org/x/term"
)

// issue-token signs a bearer token the way the auth provider does, for local
// testing of the student stream and the proctor monitor.
func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Issue Access Token ===")

	// Role
	fmt.Printf("Enter Role [%s/%s/%s/%s] (default student): ",
		service.RoleStudent, service.RoleProfessor, service.RoleTeacher, service.RoleAdmin)
	role := readLine(reader)
	if role == "" {
		role = service.RoleStudent
	}
	switch role {
	case service.RoleStudent, service.RoleProfessor, service.RoleTeacher, service.RoleAdmin:
	default:
		fmt.Println("Error: unknown role")
		return
	}

	// Name
	fmt.Print("Enter Name: ")
	name := readLine(reader)
	if name == "" {
		fmt.Println("Error: Name is required")
		return
	}

	// Email
	fmt.Print("Enter Email: ")
	email := readLine(reader)
	if email == "" && role == service.RoleStudent {
		fmt.Println("Error: Email is required for students")
		return
	}

	// TTL
	fmt.Print("Enter TTL (default 4h): ")
	ttl := 4 * time.Hour
	if raw := readLine(reader); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			fmt.Println("Error: TTL must be a positive duration such as 90m")
			return
		}
		ttl = d
	}

	// Secret, unless the environment already provides one
	if os.Getenv("JWT_SECRET") == "" {
		fmt.Print("Enter Signing Secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println() // Newline after secret input
		if err != nil {
			fmt.Println("Error reading secret")
			return
		}
		if len(secret) < 16 {
			fmt.Println("Error: Secret must be at least 16 characters")
			return
		}
		cfg.JWTSecret = string(secret)
	}

	// ─── Logic ─────────────────────────────────────────────────────────

	token, err := service.NewAuthService(cfg).IssueToken(uuid.New().String(), role, name, email, ttl)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nToken for %s (%s), valid %s:\n%s\n", name, role, ttl, token)
}

func readLine(r *bufio.Reader) string {
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}
