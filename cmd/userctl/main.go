package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pitstop.dev/internal/auth"
	"pitstop.dev/internal/ids"
)

// userctl provisions accounts from the operator's shell: the HTTP API
// deliberately has no user-creation endpoint.
func main() {
	log.SetFlags(0)
	var (
		dsn   = flag.String("dsn", os.Getenv("PITSTOP_PG_DSN"), "PostgreSQL DSN")
		org   = flag.String("org", "", "Organization id (create only)")
		email = flag.String("email", "", "User email")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or PITSTOP_PG_DSN")
	}
	if *email == "" {
		log.Fatal("missing -email")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: userctl -email <addr> [create|set-password|enable|disable]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	addr := strings.ToLower(strings.TrimSpace(*email))

	switch flag.Arg(0) {
	case "create":
		if *org == "" {
			log.Fatal("missing -org")
		}
		hash, err := hashFromStdin()
		if err != nil {
			log.Fatalf("read password: %v", err)
		}
		id := ids.New()
		if _, err := db.ExecContext(ctx, `
			insert into users (id, organization_id, email, password_hash, status)
			values ($1, $2, $3, $4, 'active')
		`, id, *org, addr, hash); err != nil {
			log.Fatalf("create user: %v", err)
		}
		fmt.Println(id)
	case "set-password":
		hash, err := hashFromStdin()
		if err != nil {
			log.Fatalf("read password: %v", err)
		}
		mustUpdate(ctx, db, `update users set password_hash = $2, updated_at = now() where email = $1`, addr, hash)
	case "enable":
		mustUpdate(ctx, db, `update users set status = 'active', updated_at = now() where email = $1`, addr)
	case "disable":
		mustUpdate(ctx, db, `update users set status = 'disabled', permissions_version = permissions_version + 1, updated_at = now() where email = $1`, addr)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
}

func hashFromStdin() (string, error) {
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	password := strings.TrimRight(line, "\r\n")
	if len(password) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}
	return auth.HashPassword(password)
}

func mustUpdate(ctx context.Context, db *sql.DB, query string, args ...any) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Fatalf("update user: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Fatal("no such user")
	}
}
