package integration

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"eduscrumawards/portal/internal/auth"
)

func openTestPostgres(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres integration tests")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("sql.Open() error: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if err := db.Ping(); err != nil {
		t.Fatalf("db.Ping() error: %v", err)
	}
	return db
}

type stubAuthenticator struct {
	user auth.User
}

func (s stubAuthenticator) Login(_ context.Context, email, _ string) (auth.AuthResponse, error) {
	return auth.AuthResponse{Token: "itest-token", ID: s.user.ID, Name: s.user.Name, Email: email, Role: s.user.Role}, nil
}

func (s stubAuthenticator) Register(context.Context, auth.Registration) (auth.AuthResponse, error) {
	return auth.AuthResponse{}, fmt.Errorf("not used")
}

func (s stubAuthenticator) CurrentUser(context.Context) (auth.User, error) {
	return auth.User{Name: s.user.Name, Email: s.user.Email, Role: s.user.Role}, nil
}

func TestPostgresSessionSurvivesRestart(t *testing.T) {
	db := openTestPostgres(t)
	ctx := context.Background()
	ns := fmt.Sprintf("itest_%d", time.Now().UnixNano())

	newManager := func() (*auth.Manager, *auth.SessionStore) {
		kv, err := auth.NewPostgresKV(ctx, db, ns)
		if err != nil {
			t.Fatalf("NewPostgresKV() error: %v", err)
		}
		store, err := auth.NewSessionStore(kv)
		if err != nil {
			t.Fatalf("NewSessionStore() error: %v", err)
		}
		user := auth.User{ID: 42, Name: "Integration Prof", Email: "itest@uni.pt", Role: auth.RoleProfessor}
		m, err := auth.NewManager(store, stubAuthenticator{user: user}, auth.ManagerConfig{})
		if err != nil {
			t.Fatalf("NewManager() error: %v", err)
		}
		if err := m.Init(ctx); err != nil {
			t.Fatalf("Init() error: %v", err)
		}
		return m, store
	}

	first, _ := newManager()
	if first.IsAuthenticated() {
		t.Fatalf("fresh namespace must start unauthenticated")
	}
	if _, err := first.Login(ctx, "itest@uni.pt", "pw"); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	second, store := newManager()
	u, ok := second.User()
	if !ok {
		t.Fatalf("expected restored session after restart")
	}
	if u.ID != 42 || u.Role != auth.RoleProfessor {
		t.Fatalf("unexpected restored user %+v", u)
	}

	if err := second.Logout(ctx); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	if _, ok, err := store.Token(ctx); err != nil || ok {
		t.Fatalf("expected token removed after logout, ok=%v err=%v", ok, err)
	}
	var rows int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM client_session_kv WHERE namespace = $1`, ns).Scan(&rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 0 {
		t.Fatalf("expected no rows left for namespace, got %d", rows)
	}
}
