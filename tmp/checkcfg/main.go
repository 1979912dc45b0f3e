package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"focuslock/internal/config"
	"focuslock/internal/db"
	"focuslock/internal/engine"
	"focuslock/internal/migrate"
	"focuslock/internal/monitor"
	"focuslock/internal/server"
	"focuslock/internal/unlock"
	"focuslock/internal/wake"
)

func main() {
	workspace := "/tmp/focuslock-check1"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	e.Wake = wake.New(e.OnFire)
	if err := e.BootRecover(context.Background()); err != nil {
		panic(err)
	}
	jwtSecret := "test-secret"
	h, err := server.New(server.Config{
		Engine:  e,
		Monitor: monitor.New(e),
		Unlock:  unlock.New(conn),
		Auth:    server.AuthConfig{JWTSecret: jwtSecret},
	})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()
	token := signToken(jwtSecret, "tester", time.Now().Add(time.Hour))

	post(ts.URL+"/v0/session/start", token, map[string]any{"duration_minutes": 25})
	post(ts.URL+"/v0/foreground", token, map[string]any{"package_id": "com.example.social"})
	post(ts.URL+"/v0/foreground", token, map[string]any{"package_id": "com.android.systemui"})
}

func post(url, token string, body map[string]any) {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("%s status=%d resp=%v\n", url, res.StatusCode, resp)
}

func signToken(secret, actorID string, expiresAt time.Time) string {
	claims := jwt.RegisteredClaims{
		Subject:   actorID,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return signed
}
