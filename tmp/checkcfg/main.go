package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"pepseek/internal/app"
	"pepseek/internal/config"
	"pepseek/internal/server"
)

func main() {
	workspace, err := os.MkdirTemp("", "pepseek-check")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(workspace)
	if err := os.WriteFile(filepath.Join(workspace, "pepseek.yml"), []byte(config.GenerateDefault("pepseek")), 0o644); err != nil {
		panic(err)
	}
	a, err := app.Open(workspace)
	if err != nil {
		panic(err)
	}
	defer a.Close()
	jwtSecret := "test-secret"
	h, err := server.New(server.Config{Engine: a.Engine, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: jwtSecret}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()
	token := signToken(jwtSecret, "tester", time.Now().Add(time.Hour))

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v0/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("status=%d resp=%v\n", res.StatusCode, resp)
}

func signToken(secret, subject string, expiresAt time.Time) string {
	// minimal copy of server_test helper
	claims := map[string]any{
		"sub": subject,
		"exp": expiresAt.Unix(),
		"nbf": time.Now().Unix(),
		"iat": time.Now().Unix(),
	}
	header := map[string]any{"alg": "HS256", "typ": "JWT"}
	enc := func(v any) string {
		b, _ := json.Marshal(v)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	signing := enc(header) + "." + enc(claims)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
