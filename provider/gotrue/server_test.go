package gotrue_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const testAPIKey = "anon-key"

type fakeUser struct {
	ID       string
	Password string
}

// fakeGoTrue is a minimal GoTrue server speaking the endpoints the client uses.
type fakeGoTrue struct {
	mu sync.Mutex

	users         map[string]fakeUser
	refreshTokens map[string]string // refresh token -> email

	expiresIn           int64
	omitExpiry          bool
	requireConfirmation bool
	logoutStatus        int
	refreshStatus       int
	otpStatus           int

	refreshCount int
	logoutCount  int
	lastRedirect string
	lastBearer   string

	sign      func(jwt.MapClaims) string
	published []jwk
	server    *httptest.Server
}

func newFakeGoTrue(t *testing.T) *fakeGoTrue {
	t.Helper()
	f := &fakeGoTrue{
		users:         make(map[string]fakeUser),
		refreshTokens: make(map[string]string),
		expiresIn:     3600,
	}
	f.sign = func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-secret"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	r := mux.NewRouter()
	r.Use(f.requireAPIKey)
	auth := r.PathPrefix("/auth/v1").Subrouter()
	auth.HandleFunc("/signup", f.signup).Methods(http.MethodPost)
	auth.HandleFunc("/token", f.passwordGrant).Methods(http.MethodPost).Queries("grant_type", "password")
	auth.HandleFunc("/token", f.refreshGrant).Methods(http.MethodPost).Queries("grant_type", "refresh_token")
	auth.HandleFunc("/otp", f.otp).Methods(http.MethodPost)
	auth.HandleFunc("/recover", f.recover).Methods(http.MethodPost)
	auth.HandleFunc("/logout", f.logout).Methods(http.MethodPost)
	auth.HandleFunc("/user", f.user).Methods(http.MethodGet)
	auth.HandleFunc("/.well-known/jwks.json", f.jwks).Methods(http.MethodGet)

	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeGoTrue) URL() string {
	return f.server.URL
}

func (f *fakeGoTrue) addUser(email, password string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New().String()
	f.users[email] = fakeUser{ID: id, Password: password}
	return id
}

func (f *fakeGoTrue) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/.well-known/jwks.json") {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("apikey") != testAPIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Invalid API key"})
			return
		}
		f.mu.Lock()
		f.lastBearer = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

type credentialsBody struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

func (f *fakeGoTrue) signup(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	_, exists := f.users[body.Email]
	f.mu.Unlock()
	if exists {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"code": 422, "error_code": "user_already_exists", "msg": "User already registered"})
		return
	}
	if len(body.Password) < 6 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"code": 422, "error_code": "weak_password", "msg": "Password should be at least 6 characters."})
		return
	}

	id := f.addUser(body.Email, body.Password)
	if f.requireConfirmation {
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "email": body.Email, "aud": "authenticated", "role": "authenticated"})
		return
	}
	writeJSON(w, http.StatusOK, f.issue(id, body.Email))
}

func (f *fakeGoTrue) passwordGrant(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	u, ok := f.users[body.Email]
	f.mu.Unlock()
	if !ok || u.Password != body.Password {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": 400, "error_code": "invalid_credentials", "msg": "Invalid login credentials"})
		return
	}
	writeJSON(w, http.StatusOK, f.issue(u.ID, body.Email))
}

func (f *fakeGoTrue) refreshGrant(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.refreshCount++
	status := f.refreshStatus
	email, ok := f.refreshTokens[body.RefreshToken]
	delete(f.refreshTokens, body.RefreshToken)
	u := f.users[email]
	f.mu.Unlock()

	if status != 0 {
		writeJSON(w, status, map[string]any{"error": "server_error", "error_description": "refresh unavailable"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "Invalid Refresh Token: Refresh Token Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, f.issue(u.ID, email))
}

func (f *fakeGoTrue) otp(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	status := f.otpStatus
	f.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, map[string]any{"code": status, "error_code": "over_email_send_rate_limit", "msg": "email rate limit exceeded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (f *fakeGoTrue) recover(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.lastRedirect = r.URL.Query().Get("redirect_to")
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (f *fakeGoTrue) logout(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	f.logoutCount++
	status := f.logoutStatus
	f.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, map[string]any{"message": "logout failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeGoTrue) user(w http.ResponseWriter, r *http.Request) {
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(bearer, claims); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": 401, "error_code": "bad_jwt", "msg": "invalid JWT"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            claims["sub"],
		"email":         claims["email"],
		"role":          "authenticated",
		"user_metadata": map[string]any{"company": "Acme Invoicing"},
	})
}

// signWith switches token signing to key and publishes the given keys on the JWKS
// endpoint.
func (f *fakeGoTrue) signWith(t *testing.T, key *signingKey, publish ...*signingKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sign = func(claims jwt.MapClaims) string {
		return key.sign(t, claims)
	}
	f.published = f.published[:0]
	for _, k := range publish {
		f.published = append(f.published, k.jwk())
	}
}

func (f *fakeGoTrue) jwks(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	keys := append([]jwk{}, f.published...)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (f *fakeGoTrue) issue(id, email string) map[string]any {
	exp := time.Now().Add(time.Duration(f.expiresIn) * time.Second)
	f.mu.Lock()
	sign := f.sign
	f.mu.Unlock()
	access := sign(jwt.MapClaims{
		"sub":   id,
		"email": email,
		"role":  "authenticated",
		"iss":   f.server.URL + "/auth/v1",
		"exp":   exp.Unix(),
		"iat":   time.Now().Unix(),
	})
	refresh := uuid.New().String()

	f.mu.Lock()
	f.refreshTokens[refresh] = email
	f.mu.Unlock()

	resp := map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"refresh_token": refresh,
		"user":          map[string]any{"id": id, "email": email, "role": "authenticated"},
	}
	if !f.omitExpiry {
		resp["expires_in"] = f.expiresIn
		resp["expires_at"] = exp.Unix()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
