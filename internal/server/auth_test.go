package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/mohammad-safakhou/council/internal/store"
)

var testSecret = []byte("test-secret")

func TestSignupStoresOrg(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	handler := &AuthHandler{Store: &store.Store{DB: db}, Secret: testSecret}

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("ana@example.com", sqlmock.AnyArg(), "acme").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", strings.NewReader(`{"email":" Ana@Example.com ","password":"longenough","org":"acme"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := handler.signup(e.NewContext(req, rec)); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSignupRejectsShortPassword(t *testing.T) {
	e := echo.New()
	handler := &AuthHandler{Store: &store.Store{}, Secret: testSecret}
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", strings.NewReader(`{"email":"a@b.c","password":"short","org":"acme"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	err := handler.signup(e.NewContext(req, httptest.NewRecorder()))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestLoginIssuesOrgToken(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	handler := &AuthHandler{Store: &store.Store{DB: db}, Secret: testSecret}

	hash, _ := bcrypt.GenerateFromPassword([]byte("longenough"), bcrypt.MinCost)
	mock.ExpectQuery(`SELECT id, password_hash, org_id FROM users WHERE email=\$1`).
		WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash", "org_id"}).AddRow("user-1", string(hash), "acme"))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"ana@example.com","password":"longenough"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := handler.login(e.NewContext(req, rec)); err != nil {
		t.Fatalf("login: %v", err)
	}
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("decode token: %v %s", err, rec.Body.String())
	}
	parsed, err := jwt.Parse(resp.Token, func(*jwt.Token) (interface{}, error) { return testSecret, nil })
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["sub"] != "user-1" || claims["org"] != "acme" {
		t.Fatalf("unexpected claims %v", claims)
	}
}

func TestWithAuth(t *testing.T) {
	e := echo.New()
	var gotOrg, gotUser string
	next := func(c echo.Context) error {
		gotOrg, gotUser = orgOf(c), userID(c)
		return c.NoContent(http.StatusOK)
	}
	h := withAuth(next, testSecret)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	if err := h(e.NewContext(req, httptest.NewRecorder())); err == nil {
		t.Fatalf("missing token must be rejected")
	}

	tok, err := SignJWT("user-1", "acme", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	if err := h(e.NewContext(req, httptest.NewRecorder())); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if gotOrg != "acme" || gotUser != "user-1" {
		t.Fatalf("context not populated: org=%q user=%q", gotOrg, gotUser)
	}

	expired, _ := SignJWT("user-1", "acme", testSecret, -time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: expired})
	if err := h(e.NewContext(req, httptest.NewRecorder())); err == nil {
		t.Fatalf("expired token must be rejected")
	}

	forged, _ := SignJWT("user-1", "acme", []byte("other"), time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	if err := h(e.NewContext(req, httptest.NewRecorder())); err == nil {
		t.Fatalf("token signed with another secret must be rejected")
	}
}
