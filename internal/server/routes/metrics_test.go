package routes

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
)

func TestRegisterMetricsRouteServesHandler(t *testing.T) {
	app := fiber.New()
	RegisterMetricsRoute(app, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "anyfetch_up 1\n")
	}))

	resp, err := app.Test(httptest.NewRequest("GET", "http://any-fetch.local/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "anyfetch_up 1\n" {
		t.Fatalf("unexpected body %q", string(body))
	}
}

func TestRegisterMetricsRouteIgnoresNil(t *testing.T) {
	app := fiber.New()
	RegisterMetricsRoute(app, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "http://any-fetch.local/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 without handler, got %d", resp.StatusCode)
	}
}
