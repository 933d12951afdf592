package security_test

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/m-mizutani/gt"

	"github.com/classroom-assistant/backend/internal/middleware/security"
)

func TestHeaders(t *testing.T) {
	app := fiber.New()
	app.Use(security.HeadersMiddleware(security.HeadersConfig{AllowedOrigins: []string{"https://class.example.com", "*"}}))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil), -1)
	gt.NoError(t, err)
	defer resp.Body.Close()

	gt.Equal(t, resp.Header.Get("X-Frame-Options"), "DENY")
	gt.NotEqual(t, resp.Header.Get("Strict-Transport-Security"), "")
	csp := resp.Header.Get("Content-Security-Policy")
	gt.S(t, csp).Contains("connect-src 'self' https://class.example.com;")
	gt.S(t, csp).NotContains("*")
}

func TestRequireRole(t *testing.T) {
	app := fiber.New()
	app.Get("/", security.RequireRole("teacher"), func(c *fiber.Ctx) error { return c.SendString("ok") })

	cases := []struct {
		role string
		want int
	}{
		{"", fiber.StatusForbidden},
		{"student", fiber.StatusForbidden},
		{"teacher", fiber.StatusOK},
		{" TEACHER ", fiber.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/", nil)
		if tc.role != "" {
			req.Header.Set(security.RoleHeader, tc.role)
		}
		resp, err := app.Test(req, -1)
		gt.NoError(t, err)
		resp.Body.Close()
		gt.Equal(t, resp.StatusCode, tc.want)
	}
}
