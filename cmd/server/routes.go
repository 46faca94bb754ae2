package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/wispberry-tech/wispy-guard/core"
	"github.com/wispberry-tech/wispy-guard/core/ratelimit"
)

// newRouter mounts the guard's handlers under /auth.
func newRouter(guard *core.Guard, storage core.Storage, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(guard.SecurityHeaders)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := storage.Ping(r.Context()); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	r.Route("/auth", func(r chi.Router) {
		// Per-IP ceiling ahead of CSRF so rejected requests still count.
		r.Use(guard.RateLimit(ratelimit.ScopeRequest))

		r.Get("/csrf", func(w http.ResponseWriter, r *http.Request) {
			core.WriteResponse(w, guard.CSRFTokenHandler(w, r))
		})

		// These handlers consume their own buckets keyed by IP and email.
		r.Group(func(r chi.Router) {
			r.Use(guard.CSRF)

			r.Post("/signup", func(w http.ResponseWriter, r *http.Request) {
				resp := guard.SignUpHandler(r)
				setSessionCookie(w, resp.Token, resp.SessionExpiresAt)
				core.WriteResponse(w, resp)
			})
			r.Post("/signin", func(w http.ResponseWriter, r *http.Request) {
				resp := guard.SignInHandler(r)
				setSessionCookie(w, resp.Token, resp.SessionExpiresAt)
				core.WriteResponse(w, resp)
			})
			r.Post("/password-reset", func(w http.ResponseWriter, r *http.Request) {
				core.WriteResponse(w, guard.PasswordResetRequestHandler(r))
			})
			r.Post("/password-reset/confirm", func(w http.ResponseWriter, r *http.Request) {
				core.WriteResponse(w, guard.PasswordResetConfirmHandler(r))
			})
		})

		r.With(guard.Protect(ratelimit.ScopeAuth, false)).Post("/verify-email", func(w http.ResponseWriter, r *http.Request) {
			core.WriteResponse(w, guard.VerifyEmailHandler(r))
		})

		r.Group(func(r chi.Router) {
			r.Use(guard.CSRF, guard.RequireSession)

			r.Post("/logout", func(w http.ResponseWriter, r *http.Request) {
				clearSessionCookie(w)
				core.WriteResponse(w, guard.LogoutHandler(r))
			})
			r.Post("/verify-email/send", func(w http.ResponseWriter, r *http.Request) {
				core.WriteResponse(w, guard.SendVerificationEmailHandler(r))
			})
			r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
				core.WriteResponse(w, guard.GetSessionsHandler(r))
			})
			r.Get("/security-events", func(w http.ResponseWriter, r *http.Request) {
				core.WriteResponse(w, guard.SecurityEventsHandler(r))
			})
			r.Post("/2fa/setup", func(w http.ResponseWriter, r *http.Request) {
				core.WriteResponse(w, guard.TwoFactorSetupHandler(r))
			})
			r.Post("/2fa/verify", func(w http.ResponseWriter, r *http.Request) {
				core.WriteResponse(w, guard.TwoFactorVerifyHandler(r))
			})
			r.Post("/2fa/disable", func(w http.ResponseWriter, r *http.Request) {
				core.WriteResponse(w, guard.TwoFactorDisableHandler(r))
			})
		})

		r.With(guard.Protect(ratelimit.ScopeAuth, true)).Post("/change-password", func(w http.ResponseWriter, r *http.Request) {
			core.WriteResponse(w, guard.ChangePasswordHandler(r))
		})

		r.Route("/oauth/{provider}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				resp := guard.OAuthInitHandler(w, r, chi.URLParam(r, "provider"))
				if resp.StatusCode == http.StatusOK {
					http.Redirect(w, r, resp.URL, http.StatusTemporaryRedirect)
					return
				}
				core.WriteResponse(w, resp)
			})
			r.With(guard.RateLimit(ratelimit.ScopeAuth)).Get("/callback", func(w http.ResponseWriter, r *http.Request) {
				resp := guard.OAuthCallbackHandler(w, r, chi.URLParam(r, "provider"))
				setSessionCookie(w, resp.Token, resp.SessionExpiresAt)
				core.WriteResponse(w, resp)
			})
		})
	})

	return r
}

func setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	if token == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     core.SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     core.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}
