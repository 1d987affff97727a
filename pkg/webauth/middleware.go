package webauth

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/veridian-id/veridian/pkg/session"
	"github.com/veridian-id/veridian/pkg/user"
)

type contextKey string

const (
	sessionIDKey   contextKey = "webauth.session_id"
	currentUserKey contextKey = "webauth.current_user"
)

// SessionCookieName carries the session ID between requests.
const SessionCookieName = "veridian_session"

// SessionID returns the request's session ID. Empty only when the session
// middleware did not run.
func SessionID(ctx context.Context) string {
	sid, _ := ctx.Value(sessionIDKey).(string)
	return sid
}

// CurrentUser returns the authenticated user placed by RequireAuth.
func CurrentUser(ctx context.Context) (user.User, bool) {
	u, ok := ctx.Value(currentUserKey).(user.User)
	return u, ok
}

// WithSession guarantees every request carries a session: an existing cookie
// is picked up, anything else gets a fresh ID.
func (h *Handle) WithSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := ""
		if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
			sid = cookie.Value
		}
		if sid == "" {
			fresh, err := session.NewID()
			if err != nil {
				slog.Error("Failed to create session ID", "err", err)
				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, ErrorResponse{Message: "internal error"})
				return
			}
			sid = fresh
			h.writeSessionCookie(w, sid, false)
		}

		ctx := context.WithValue(r.Context(), sessionIDKey, sid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth loads the session's user and rejects unauthenticated requests.
func (h *Handle) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		u, ok := h.sessionUser(ctx)
		if !ok {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, ErrorResponse{Message: "unauthenticated"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, currentUserKey, u)))
	})
}

// RequirePasswordConfirmed gates sensitive endpoints behind a fresh password
// confirmation. Stale or missing confirmations get 423 so clients know to
// prompt for the password first.
func (h *Handle) RequirePasswordConfirmed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		confirmed, err := h.passwordConfirmed(ctx, SessionID(ctx))
		if err != nil {
			slog.Error("Failed to check password confirmation", "err", err)
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, ErrorResponse{Message: "internal error"})
			return
		}
		if !confirmed {
			render.Status(r, http.StatusLocked)
			render.JSON(w, r, ErrorResponse{Message: "password confirmation required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handle) sessionUser(ctx context.Context) (user.User, bool) {
	sid := SessionID(ctx)
	raw, ok, err := h.sessions.Get(ctx, sid, session.KeyUserID)
	if err != nil || !ok {
		return user.User{}, false
	}
	u, err := h.findUserByIDString(ctx, raw)
	if err != nil {
		return user.User{}, false
	}
	return u, true
}

func (h *Handle) passwordConfirmed(ctx context.Context, sid string) (bool, error) {
	stamp, ok, err := h.sessions.Get(ctx, sid, session.KeyPasswordConfirmedAt)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	confirmedAt, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return false, nil
	}
	return time.Now().UTC().Sub(confirmedAt) <= h.passwordConfirmTTL, nil
}

func (h *Handle) writeSessionCookie(w http.ResponseWriter, sid string, remember bool) {
	cookie := &http.Cookie{
		Name:     SessionCookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if remember {
		cookie.MaxAge = int(h.rememberTTL / time.Second)
	}
	http.SetCookie(w, cookie)
}

func (h *Handle) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
