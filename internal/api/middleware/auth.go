package middleware

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"riskengine/pkg/crypto"
	"riskengine/pkg/utils"
)

// TOTPHeader - заголовок с одноразовым кодом для изменяющих запросов
const TOTPHeader = "X-TOTP-Code"

// verifiedTTL - сколько помнить успешную проверку пары логин/пароль
const verifiedTTL = time.Minute

// BasicAuth - HTTP Basic авторизация ops API по bcrypt-хешу пароля.
//
// Сравнение логина constant-time, пароль сверяется bcrypt. Успешная
// проверка кешируется на verifiedTTL по точному значению заголовка.
// При readOnlyOpen запросы GET/HEAD проходят без авторизации.
func BasicAuth(user, passwordHash string, readOnlyOpen bool) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		verified = make(map[string]time.Time)
	)
	log := utils.L().WithComponent("api")

	check := func(r *http.Request) bool {
		header := r.Header.Get("Authorization")
		mu.Lock()
		until, ok := verified[header]
		mu.Unlock()
		if ok && time.Now().Before(until) {
			return true
		}

		u, p, ok := r.BasicAuth()
		if !ok {
			return false
		}
		userMatch := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1
		if err := crypto.VerifyPassword(p, passwordHash); err != nil || !userMatch {
			log.Warn("ops api auth failed", utils.String("user", u), utils.String("remote", r.RemoteAddr))
			return false
		}

		mu.Lock()
		now := time.Now()
		for k, t := range verified {
			if now.After(t) {
				delete(verified, k)
			}
		}
		verified[header] = now.Add(verifiedTTL)
		mu.Unlock()
		return true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if readOnlyOpen && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
				next.ServeHTTP(w, r)
				return
			}
			if !check(r) {
				w.Header().Set("WWW-Authenticate", `Basic realm="riskengine ops"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TOTP требует одноразовый код в заголовке X-TOTP-Code.
// Без секрета проверка отключена, если она не обязательна; обязательная
// проверка без секрета отклоняет все запросы.
func TOTP(secret string, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				if required {
					http.Error(w, "TOTP is required but not configured", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			code := r.Header.Get(TOTPHeader)
			if code == "" || !totp.Validate(code, secret) {
				utils.L().WithComponent("api").Warn("ops api totp rejected",
					utils.String("path", r.URL.Path), utils.String("remote", r.RemoteAddr))
				http.Error(w, "Invalid TOTP code", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
