package auth

import (
	"errors"
	"net/http"

	"AutoAgent/pkg/logger"
)

// Middleware 返回校验 API Key 的 HTTP 中间件。
// 认证关闭时中间件是透明的。
func (s *Service) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			credential := r.Header.Get("Authorization")
			if credential == "" {
				credential = r.Header.Get("X-API-Key")
			}
			subject, err := s.Authenticate(r.Context(), credential)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrInvalidKey) {
					status = http.StatusForbidden
				}
				logger.Audit().Warn("拒绝未授权请求",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
				)
				http.Error(w, http.StatusText(status), status)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}
