package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"riskengine/pkg/utils"
)

// Recovery перехватывает panic в обработчиках: пишет ошибку и stack trace
// в лог и отвечает 500. Детали паники клиенту не отдаются.
func Recovery(next http.Handler) http.Handler {
	log := utils.L().WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic in http handler",
					utils.String("path", r.URL.Path),
					utils.String("panic", fmt.Sprint(err)),
					utils.String("stack", string(debug.Stack())))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
