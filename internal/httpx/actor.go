package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/lakbaymarket/orders/internal/orders"
)

// Identity arrives as trusted headers set by the auth edge; policy beyond
// "caller is identified" is out of scope here.
func actorFrom(r *http.Request) orders.Actor {
	role := orders.ActorRole(r.Header.Get("X-Actor-Role"))
	switch role {
	case orders.RoleTourist, orders.RoleBusiness, orders.RoleAdmin:
	default:
		role = orders.RoleTourist
	}
	return orders.Actor{
		ID:     r.Header.Get("X-User-Id"),
		Role:   role,
		Origin: r.RemoteAddr,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
