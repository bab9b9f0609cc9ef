package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/cuecraft/api/internal/platform/auth"
	"github.com/cuecraft/api/internal/platform/httpx"
	"github.com/cuecraft/api/internal/services"
)

// PrincipalResolver maps a verified identity-provider UID onto the marketplace principal.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, uid string) (services.Principal, error)
}

// currentPrincipal resolves the caller for member endpoints. It writes the error response and
// returns false when the caller is unknown or the user store cannot be reached.
func currentPrincipal(w http.ResponseWriter, r *http.Request, users PrincipalResolver) (services.Principal, bool) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Principal{}, false
	}
	if users == nil {
		httpx.WriteError(ctx, w, httpx.NewError("user_service_unavailable", "user service unavailable", http.StatusServiceUnavailable))
		return services.Principal{}, false
	}
	principal, err := users.ResolvePrincipal(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return services.Principal{}, false
	}
	return principal, true
}

// systemPrincipal maps an OIDC-authenticated service caller onto a system actor.
func systemPrincipal(w http.ResponseWriter, r *http.Request) (services.Principal, bool) {
	ctx := r.Context()
	svc, ok := auth.ServiceIdentityFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "service authentication required", http.StatusUnauthorized))
		return services.Principal{}, false
	}
	name := strings.TrimSpace(svc.Email)
	if name == "" {
		name = strings.TrimSpace(svc.Subject)
	}
	return services.SystemPrincipal(name), true
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_service_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}
