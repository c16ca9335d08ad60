package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/api"
	"github.com/BaSui01/agentfleet/coordination"
	"github.com/BaSui01/agentfleet/internal/ctxkeys"
	"github.com/BaSui01/agentfleet/types"
)

// =============================================================================
// 🔐 授权令牌校验
// =============================================================================

// GrantVerifier 校验授权令牌，*coordination.GrantIssuer 实现该接口
type GrantVerifier interface {
	Verify(token string) (*coordination.GrantClaims, error)
}

type grantClaimsKey struct{}

// GrantFromContext 返回 RequireGrant 写入的令牌声明
func GrantFromContext(ctx context.Context) (*coordination.GrantClaims, bool) {
	claims, ok := ctx.Value(grantClaimsKey{}).(*coordination.GrantClaims)
	return claims, ok && claims != nil
}

// RequireGrant 要求请求携带级别不低于 min 的 Bearer 授权令牌
//
// verifier 为 nil（未配置签名密钥）时拒绝全部请求。
func RequireGrant(verifier GrantVerifier, min coordination.AccessLevel, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				WriteError(w, r, types.NewAccessDeniedError("grant tokens are not configured on this server"), logger)
				return
			}

			token, ok := BearerToken(r)
			if !ok {
				writeUnauthenticated(w, r)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				WriteError(w, r, err, logger)
				return
			}
			if claims.Level < min {
				WriteError(w, r, types.NewAccessDeniedError(
					"grant level %s below required %s", claims.Level, min), logger)
				return
			}

			ctx := context.WithValue(r.Context(), grantClaimsKey{}, claims)
			ctx = ctxkeys.WithPrincipal(ctx, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken 提取 Authorization: Bearer 令牌
func BearerToken(r *http.Request) (string, bool) {
	const prefix = "bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

func writeUnauthenticated(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="agentfleet"`)
	WriteJSON(w, http.StatusUnauthorized, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    "UNAUTHENTICATED",
			Message: "missing bearer grant token",
		},
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// HandleGrantSelf 返回当前令牌的声明（GET /v1/grants/self）
func HandleGrantSelf(w http.ResponseWriter, r *http.Request) {
	claims, ok := GrantFromContext(r.Context())
	if !ok {
		writeUnauthenticated(w, r)
		return
	}
	resp := api.GrantResponse{
		Principal: claims.Subject,
		Level:     claims.Level.String(),
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time
	}
	WriteSuccess(w, r, resp)
}
