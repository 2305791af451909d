package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/d60-Lab/suggestion-votes/pkg/response"
)

const (
	userIDKey = "user_id"
	roleKey   = "role"

	// RoleAdmin 可访问 /admin 运维接口
	RoleAdmin = "admin"

	UserIDHeader = "X-User-ID"
	RoleHeader   = "X-User-Role"
)

var errMissingToken = errors.New("missing bearer token")

// Auth 解析调用方身份。secret 非空时校验 HS256 Bearer Token（sub 为用户 ID，role 为角色）；
// secret 为空时直接信任 X-User-ID / X-User-Role，仅用于本地开发，release 模式下一律拒绝。
func Auth(secret string) gin.HandlerFunc {
	if secret == "" && gin.Mode() == gin.ReleaseMode {
		return func(c *gin.Context) {
			response.Unauthorized(c, "authentication not configured")
		}
	}
	return func(c *gin.Context) {
		var userID, role string
		if secret == "" {
			userID = c.GetHeader(UserIDHeader)
			role = c.GetHeader(RoleHeader)
		} else {
			var err error
			userID, role, err = parseToken(c.GetHeader("Authorization"), secret)
			if err != nil {
				response.Unauthorized(c, err.Error())
				return
			}
		}
		if userID == "" {
			response.Unauthorized(c, "unauthenticated")
			return
		}
		c.Set(userIDKey, userID)
		c.Set(roleKey, role)
		c.Next()
	}
}

func parseToken(header, secret string) (string, string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", "", errMissingToken
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", "", err
	}
	role, _ := claims["role"].(string)
	return sub, role, nil
}

// RequireRole 要求调用方具备指定角色
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(roleKey) != role {
			response.Forbidden(c, "forbidden")
			return
		}
		c.Next()
	}
}

// UserID 当前请求的用户 ID
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
