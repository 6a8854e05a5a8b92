package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"purchase-api/internal/config"
	"purchase-api/internal/database"
	"purchase-api/internal/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// UserAuthMiddleware authenticates requests with the bearer session token
// minted by the main TableMate backend. The token's sub claim carries the
// user's public id; the resolved user row is stored in the context.
func UserAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			c.JSON(http.StatusUnauthorized, response.Error(response.CodeUnauthenticated, "Missing bearer token"))
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		publicID, err := parseSubject(tokenString, config.AppConfig.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, response.Error(response.CodeUnauthenticated, "Invalid session token"))
			c.Abort()
			return
		}

		user, err := database.GetUserByPublicID(publicID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, response.Error(response.CodePersistenceFailed, "Failed to load user"))
			c.Abort()
			return
		}
		if user == nil {
			c.JSON(http.StatusUnauthorized, response.Error(response.CodeUnauthenticated, "Unknown user"))
			c.Abort()
			return
		}

		c.Set("user_id", user.ID)
		c.Set("user", user)
		c.Set("request_time", time.Now())
		c.Next()
	}
}

// parseSubject validates an HS256 session token and returns its subject.
func parseSubject(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return sub, nil
}
