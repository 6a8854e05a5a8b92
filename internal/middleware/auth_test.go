package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"purchase-api/internal/config"
	"purchase-api/internal/database"
	"purchase-api/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const testJWTSecret = "test-session-secret"

func setupAuthTest(t *testing.T) *models.User {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}))

	prevDB := database.DB
	prevCfg := config.AppConfig
	database.DB = db
	config.AppConfig = &config.Config{JWTSecret: testJWTSecret}
	t.Cleanup(func() {
		database.DB = prevDB
		config.AppConfig = prevCfg
	})

	user := &models.User{PublicID: uuid.NewString(), Email: "diner@example.com"}
	require.NoError(t, db.Create(user).Error)
	return user
}

func authRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", UserAuthMiddleware(), func(c *gin.Context) {
		user := c.MustGet("user").(*models.User)
		c.JSON(http.StatusOK, gin.H{"user_id": user.ID})
	})
	return r
}

func mintSessionToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func getProtected(r *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestUserAuthAcceptsValidToken(t *testing.T) {
	user := setupAuthTest(t)
	r := authRouter()

	token := mintSessionToken(t, testJWTSecret, user.PublicID)
	w := getProtected(r, "Bearer "+token)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), fmt.Sprintf(`"user_id":%d`, user.ID))
}

func TestUserAuthRejectsMissingHeader(t *testing.T) {
	setupAuthTest(t)
	r := authRouter()

	assert.Equal(t, http.StatusUnauthorized, getProtected(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, getProtected(r, "Basic abc123").Code)
}

func TestUserAuthRejectsBadSignature(t *testing.T) {
	user := setupAuthTest(t)
	r := authRouter()

	token := mintSessionToken(t, "wrong-secret", user.PublicID)
	assert.Equal(t, http.StatusUnauthorized, getProtected(r, "Bearer "+token).Code)
}

func TestUserAuthRejectsExpiredToken(t *testing.T) {
	user := setupAuthTest(t)
	r := authRouter()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": user.PublicID,
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, getProtected(r, "Bearer "+signed).Code)
}

func TestUserAuthRejectsUnknownSubject(t *testing.T) {
	setupAuthTest(t)
	r := authRouter()

	token := mintSessionToken(t, testJWTSecret, uuid.NewString())
	assert.Equal(t, http.StatusUnauthorized, getProtected(r, "Bearer "+token).Code)
}
