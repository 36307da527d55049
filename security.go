package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

func haversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusMeters = 6371000.0
	toRad := func(deg float64) float64 {
		return deg * math.Pi / 180
	}
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

func generatePublicID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func (a *App) createOperatorSessionToken(session OperatorSession) (string, error) {
	claims := jwt.MapClaims{
		"email": session.Email,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(operatorSessionDuration).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.AppSigningSecret))
}

func (a *App) verifyOperatorSessionToken(tokenString string) (*OperatorSession, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(a.cfg.AppSigningSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	email, _ := claims["email"].(string)
	if email == "" {
		return nil, fmt.Errorf("invalid session payload")
	}
	return &OperatorSession{Email: email}, nil
}

func (a *App) authenticateOperatorCredentials(ctx context.Context, email string, password string) error {
	var passwordHash sql.NullString
	var isActive bool
	err := a.db.QueryRowContext(ctx, `
		SELECT password_hash, is_active
		FROM operators
		WHERE email = $1
	`, email).Scan(&passwordHash, &isActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &apiError{Status: http.StatusUnauthorized, Code: "invalid_credentials", Message: "Invalid credentials"}
		}
		return err
	}
	if !passwordHash.Valid || !isActive || bcrypt.CompareHashAndPassword([]byte(passwordHash.String), []byte(password)) != nil {
		return &apiError{Status: http.StatusUnauthorized, Code: "invalid_credentials", Message: "Invalid credentials"}
	}
	return nil
}

func (a *App) startOperatorSession(c *gin.Context, session OperatorSession) error {
	token, err := a.createOperatorSessionToken(session)
	if err != nil {
		return err
	}
	secure := strings.EqualFold(a.cfg.Env, "production")
	c.SetCookie(operatorCookieName, token, int(operatorSessionDuration.Seconds()), "/", "", secure, true)
	return nil
}

func (a *App) clearOperatorSession(c *gin.Context) {
	secure := strings.EqualFold(a.cfg.Env, "production")
	c.SetCookie(operatorCookieName, "", -1, "/", "", secure, true)
}

func (a *App) requireOperatorSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(operatorCookieName)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Operator session required"})
			c.Abort()
			return
		}
		session, err := a.verifyOperatorSessionToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Operator session required"})
			c.Abort()
			return
		}
		c.Set("operatorSession", *session)
		c.Next()
	}
}

func getOperatorSession(c *gin.Context) (OperatorSession, error) {
	value, ok := c.Get("operatorSession")
	if !ok {
		return OperatorSession{}, fmt.Errorf("missing session")
	}
	session, ok := value.(OperatorSession)
	if !ok {
		return OperatorSession{}, fmt.Errorf("invalid session")
	}
	return session, nil
}
