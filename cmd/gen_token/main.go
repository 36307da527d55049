package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Prints an operator session token for poking the API locally.
func main() {
	signingSecret := os.Getenv("APP_SIGNING_SECRET")
	if signingSecret == "" {
		signingSecret = "test-secret"
	}
	email := os.Getenv("OPERATOR_EMAIL")
	if email == "" {
		email = "admin@example.com"
	}

	claims := jwt.MapClaims{
		"email": email,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(8 * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString([]byte(signingSecret))
	if err != nil {
		panic(err)
	}
	fmt.Println(signedToken)
}
