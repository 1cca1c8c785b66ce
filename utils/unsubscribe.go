package utils

import (
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// UnsubscribeToken signs a stable token for a contact. The claims carry
// no timestamps, so the token is deterministic for a fixed contact and
// secret and the emailed link never expires.
func UnsubscribeToken(contactID uint, secret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   strconv.FormatUint(uint64(contactID), 10),
		"scope": "unsubscribe",
	})
	return token.SignedString([]byte(secret))
}

// ParseUnsubscribeToken verifies a token and returns the contact id.
func ParseUnsubscribeToken(tokenString, secret string) (uint, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return 0, fmt.Errorf("invalid unsubscribe token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || claims["scope"] != "unsubscribe" {
		return 0, fmt.Errorf("invalid unsubscribe token claims")
	}
	sub, _ := claims["sub"].(string)
	id, err := strconv.ParseUint(sub, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid unsubscribe token subject: %w", err)
	}
	return uint(id), nil
}

// UnsubscribeURL builds the emailed unsubscribe link for a contact.
func UnsubscribeURL(baseURL string, contactID uint, secret string) (string, error) {
	token, err := UnsubscribeToken(contactID, secret)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/unsubscribe/%s", baseURL, token), nil
}
