package utils

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt"
	"golang.org/x/exp/rand"
)

// Websocket upgrades cannot carry an Authorization header from mobile
// webviews, so the client first trades its bearer token for a short-lived
// ticket and passes that in the query string.
const ticketTTL = 30 * time.Second

type TicketManager struct {
	signingKey string
}

func NewTicketManager(signingKey string) (*TicketManager, error) {
	if signingKey == "" {
		return nil, errors.New("empty signing key")
	}
	return &TicketManager{signingKey: signingKey}, nil
}

// NewTicket issues a single-purpose ticket for the given user. The random id
// keeps two tickets issued in the same second distinct.
func (m *TicketManager) NewTicket(userID int) (string, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
		ExpiresAt: time.Now().Add(ticketTTL).Unix(),
		Subject:   strconv.Itoa(userID),
		Audience:  "ws",
		Id:        fmt.Sprintf("%x", nonce),
	})
	return token.SignedString([]byte(m.signingKey))
}

// VerifyTicket validates the ticket and returns the user it was issued to.
func (m *TicketManager) VerifyTicket(ticket string) (int, error) {
	token, err := jwt.ParseWithClaims(ticket, &jwt.StandardClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.signingKey), nil
	})
	if err != nil {
		return 0, err
	}

	claims, ok := token.Claims.(*jwt.StandardClaims)
	if !ok || !token.Valid {
		return 0, errors.New("invalid ticket claims")
	}
	if claims.Audience != "ws" {
		return 0, errors.New("token is not a ws ticket")
	}
	userID, err := strconv.Atoi(claims.Subject)
	if err != nil {
		return 0, fmt.Errorf("invalid ticket subject: %w", err)
	}
	return userID, nil
}
