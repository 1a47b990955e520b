package models

import (
	"github.com/dgrijalva/jwt-go"
)

// Claims is the payload of access tokens issued by the account service.
type Claims struct {
	UserID uint   `json:"user_id"`
	Role   string `json:"role"`
	jwt.StandardClaims
}
