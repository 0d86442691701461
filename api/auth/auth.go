// Package auth issues and verifies the JWTs the API authenticates
// users with
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"

	"github.com/snlabs/snpay/api/apierr"
	"github.com/snlabs/snpay/build"
)

const (
	// Header is the name of the header we check for authentication details
	Header = "Authorization"
	// userIdVariable is the Gin variable the authenticated user ID is
	// stored under
	userIdVariable = "user-id"
)

var log = build.AddSubLogger("AUTH")

var (
	ErrInvalidKeyType      = errors.New("key is not a RSA key")
	ErrJwtKeyHasNotBeenSet = errors.New("JWT key is nil! You need to call SetJwtPrivateKey before using this package")
)

// keys used to sign JWTs
var (
	jwtPrivateKey *rsa.PrivateKey
	jwtPublicKey  *rsa.PublicKey
)

// SetRawJwtPrivateKey takes in a PEM encoded RSA private key and sets
// the JWT signing key used in this package to it
func SetRawJwtPrivateKey(key []byte) error {
	privPem, _ := pem.Decode(key)
	if privPem == nil {
		return errors.New("could not decode PEM key")
	}
	if privPem.Type != "RSA PRIVATE KEY" {
		return ErrInvalidKeyType
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(privPem.Bytes)
	if err != nil {
		return err
	}

	SetJwtPrivateKey(privateKey)
	return nil
}

// SetJwtPrivateKey takes in a RSA private key and sets the JWT signing
// key used in this package to it
func SetJwtPrivateKey(key *rsa.PrivateKey) {
	jwtPrivateKey, jwtPublicKey = key, &key.PublicKey
}

// jwtClaims is the common form for our JWTs
type jwtClaims struct {
	UserID int `json:"user_id"`
	jwt.StandardClaims
}

// GetMiddleware returns the middleware for endpoints that require an
// authenticated user. The user ID is stored as a request variable for
// RequireUserID.
func GetMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(Header)
		if header == "" {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrMissingAuthHeader)
			return
		}
		userID, err := authenticateJWT(c)
		if err != nil {
			// authenticateJWT aborted the request with a fitting error
			return
		}
		c.Set(userIdVariable, userID)
		c.Next()
	}
}

// GetOptionalMiddleware returns the middleware for endpoints anonymous
// actors may call: a present auth header must be valid, a missing one
// leaves the request anonymous
func GetOptionalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(Header) == "" {
			c.Next()
			return
		}
		userID, err := authenticateJWT(c)
		if err != nil {
			return
		}
		c.Set(userIdVariable, userID)
		c.Next()
	}
}

// RequireUserID retrieves the authenticated user ID set by the
// middleware, rejecting the request if there is none
func RequireUserID(c *gin.Context) (int, bool) {
	userID, ok := UserID(c)
	if !ok {
		apierr.Public(c, http.StatusUnauthorized, apierr.ErrMissingAuthHeader)
	}
	return userID, ok
}

// UserID retrieves the authenticated user ID, ok is false for anonymous
// requests
func UserID(c *gin.Context) (int, bool) {
	value, exists := c.Get(userIdVariable)
	if !exists {
		return 0, false
	}
	userID, ok := value.(int)
	return userID, ok
}

func authenticateJWT(c *gin.Context) (int, error) {
	tokenString := c.GetHeader(Header)

	_, claims, err := parseBearerJwt(tokenString)
	if err != nil {
		var validationError *jwt.ValidationError
		if errors.As(err, &validationError) {
			switch validationError.Errors {
			case jwt.ValidationErrorMalformed:
				apierr.Public(c, http.StatusBadRequest, apierr.ErrMalformedJwt)
				return 0, err
			case jwt.ValidationErrorSignatureInvalid:
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrInvalidJwtSignature)
				return 0, err
			case jwt.ValidationErrorExpired:
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrExpiredJwt)
				return 0, err
			case jwt.ValidationErrorIssuedAt:
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrJwtNotValidYet)
				return 0, err
			}
		}

		log.WithError(err).Info("Got unexpected error when parsing JWT")
		_ = c.Error(err)
		c.Abort()
		return 0, err
	}

	return claims.UserID, nil
}

func parseBearerJwtWithKey(tokenString string, publicKey *rsa.PublicKey) (*jwt.Token, *jwtClaims, error) {
	// a malicious actor sending anything other than Bearer just ends up
	// with an invalid JWT
	if len(tokenString) < 7 || tokenString[:7] != "Bearer " {
		return nil, nil, jwt.NewValidationError("malformed JWT", jwt.ValidationErrorMalformed)
	}
	tokenString = tokenString[7:]

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) {
			return publicKey, nil
		})
	if err != nil {
		return nil, nil, err
	}
	if !token.Valid {
		return nil, nil, jwt.NewValidationError("invalid JWT", jwt.ValidationErrorUnverifiable)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, nil, fmt.Errorf("invalid token, unexpected claims type %T", token.Claims)
	}

	// JSON has no integers, the ID comes back as a float64
	id, ok := mapClaims["user_id"].(float64)
	if !ok {
		return nil, nil, fmt.Errorf("invalid token, could not extract user_id from claim")
	}

	return token, &jwtClaims{UserID: int(id)}, nil
}

// parseBearerJwt parses a string representation of a JWT and validates
// it is signed by us
func parseBearerJwt(tokenString string) (*jwt.Token, *jwtClaims, error) {
	if jwtPublicKey == nil {
		log.Panic(ErrJwtKeyHasNotBeenSet)
	}
	return parseBearerJwtWithKey(tokenString, jwtPublicKey)
}

// CreateJwt creates a new JWT for the given user, signed with our
// private key
func CreateJwt(userID int) (string, error) {
	if jwtPrivateKey == nil {
		log.Panic(ErrJwtKeyHasNotBeenSet)
	}

	expiresAt := time.Now().Add(5 * time.Hour).Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodRS512,
		&jwtClaims{
			UserID: userID,
			StandardClaims: jwt.StandardClaims{
				ExpiresAt: expiresAt,
				IssuedAt:  time.Now().Unix(),
			},
		},
	)

	tokenString, err := token.SignedString(jwtPrivateKey)
	if err != nil {
		log.WithError(err).Error("Signing JWT failed")
		return "", err
	}
	return "Bearer " + tokenString, nil
}
