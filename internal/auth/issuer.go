// Package auth mints and verifies room access tokens. Tokens are opaque
// bearer credentials to every other component; nothing outside this package
// inspects claims.
package auth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/microcosm-cc/bluemonday"

	"github.com/voxhall/voxhall/internal/domain"
)

const MaxIdentityLen = 50

// DefaultTokenTTL is a hard expiry; tokens are never refreshed, a new one
// must be requested after expiry or reconnect.
const DefaultTokenTTL = 15 * time.Minute

var (
	ErrInvalidDisplayName = errors.New("invalid display name")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrTokenExpired       = errors.New("token expired")
	ErrRoomMismatch       = errors.New("token bound to another room")
)

// RoomGetter is the slice of the room store the issuer needs for its
// admission precondition.
type RoomGetter interface {
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
}

// RoomClaims is the signed payload of an access token.
type RoomClaims struct {
	RoomID   domain.RoomID `json:"roomId"`
	Role     domain.Role   `json:"role"`
	Identity string        `json:"identity"`
	jwt.RegisteredClaims
}

// Issuer mints short-lived, role-scoped, room-bound credentials. It is
// stateless: issued tokens are not recorded anywhere.
type Issuer struct {
	secret   []byte
	ttl      time.Duration
	rooms    RoomGetter
	sanitize *bluemonday.Policy
}

func NewIssuer(secret string, ttl time.Duration, rooms RoomGetter) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{
		secret:   []byte(secret),
		ttl:      ttl,
		rooms:    rooms,
		sanitize: bluemonday.StrictPolicy(),
	}
}

// SanitizeDisplayName strips all markup, collapses to plain text, and
// truncates to MaxIdentityLen runes.
func (i *Issuer) SanitizeDisplayName(raw string) string {
	clean := html.UnescapeString(i.sanitize.Sanitize(raw))
	clean = strings.TrimSpace(clean)
	if r := []rune(clean); len(r) > MaxIdentityLen {
		clean = string(r[:MaxIdentityLen])
	}
	return clean
}

// Issue mints a token for a room that exists and is not closed.
func (i *Issuer) Issue(ctx context.Context, roomID domain.RoomID, role domain.Role, displayNameRaw string) (string, *RoomClaims, error) {
	if _, err := domain.ParseRole(string(role)); err != nil {
		return "", nil, err
	}
	identity := i.SanitizeDisplayName(displayNameRaw)
	if identity == "" {
		return "", nil, ErrInvalidDisplayName
	}

	room, err := i.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return "", nil, err
	}
	if room.Closed() {
		return "", nil, domain.ErrRoomClosed
	}

	now := time.Now()
	claims := &RoomClaims{
		RoomID:   roomID,
		Role:     role,
		Identity: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses and validates a token. Signature, expiry and claim shape all
// fail hard; there is no partial-trust fallback.
func (i *Issuer) Verify(accessToken string) (*RoomClaims, error) {
	token, err := jwt.ParseWithClaims(accessToken, &RoomClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := token.Claims.(*RoomClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if _, err := domain.ParseRole(string(claims.Role)); err != nil {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// VerifyForRoom additionally checks the room binding.
func (i *Issuer) VerifyForRoom(accessToken string, roomID domain.RoomID) (*RoomClaims, error) {
	claims, err := i.Verify(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.RoomID != roomID {
		return nil, ErrRoomMismatch
	}
	return claims, nil
}
