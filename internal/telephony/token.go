package telephony

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VideoGrant mirrors the room permissions section of an access token.
type VideoGrant struct {
	RoomCreate bool   `json:"roomCreate,omitempty"`
	RoomAdmin  bool   `json:"roomAdmin,omitempty"`
	RoomList   bool   `json:"roomList,omitempty"`
	Room       string `json:"room,omitempty"`
}

// SIPGrant mirrors the telephony permissions section of an access token.
type SIPGrant struct {
	Admin bool `json:"admin,omitempty"`
	Call  bool `json:"call,omitempty"`
}

// AccessClaims is the claim set the control plane expects on server API calls.
type AccessClaims struct {
	jwt.RegisteredClaims
	Video *VideoGrant `json:"video,omitempty"`
	SIP   *SIPGrant   `json:"sip,omitempty"`
}

// signToken mints a short-lived HS256 token issued by apiKey.
func signToken(apiKey, apiSecret string, now time.Time, ttl time.Duration, video *VideoGrant, sip *SIPGrant) (string, error) {
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    apiKey,
			Subject:   apiKey,
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Video: video,
		SIP:   sip,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(apiSecret))
}
