package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// 令牌种类：access 代表房间内的一个用户，invite 允许免审批加入私有房间。
const (
	KindAccess = "access"
	KindInvite = "invite"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongKind    = errors.New("wrong token kind")
)

type Claims struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id,omitempty"`
	Kind   string `json:"kind"`
	jwt.RegisteredClaims
}

// Issuer 签发并校验房间令牌。
type Issuer struct {
	Secret    string
	AccessTTL time.Duration
	InviteTTL time.Duration
}

func NewIssuer(secret string, ttlMinutes int) Issuer {
	return Issuer{
		Secret:    secret,
		AccessTTL: time.Duration(ttlMinutes) * time.Minute,
		InviteTTL: 7 * 24 * time.Hour,
	}
}

func (i Issuer) sign(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(i.Secret))
}

func (i Issuer) AccessToken(roomID, userID string) (string, error) {
	return i.sign(Claims{
		RoomID:           roomID,
		UserID:           userID,
		Kind:             KindAccess,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, i.AccessTTL)
}

func (i Issuer) InviteToken(roomID string) (string, error) {
	return i.sign(Claims{RoomID: roomID, Kind: KindInvite}, i.InviteTTL)
}

func (i Issuer) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(i.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// ParseKind 校验令牌并要求指定的种类。
func (i Issuer) ParseKind(tokenStr, kind string) (*Claims, error) {
	claims, err := i.Parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, ErrWrongKind
	}
	return claims, nil
}

// BearerToken 从 Authorization 头取令牌，WebSocket 握手也可以用 token 查询参数。
func BearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return c.Query("token")
}

func Middleware(issuer Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := BearerToken(c)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := issuer.ParseKind(tokenStr, KindAccess)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}

func GetClaims(c *gin.Context) *Claims {
	if v, ok := c.Get("claims"); ok {
		if claims, ok2 := v.(*Claims); ok2 {
			return claims
		}
	}
	return &Claims{}
}
