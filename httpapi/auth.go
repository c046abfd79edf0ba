package httpapi

import (
	"crypto/sha256"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"flux_backend/logging"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// bcrypt cost bounds for API token hashes.
const (
	DefaultTokenCost = 12
	MinTokenCost     = 10
)

var (
	ErrEmptyToken    = errors.New("httpapi: token cannot be empty")
	ErrInvalidHash   = errors.New("httpapi: invalid token hash")
	ErrTokenMismatch = errors.New("httpapi: token does not match")
)

// HashToken returns the bcrypt hash to store in API_TOKEN_HASH.
func HashToken(token string) (string, error) {
	return HashTokenWithCost(token, DefaultTokenCost)
}

func HashTokenWithCost(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	if cost < MinTokenCost || cost > bcrypt.MaxCost {
		return "", bcrypt.InvalidCostError(cost)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyToken compares token against hash in constant time.
func VerifyToken(token, hash string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return ErrTokenMismatch
	default:
		return ErrInvalidHash
	}
}

// TokenAuth enforces "Authorization: Bearer <token>" against a bcrypt hash.
// A verified token is remembered by digest so bcrypt runs once per token.
type TokenAuth struct {
	hash    string
	limiter *RateLimiter
	logger  *logging.Logger

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

// NewTokenAuth validates hash and returns the middleware factory.
func NewTokenAuth(hash string, limits RateLimitConfig, logger *logging.Logger) (*TokenAuth, error) {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return nil, ErrInvalidHash
	}
	if cost < MinTokenCost {
		return nil, bcrypt.InvalidCostError(cost)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &TokenAuth{
		hash:     hash,
		limiter:  NewRateLimiter(limits),
		logger:   logger,
		verified: make(map[[sha256.Size]byte]struct{}),
	}, nil
}

func (a *TokenAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if allowed, remaining := a.limiter.Allow(ip); !allowed {
			a.logger.Warn("Rate limit exceeded", zap.String("ip", ip), zap.Duration("remaining", remaining))
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(remaining.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, failureBody{
				Status: "failed", Error: "too many failed authentication attempts", ErrorKind: "unauthorized",
			})
			return
		}

		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || !a.check(token) {
			a.limiter.RecordFailure(ip)
			a.logger.Info("Failed authentication attempt",
				zap.String("ip", ip),
				zap.Int("attempts", a.limiter.Failures(ip)),
			)
			c.Header("WWW-Authenticate", `Bearer realm="predictions"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, failureBody{
				Status: "failed", Error: "missing or invalid bearer token", ErrorKind: "unauthorized",
			})
			return
		}

		a.limiter.Reset(ip)
		c.Next()
	}
}

func (a *TokenAuth) check(token string) bool {
	digest := sha256.Sum256([]byte(token))

	a.mu.RLock()
	_, ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return true
	}

	if VerifyToken(token, a.hash) != nil {
		return false
	}
	a.mu.Lock()
	a.verified[digest] = struct{}{}
	a.mu.Unlock()
	return true
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
