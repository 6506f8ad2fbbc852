package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
)

const (
	HeaderIdempotencyKey    = "X-Idempotency-Key"
	HeaderIdempotencyReplay = "X-Idempotency-Replay"

	maxIdempotencyKeyLen = 128
)

// IdempotencyRecord is what a store keeps per key. Fingerprint is the
// keccak hash of the request body that first claimed the key.
type IdempotencyRecord struct {
	Fingerprint string
	Status      int
	Body        []byte
	CreatedAt   time.Time
	Pending     bool
}

// IdempotencyStore backs IdempotencyMiddleware. Reserve claims key for a new
// request and returns (nil, false); if key is taken it returns the existing
// record and true.
type IdempotencyStore interface {
	Reserve(key, fingerprint string) (*IdempotencyRecord, bool)
	Complete(key string, status int, body []byte)
	Release(key string)
}

// IdempotencyKey scopes a client key to the calling wallet and the route it hit.
func IdempotencyKey(caller common.Address, method, path, clientKey string) string {
	return crypto.Keccak256Hash(
		caller.Bytes(), []byte(method), []byte(path), []byte(clientKey),
	).Hex()
}

func bodyFingerprint(body []byte) string {
	return hexutil.Encode(crypto.Keccak256(body))
}

// IdempotencyMiddleware replays the stored response for a repeated
// X-Idempotency-Key. Only responses written without errors are kept, so a
// denied or failed execute can be retried under the same key.
func IdempotencyMiddleware(store IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if clientKey == "" {
			c.Next()
			return
		}
		if len(clientKey) > maxIdempotencyKeyLen {
			c.Error(apperrors.NewInvalidRequest(HeaderIdempotencyKey + " is too long"))
			c.Abort()
			return
		}
		caller, ok := CallerFrom(c)
		if !ok {
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			body, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}
		key := IdempotencyKey(caller, c.Request.Method, c.Request.URL.Path, clientKey)
		fingerprint := bodyFingerprint(body)

		if rec, taken := store.Reserve(key, fingerprint); taken {
			switch {
			case rec.Fingerprint != "" && rec.Fingerprint != fingerprint:
				c.Error(apperrors.NewInvalidRequest(HeaderIdempotencyKey + " was already used with a different body"))
			case rec.Pending:
				c.Error(apperrors.New(apperrors.ErrInFlight, "request with this idempotency key is still running", nil))
			default:
				c.Header(HeaderIdempotencyReplay, "true")
				c.Data(rec.Status, "application/json; charset=utf-8", rec.Body)
			}
			c.Abort()
			return
		}

		capture := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = capture
		c.Next()

		// 错误由外层 ErrorHandler 渲染，这里拿不到响应体，直接释放
		if len(c.Errors) > 0 || capture.Status() >= http.StatusInternalServerError {
			store.Release(key)
			return
		}
		store.Complete(key, capture.Status(), capture.buf.Bytes())
	}
}

type capturingWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

// InMemIdempotencyStore keeps records in process. Cleanup drops finished
// records older than the retention window.
type InMemIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]*IdempotencyRecord
}

func NewInMemIdempotencyStore() *InMemIdempotencyStore {
	return &InMemIdempotencyStore{records: make(map[string]*IdempotencyRecord)}
}

func (s *InMemIdempotencyStore) Reserve(key, fingerprint string) (*IdempotencyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		cp := *rec
		return &cp, true
	}
	s.records[key] = &IdempotencyRecord{Fingerprint: fingerprint, Pending: true, CreatedAt: time.Now().UTC()}
	return nil, false
}

func (s *InMemIdempotencyStore) Complete(key string, status int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return
	}
	rec.Status = status
	rec.Body = append([]byte(nil), body...)
	rec.Pending = false
}

func (s *InMemIdempotencyStore) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
}

func (s *InMemIdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.records {
		if !rec.Pending && rec.CreatedAt.Before(cutoff) {
			delete(s.records, key)
		}
	}
	return nil
}

func (s *InMemIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
