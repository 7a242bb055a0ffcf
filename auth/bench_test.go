package auth

import (
	"context"
	"testing"
	"time"

	"github.com/jonwraymond/querysync/endpoint"
	"github.com/jonwraymond/querysync/transport"
)

// BenchmarkReauth_PassThrough measures the wrapper's overhead on the
// happy path where no refresh is needed.
func BenchmarkReauth_PassThrough(b *testing.B) {
	tokens := NewMemoryTokenStore()
	tokens.SetTokens("access-token", "refresh-token")

	next := transport.ExecutorFunc(func(ctx context.Context, req endpoint.Request) (*transport.Response, error) {
		return &transport.Response{Status: 200}, nil
	})
	wrapper, err := NewReauth(Config{
		Next:   next,
		Tokens: tokens,
		Refresh: func(ctx context.Context, refreshToken string) (string, string, error) {
			return "new-access", "new-refresh", nil
		},
	})
	if err != nil {
		b.Fatalf("NewReauth failed: %v", err)
	}

	ctx := context.Background()
	req := endpoint.Request{Method: "GET", Path: "/documents/1"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = wrapper.Execute(ctx, req)
	}
}

// BenchmarkTokenExpired_JWT measures expiry inspection of a parseable token.
func BenchmarkTokenExpired_JWT(b *testing.B) {
	token := mintJWT(b, time.Now().Add(time.Hour))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = TokenExpired(token, 10*time.Second)
	}
}

// BenchmarkTokenExpired_Opaque measures the non-JWT fast path.
func BenchmarkTokenExpired_Opaque(b *testing.B) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = TokenExpired("opaque-session-token", 10*time.Second)
	}
}

// BenchmarkMemoryTokenStore measures concurrent-safe token access.
func BenchmarkMemoryTokenStore(b *testing.B) {
	store := NewMemoryTokenStore()
	store.SetTokens("access", "refresh")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.AccessToken()
	}
}
