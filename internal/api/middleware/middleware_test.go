package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/parcelhub/jobcore/internal/api/middleware"
	"github.com/parcelhub/jobcore/internal/api/shared"
	"github.com/parcelhub/jobcore/internal/platform/logger"
	"github.com/parcelhub/jobcore/internal/service/auth"
)

type mockJWTService struct {
	mock.Mock
}

func (m *mockJWTService) GenerateToken(ctx context.Context, userID uuid.UUID) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

func (m *mockJWTService) ValidateToken(ctx context.Context, token string) (*auth.Claims, error) {
	args := m.Called(ctx, token)
	claims, _ := args.Get(0).(*auth.Claims)
	return claims, args.Error(1)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	userID := uuid.New()

	tests := []struct {
		name       string
		header     string
		token      string
		claims     *auth.Claims
		err        error
		wantStatus int
	}{
		{"valid token", "Bearer good", "good", &auth.Claims{UserID: userID}, nil, http.StatusOK},
		{"lower-case scheme", "bearer good", "good", &auth.Claims{UserID: userID}, nil, http.StatusOK},
		{"missing header", "", "", nil, nil, http.StatusUnauthorized},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "", nil, nil, http.StatusUnauthorized},
		{"empty token", "Bearer ", "", nil, nil, http.StatusUnauthorized},
		{"expired", "Bearer old", "old", nil, auth.ErrExpiredToken, http.StatusUnauthorized},
		{"invalid", "Bearer forged", "forged", nil, auth.ErrInvalidToken, http.StatusUnauthorized},
		{"no user", "Bearer anon", "anon", nil, auth.ErrMissingUser, http.StatusUnauthorized},
		{"unexpected failure", "Bearer x", "x", nil, errors.New("keystore offline"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			jwt := &mockJWTService{}
			if tt.token != "" {
				jwt.On("ValidateToken", mock.Anything, tt.token).Return(tt.claims, tt.err)
			}

			var seen uuid.UUID
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = shared.UserID(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/api/bulk-operations", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			middleware.NewAuthMiddleware(jwt).Authenticate(next).ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, userID, seen)
			}
			assert.NotContains(t, w.Body.String(), "keystore")
			jwt.AssertExpectations(t)
		})
	}
}

func TestTraceMiddlewareScopesLogger(t *testing.T) {
	t.Parallel()

	var traceID string
	var hasLogger bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = shared.GetTraceID(r.Context())
		hasLogger = logger.FromContext(r.Context()) != slog.Default()
	})

	h := middleware.NewTraceMiddleware(logger.Discard())(next)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Len(t, traceID, shared.TraceIDLength*2)
	assert.True(t, hasLogger)
}
