package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"meter-recharge/internal/core/ports/mocks"
	"meter-recharge/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func setupAdminAuth(t *testing.T, hash string) (*AdminAuthServiceImpl, *mocks.MockHashService, *mocks.MockTokenService) {
	ctrl := gomock.NewController(t)
	hashSvc := mocks.NewMockHashService(ctrl)
	tokenSvc := mocks.NewMockTokenService(ctrl)
	svc := NewAdminAuthService("ops", hash, hashSvc, tokenSvc, zerolog.Nop())
	return svc, hashSvc, tokenSvc
}

func TestAdminAuthService_Login_Success(t *testing.T) {
	svc, hashSvc, tokenSvc := setupAdminAuth(t, "$argon2id$hashed")
	expiry := time.Now().Add(12 * time.Hour)

	hashSvc.EXPECT().Verify("correct_password", "$argon2id$hashed").Return(true, nil)
	tokenSvc.EXPECT().Generate("ops").Return("jwt_token_here", expiry, nil)

	token, exp, err := svc.Login(context.Background(), "ops", "correct_password")
	require.NoError(t, err)
	assert.Equal(t, "jwt_token_here", token)
	assert.Equal(t, expiry, exp)
}

func TestAdminAuthService_Login_UnknownUser(t *testing.T) {
	svc, _, _ := setupAdminAuth(t, "$argon2id$hashed")

	_, _, err := svc.Login(context.Background(), "intruder", "whatever")
	assert.True(t, apperror.HasCode(err, "AUTH_001"))
}

func TestAdminAuthService_Login_WrongPassword(t *testing.T) {
	svc, hashSvc, _ := setupAdminAuth(t, "$argon2id$hashed")

	hashSvc.EXPECT().Verify("wrong", "$argon2id$hashed").Return(false, nil)

	_, _, err := svc.Login(context.Background(), "ops", "wrong")
	assert.True(t, apperror.HasCode(err, "AUTH_001"))
}

func TestAdminAuthService_Login_DisabledWithoutHash(t *testing.T) {
	svc, _, _ := setupAdminAuth(t, "")

	_, _, err := svc.Login(context.Background(), "ops", "anything")
	assert.True(t, apperror.HasCode(err, "AUTH_001"))
}

func TestAdminAuthService_Login_MalformedHash(t *testing.T) {
	svc, hashSvc, _ := setupAdminAuth(t, "garbage")

	hashSvc.EXPECT().Verify("pw", "garbage").Return(false, errors.New("malformed"))

	_, _, err := svc.Login(context.Background(), "ops", "pw")
	assert.True(t, apperror.HasCode(err, "SYS_001"))
}
