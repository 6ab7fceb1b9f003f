package warehouse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyBearerRequiresConfiguredRole(t *testing.T) {
	v := NewVerifier("postgres://warehouse:5432/analytics", "", nil)

	_, err := v.VerifyBearer(context.Background(), "a.b.c")
	assert.ErrorContains(t, err, "no bearer role configured")
}

func TestVerifyBasicBadDSN(t *testing.T) {
	v := NewVerifier("postgres://warehouse:not-a-port/analytics", "", nil)

	err := v.VerifyBasic(context.Background(), "alice", "pw")
	assert.ErrorContains(t, err, "parse warehouse dsn")
}
