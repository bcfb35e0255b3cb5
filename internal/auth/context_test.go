// ABOUTME: Tests for Identity context propagation
// ABOUTME: Covers WithIdentity, FromContext and MustFromContext

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext_RoundTrip(t *testing.T) {
	id := &Identity{Role: RoleConsole, Subject: "ops"}
	ctx := WithIdentity(context.Background(), id)

	assert.Same(t, id, FromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
}

func TestMustFromContext_Panics(t *testing.T) {
	assert.Panics(t, func() {
		MustFromContext(context.Background())
	})
}
