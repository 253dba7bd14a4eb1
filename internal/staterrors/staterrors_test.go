package staterrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsClassifyAsExpectedKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind Kind
	}{
		{"missing tenant", MissingTenant(), KindMissingTenant},
		{"etag invalid", EtagInvalid("not-a-uuid"), KindEtagInvalid},
		{"etag mismatch", EtagMismatch("some-key"), KindEtagMismatch},
		{"table missing", TableMissing("tenant-42.state"), KindTableMissing},
		{"config", Config("bad value %d", 7), KindConfig},
		{"transport", Transport(errors.New("dial failed")), KindTransport},
		{"internal", Internal(errors.New("boom")), KindInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, KindOf(tc.err))
			assert.True(t, Is(tc.err, tc.kind))
		})
	}
}

func TestKindOfUnclassifiedErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("raw driver error")))
}

func TestFieldOfOnlySetForMissingTenant(t *testing.T) {
	assert.Equal(t, "metadata.tenantId", FieldOf(MissingTenant()))
	assert.Equal(t, "", FieldOf(EtagInvalid("x")))
}

func TestErrorSurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("while handling request: %w", EtagMismatch("k1"))
	assert.True(t, Is(wrapped, KindEtagMismatch))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := EtagMismatch("some-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "some-key")
}
