package pluggable

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/outpost-components/pg-statestore/internal/provision"
	"github.com/outpost-components/pg-statestore/internal/statestore"
)

func newTestServer() *Server {
	log := logrus.NewEntry(logrus.New())
	svc := statestore.New(provision.NewRegistry(), nil, log)
	return NewServer(svc)
}

func TestServerInitRejectsMissingConnectionString(t *testing.T) {
	srv := newTestServer()
	_, err := srv.Init(context.Background(), &InitRequest{Properties: map[string]string{}})
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, st.Code())
}

func TestServerFeaturesReturnsStaticSet(t *testing.T) {
	srv := newTestServer()
	resp, err := srv.Features(context.Background(), &FeaturesRequest{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ETAG", "TRANSACTIONAL"}, resp.Features)
}

func TestServerSetTranslatesBinaryHintRejectionToInvalidArgument(t *testing.T) {
	srv := newTestServer()
	_, err := srv.Set(context.Background(), &SetRequest{
		Key:      "key-1",
		Value:    []byte(`{}`),
		Metadata: map[string]string{"isBinary": "true"},
	})
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, st.Code())
}

func TestServerBulkTransactOperationTypeMapping(t *testing.T) {
	srv := newTestServer()
	_, err := srv.BulkTransact(context.Background(), &TransactionalStateRequest{
		Operations: []TransactionalStateOperation{
			{OperationType: "set", Key: "k1", Value: []byte("not json")},
		},
	})
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, st.Code())
}

func TestOptionalEtagNilForEmptyString(t *testing.T) {
	assert.Nil(t, optionalEtag(""))
	etag := optionalEtag("abc")
	require.NotNil(t, etag)
	assert.Equal(t, "abc", *etag)
}
