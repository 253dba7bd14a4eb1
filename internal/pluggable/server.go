package pluggable

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/outpost-components/pg-statestore/internal/statestore"
)

// The request/response shapes below mirror the sidecar's pluggable
// state-store gRPC contract closely enough to exercise every operation
// in spec §4.4, without this repository owning the wire format itself
// (that belongs to the sidecar SDK, per spec §1's scope line). A real
// generated stub would unmarshal protobuf into types shaped like
// these and call the matching Server method.

type InitRequest struct {
	Properties map[string]string
}

type InitResponse struct{}

type PingRequest struct{}

type PingResponse struct{}

type FeaturesRequest struct{}

type FeaturesResponse struct {
	Features []string
}

type GetRequest struct {
	Key      string
	Metadata map[string]string
}

type GetResponse struct {
	Data  []byte
	Etag  string
	Found bool
}

type SetRequest struct {
	Key      string
	Value    []byte
	Etag     string // empty means "no etag supplied"
	Metadata map[string]string
}

type SetResponse struct{}

type DeleteRequest struct {
	Key      string
	Etag     string
	Metadata map[string]string
}

type DeleteResponse struct{}

type TransactionalStateOperation struct {
	OperationType string // "set" or "delete"
	Key           string
	Value         []byte
	Etag          string
	Metadata      map[string]string
}

type TransactionalStateRequest struct {
	Operations []TransactionalStateOperation
}

type TransactionalStateResponse struct{}

// Server implements the method set a generated gRPC stub would
// dispatch into, translating between the wire-shaped request/response
// types above and internal/statestore.Service.
type Server struct {
	svc *statestore.Service

	// OnReady, if set, fires exactly once, after the first Init call
	// that successfully opens the connection pool. The process host
	// uses it to start the TTL janitor, which cannot run before a
	// pool exists.
	OnReady func(pool *pgxpool.Pool)

	readyOnce sync.Once
}

// NewServer wraps svc for gRPC dispatch.
func NewServer(svc *statestore.Service) *Server {
	return &Server{svc: svc}
}

func (s *Server) Init(ctx context.Context, req *InitRequest) (*InitResponse, error) {
	if err := s.svc.Init(ctx, req.Properties); err != nil {
		return nil, toStatus(err)
	}
	if s.OnReady != nil {
		s.readyOnce.Do(func() { s.OnReady(s.svc.Pool()) })
	}
	return &InitResponse{}, nil
}

func (s *Server) Ping(ctx context.Context, _ *PingRequest) (*PingResponse, error) {
	if err := s.svc.Ping(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &PingResponse{}, nil
}

func (s *Server) Features(context.Context, *FeaturesRequest) (*FeaturesResponse, error) {
	return &FeaturesResponse{Features: statestore.Features}, nil
}

func (s *Server) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	value, etag, found, err := s.svc.Get(ctx, req.Key, req.Metadata)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetResponse{Data: value, Etag: etag, Found: found}, nil
}

func (s *Server) Set(ctx context.Context, req *SetRequest) (*SetResponse, error) {
	if err := s.svc.Set(ctx, req.Key, req.Value, optionalEtag(req.Etag), req.Metadata); err != nil {
		return nil, toStatus(err)
	}
	return &SetResponse{}, nil
}

func (s *Server) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	if err := s.svc.Delete(ctx, req.Key, optionalEtag(req.Etag), req.Metadata); err != nil {
		return nil, toStatus(err)
	}
	return &DeleteResponse{}, nil
}

func (s *Server) BulkTransact(ctx context.Context, req *TransactionalStateRequest) (*TransactionalStateResponse, error) {
	ops := make([]statestore.Op, len(req.Operations))
	for i, wireOp := range req.Operations {
		op := statestore.Op{
			Key:      wireOp.Key,
			Value:    wireOp.Value,
			Etag:     optionalEtag(wireOp.Etag),
			Metadata: wireOp.Metadata,
		}
		if wireOp.OperationType == "delete" {
			op.Kind = statestore.OpDelete
		} else {
			op.Kind = statestore.OpSet
		}
		ops[i] = op
	}

	if err := s.svc.BulkTransact(ctx, ops); err != nil {
		return nil, toStatus(err)
	}
	return &TransactionalStateResponse{}, nil
}

func optionalEtag(etag string) *string {
	if etag == "" {
		return nil
	}
	return &etag
}
