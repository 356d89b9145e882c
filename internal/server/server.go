// Package server is the inbound side of the node protocol: it accepts
// connections, decodes frames and dispatches them. Health and topology are
// answered internally; inference traffic goes to the Handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"peermesh/internal/topology"
	"peermesh/internal/wire"
)

// Handler receives the inference-plane messages. Implementations belong to
// the compute layer; the node core only moves the bytes.
type Handler interface {
	// ProcessPrompt accepts a prompt for execution. The returned ack is
	// sent immediately; results stream back later through a peer's
	// send-result call.
	ProcessPrompt(ctx context.Context, req wire.PromptRequest) (wire.PromptAck, error)
	// ProcessTensor runs one step on the given tensor and returns the
	// output tensor, or (nil, nil) when there is nothing to return yet.
	ProcessTensor(ctx context.Context, meta wire.TensorMeta, raw []byte) (*wire.TensorMeta, []byte, error)
	// OnResult receives a completed (or partial) result from a peer.
	OnResult(ctx context.Context, res wire.Result, meta *wire.TensorMeta, raw []byte)
	// OnStatus receives an opaque status broadcast.
	OnStatus(ctx context.Context, st wire.Status)
}

// Server answers the node protocol on one TCP listener.
type Server struct {
	handler   Handler
	collector *topology.Collector
	log       *zap.Logger
}

// New builds a server. handler may be nil, in which case inference messages
// are acknowledged negatively and results are dropped.
func New(handler Handler, collector *topology.Collector, log *zap.Logger) *Server {
	return &Server{handler: handler, collector: collector, log: log.Named("server")}
}

// Serve accepts connections on ln until the context ends. Each connection
// gets its own goroutine; frames within one connection are handled in
// order.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	// Unblock a pending Decode when the server shuts down.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	log := s.log.With(zap.String("remote", remote))
	log.Debug("connection accepted")

	for {
		if ctx.Err() != nil {
			return
		}
		msgType, payload, err := wire.Decode(conn)
		if err != nil {
			if wire.Fatal(err) {
				log.Warn("protocol failure, closing connection", zap.Error(err))
			} else if !errors.Is(err, net.ErrClosed) {
				log.Debug("connection ended", zap.Error(err))
			}
			return
		}
		if err := s.dispatch(ctx, conn, msgType, payload); err != nil {
			log.Warn("dispatch failed, closing connection",
				zap.Stringer("type", msgType), zap.Error(err))
			return
		}
	}
}

// dispatch handles one decoded frame. Request types get exactly one
// response frame; one-way types get none.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, msgType wire.MsgType, payload []byte) error {
	switch msgType {
	case wire.MsgHealthCheckRequest:
		body, err := wire.EncodeJSON(wire.HealthCheckResponse{IsHealthy: true})
		if err != nil {
			return err
		}
		return wire.Encode(conn, wire.MsgHealthCheckResponse, body)

	case wire.MsgCollectTopologyRequest:
		var req wire.TopologyRequest
		if err := wire.DecodeJSON(payload, &req); err != nil {
			return err
		}
		resp := s.collector.HandleCollect(ctx, req)
		body, err := wire.EncodeJSON(resp)
		if err != nil {
			return err
		}
		return wire.Encode(conn, wire.MsgCollectTopologyResponse, body)

	case wire.MsgSendPrompt:
		var req wire.PromptRequest
		if err := wire.DecodeJSON(payload, &req); err != nil {
			return err
		}
		ack := wire.PromptAck{RequestID: req.RequestID}
		if s.handler != nil {
			var err error
			ack, err = s.handler.ProcessPrompt(ctx, req)
			if err != nil {
				s.log.Warn("prompt rejected", zap.String("request", req.RequestID), zap.Error(err))
				ack = wire.PromptAck{RequestID: req.RequestID, Accepted: false}
			}
		}
		body, err := wire.EncodeJSON(ack)
		if err != nil {
			return err
		}
		return wire.Encode(conn, wire.MsgSendPromptResponse, body)

	case wire.MsgSendTensorRequest:
		meta, raw, err := wire.DecodeTensor(payload)
		if err != nil {
			return err
		}
		out := wire.EmptyTensor()
		if s.handler != nil && meta != nil {
			outMeta, outRaw, err := s.handler.ProcessTensor(ctx, *meta, raw)
			if err != nil {
				s.log.Warn("tensor step failed", zap.String("request", meta.RequestID), zap.Error(err))
			} else if outMeta != nil {
				out, err = wire.EncodeTensor(*outMeta, outRaw)
				if err != nil {
					return err
				}
			}
		}
		return wire.Encode(conn, wire.MsgSendTensorResponse, out)

	case wire.MsgSendResult:
		res, meta, raw, err := wire.DecodeResult(payload)
		if err != nil {
			return err
		}
		if s.handler != nil {
			s.handler.OnResult(ctx, res, meta, raw)
		}
		return nil

	case wire.MsgOpaqueStatus:
		var st wire.Status
		if err := wire.DecodeJSON(payload, &st); err != nil {
			return err
		}
		if s.handler != nil {
			s.handler.OnStatus(ctx, st)
		}
		return nil

	default:
		// Valid but response-typed frames are not requests; receiving one
		// unsolicited is a protocol violation.
		return fmt.Errorf("unsolicited %v frame", msgType)
	}
}
