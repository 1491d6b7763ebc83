package server

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ValentinKolb/dGrid/lib/errs"
	lt "github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/rpc/common"
	"github.com/ValentinKolb/dGrid/rpc/serializer"
	"github.com/ValentinKolb/dGrid/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// RPCServer serves the handlers of a member on one rpc transport.
// Each channel of a frame selects one handler.
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	handlers   *xsync.MapOf[uint64, lt.Handler]

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//	s.Handle(transport.ChannelPeer, peers.Deliver)
//	s.Handle(transport.ChannelClient, server.NewClientAdapter(node, ""))
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	t transport.IRPCServerTransport,
	s serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &RPCServer{
		config:     config,
		transport:  t,
		serializer: s,
		handlers:   xsync.NewMapOf[uint64, lt.Handler](),
		ctx:        ctx,
		cancel:     cancel,
	}
	t.RegisterHandler(srv.handle)
	return srv
}

// Handle installs h for the frames of channel
func (s *RPCServer) Handle(channel uint64, h lt.Handler) {
	s.handlers.Store(channel, h)
}

// Serve listens until Close is called
func (s *RPCServer) Serve() error {
	Logger.Infof("Starting RPC server on %s", s.config.Transport.Endpoint)
	return s.transport.Listen(s.config)
}

// Addr returns the listening address once Serve accepted its listener
func (s *RPCServer) Addr() net.Addr {
	return s.transport.Addr()
}

// Close stops listening and cancels every request still running
func (s *RPCServer) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.transport.Close()
	})
	return err
}

func (s *RPCServer) handle(channel uint64, req []byte) []byte {
	var msg lt.Message
	var resp *lt.Message

	h, ok := s.handlers.Load(channel)
	if !ok {
		resp = lt.NewErrorResponse(lt.MsgTError,
			errs.Newf(errs.RetCInvalidOperation, "channel %d is not served", channel))
	} else if err := s.serializer.Deserialize(req, &msg); err != nil {
		resp = lt.NewErrorResponse(lt.MsgTError,
			errs.Wrap(errs.RetCInvalidOperation, err, "failed to deserialize request"))
	} else {
		ctx, cancel := s.requestContext(channel)
		resp = h(ctx, &msg)
		cancel()
		if resp == nil {
			resp = lt.NewErrorResponse(msg.MsgType, errs.New(errs.RetCInternalError, "no response"))
		}
	}

	val, err := s.serializer.Serialize(*resp)
	if err != nil {
		Logger.Errorf("failed to serialize %s response: %v", resp.MsgType, err)
		val, _ = s.serializer.Serialize(lt.Message{
			MsgType: lt.MsgTError,
			Code:    uint64(errs.RetCInternalError),
			Err:     fmt.Sprintf("failed to serialize response: %s", err),
		})
	}
	return val
}

// requestContext bounds client requests by the configured timeout. Member
// requests are only bounded by the sender, which waits for the fence and the
// prepare timeout itself.
func (s *RPCServer) requestContext(channel uint64) (context.Context, context.CancelFunc) {
	if channel == transport.ChannelClient && s.config.TimeoutSecond > 0 {
		return context.WithTimeout(s.ctx, time.Duration(s.config.TimeoutSecond)*time.Second)
	}
	return context.WithCancel(s.ctx)
}
