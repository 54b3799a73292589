// Package grpc adapts the order service to its gRPC surface. The
// service is registered from the parsed order.proto descriptor rather
// than generated stubs, matching how the collaborators serve theirs.
package grpc

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"orderpilot/internal/orders"
	"orderpilot/internal/rpc"
)

const serviceName = "order.OrderService"

// OrderService defines the behavior needed by the gRPC adapter.
type OrderService interface {
	CreateOrder(ctx context.Context, userID, productID string, quantity int32) (orders.Order, error)
	GetOrder(ctx context.Context, id string) (orders.Order, error)
}

// OrderServer adapts OrderService to gRPC.
type OrderServer struct {
	service OrderService
	svcDesc *desc.ServiceDescriptor
}

// NewOrderServer constructs an OrderServer from the proto registry.
func NewOrderServer(svc OrderService, reg *rpc.Registry) (*OrderServer, error) {
	sd, err := reg.Service(serviceName)
	if err != nil {
		return nil, err
	}
	return &OrderServer{service: svc, svcDesc: sd}, nil
}

// ServiceName reports the fully qualified gRPC service name served by
// this adapter.
func (s *OrderServer) ServiceName() string {
	return serviceName
}

// Register attaches the dynamic service descriptor to the gRPC server.
func (s *OrderServer) Register(server *grpcpkg.Server) {
	sd := &grpcpkg.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Methods: []grpcpkg.MethodDesc{
			{MethodName: "CreateOrder", Handler: s.handle},
			{MethodName: "GetOrder", Handler: s.handle},
		},
		Metadata: "order.proto",
	}
	server.RegisterService(sd, s)
}

func (s *OrderServer) handle(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	fullMethod, ok := grpcpkg.Method(ctx)
	if !ok {
		return nil, status.Error(codes.Internal, "method name not found")
	}
	method := path.Base(fullMethod)

	md := s.svcDesc.FindMethodByName(method)
	if md == nil {
		return nil, status.Errorf(codes.Unimplemented, "method %s not found", method)
	}

	in := dynamic.NewMessage(md.GetInputType())
	if err := dec(in); err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, req any) (any, error) {
		msg, ok := req.(*dynamic.Message)
		if !ok {
			return nil, status.Errorf(codes.Internal, "unexpected request type %T", req)
		}
		switch method {
		case "CreateOrder":
			return s.createOrder(ctx, msg, md.GetOutputType())
		case "GetOrder":
			return s.getOrder(ctx, msg, md.GetOutputType())
		}
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
	}

	// grpc-go delegates the server-level interceptor to the method
	// handler; the handler must invoke it around dispatch.
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
	return interceptor(ctx, in, info, handler)
}

func (s *OrderServer) createOrder(ctx context.Context, in *dynamic.Message, out *desc.MessageDescriptor) (any, error) {
	userID, err := rpc.StringField(in, "user_id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	productID, err := rpc.StringField(in, "product_id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	quantity, err := rpc.Int32Field(in, "quantity")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	order, err := s.service.CreateOrder(ctx, userID, productID, quantity)
	if err != nil {
		return nil, mapOrderError(err)
	}
	return orderResponse(out, order)
}

func (s *OrderServer) getOrder(ctx context.Context, in *dynamic.Message, out *desc.MessageDescriptor) (any, error) {
	id, err := rpc.StringField(in, "id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	order, err := s.service.GetOrder(ctx, id)
	if err != nil {
		return nil, mapOrderError(err)
	}
	return orderResponse(out, order)
}

func orderResponse(out *desc.MessageDescriptor, order orders.Order) (*dynamic.Message, error) {
	resp := dynamic.NewMessage(out)
	fields := map[string]any{
		"id":           order.ID,
		"user_id":      order.UserID,
		"product_id":   order.ProductID,
		"quantity":     order.Quantity,
		"total_price":  order.TotalPrice,
		"user_name":    order.UserName,
		"user_email":   order.UserEmail,
		"product_name": order.ProductName,
		"payment_id":   order.PaymentID,
		"status":       order.Status,
		"created_at":   order.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	for name, value := range fields {
		if err := resp.TrySetFieldByName(name, value); err != nil {
			return nil, status.Errorf(codes.Internal, "build response: %v", err)
		}
	}
	return resp, nil
}

// mapOrderError maps domain errors to gRPC status codes.
func mapOrderError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, orders.ErrInvalidQuantity):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, orders.ErrUserNotFound),
		errors.Is(err, orders.ErrProductNotFound),
		errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, orders.ErrPaymentNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, orders.ErrPaymentDeclined),
		errors.Is(err, orders.ErrRefundNotAllowed):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
