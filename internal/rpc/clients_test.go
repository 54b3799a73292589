package rpc

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"orderpilot/internal/orders"
)

// dynamicHandler answers one method of a fake collaborator.
type dynamicHandler func(req *dynamic.Message) (*dynamic.Message, error)

// startCollaborator serves a fake collaborator whose methods are backed
// by dynamic handlers keyed by method name.
func startCollaborator(t *testing.T, reg *Registry, serviceFQN string, handlers map[string]dynamicHandler) *grpcpkg.ClientConn {
	t.Helper()

	sd, err := reg.Service(serviceFQN)
	if err != nil {
		t.Fatalf("lookup %s: %v", serviceFQN, err)
	}

	var methods []grpcpkg.MethodDesc
	for name, handler := range handlers {
		md := sd.FindMethodByName(name)
		if md == nil {
			t.Fatalf("method %s not on %s", name, serviceFQN)
		}
		methods = append(methods, grpcpkg.MethodDesc{
			MethodName: name,
			Handler:    dynamicMethodHandler(md, handler),
		})
	}

	server := grpcpkg.NewServer()
	server.RegisterService(&grpcpkg.ServiceDesc{
		ServiceName: serviceFQN,
		HandlerType: (*any)(nil),
		Methods:     methods,
	}, struct{}{})

	lis := bufconn.Listen(1 << 20)
	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpcpkg.NewClient("passthrough:///bufnet",
		grpcpkg.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpcpkg.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dynamicMethodHandler(md *desc.MethodDescriptor, handler dynamicHandler) func(any, context.Context, func(any) error, grpcpkg.UnaryServerInterceptor) (any, error) {
	return func(_ any, _ context.Context, dec func(any) error, _ grpcpkg.UnaryServerInterceptor) (any, error) {
		req := dynamic.NewMessage(md.GetInputType())
		if err := dec(req); err != nil {
			return nil, err
		}
		return handler(req)
	}
}

func TestUserServiceClient_GetUser(t *testing.T) {
	t.Parallel()

	reg, err := LoadRegistry(testProtoDir)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	md, _ := reg.Method("user.UserService", "GetUser")

	conn := startCollaborator(t, reg, "user.UserService", map[string]dynamicHandler{
		"GetUser": func(req *dynamic.Message) (*dynamic.Message, error) {
			id, err := StringField(req, "id")
			if err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			if id != "1" {
				return nil, status.Error(codes.NotFound, "user not found")
			}
			resp := dynamic.NewMessage(md.GetOutputType())
			resp.SetFieldByName("id", "1")
			resp.SetFieldByName("name", "John Doe")
			resp.SetFieldByName("email", "john@example.com")
			return resp, nil
		},
	})

	client, err := NewUserServiceClient(conn, reg, 0)
	if err != nil {
		t.Fatalf("new user client: %v", err)
	}

	user, err := client.GetUser(context.Background(), "1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Name != "John Doe" || user.Email != "john@example.com" {
		t.Fatalf("unexpected user %+v", user)
	}

	if _, err := client.GetUser(context.Background(), "404"); !errors.Is(err, orders.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestProductServiceClient_NotFoundMapping(t *testing.T) {
	t.Parallel()

	reg, err := LoadRegistry(testProtoDir)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}

	conn := startCollaborator(t, reg, "product.ProductService", map[string]dynamicHandler{
		"GetProduct": func(*dynamic.Message) (*dynamic.Message, error) {
			return nil, status.Error(codes.NotFound, "product not found")
		},
	})

	client, err := NewProductServiceClient(conn, reg, 0)
	if err != nil {
		t.Fatalf("new product client: %v", err)
	}
	if _, err := client.GetProduct(context.Background(), "404"); !errors.Is(err, orders.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestPaymentServiceClient_ProcessAndRefund(t *testing.T) {
	t.Parallel()

	reg, err := LoadRegistry(testProtoDir)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	processMD, _ := reg.Method("payment.PaymentService", "ProcessPayment")

	conn := startCollaborator(t, reg, "payment.PaymentService", map[string]dynamicHandler{
		"ProcessPayment": func(req *dynamic.Message) (*dynamic.Message, error) {
			amount, err := DoubleField(req, "amount")
			if err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			resp := dynamic.NewMessage(processMD.GetOutputType())
			resp.SetFieldByName("id", "9")
			if amount > 1000 {
				resp.SetFieldByName("status", orders.PaymentStatusFailed)
				resp.SetFieldByName("transaction_id", "")
				resp.SetFieldByName("message", "payment declined")
			} else {
				resp.SetFieldByName("status", orders.PaymentStatusSuccess)
				resp.SetFieldByName("transaction_id", "TXN-abc")
				resp.SetFieldByName("message", "payment processed")
			}
			return resp, nil
		},
		"RefundPayment": func(req *dynamic.Message) (*dynamic.Message, error) {
			id, err := StringField(req, "payment_id")
			if err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			switch id {
			case "404":
				return nil, status.Error(codes.NotFound, "payment not found")
			case "already":
				return nil, status.Error(codes.FailedPrecondition, "only successful payments can be refunded")
			}
			return nil, status.Error(codes.Internal, "unexpected refund")
		},
	})

	client, err := NewPaymentServiceClient(conn, reg, 0)
	if err != nil {
		t.Fatalf("new payment client: %v", err)
	}

	result, err := client.ProcessPayment(context.Background(), orders.PaymentRequest{
		OrderID: "1", UserID: "1", Amount: 100, Method: orders.DefaultPaymentMethod,
	})
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}
	if result.Status != orders.PaymentStatusSuccess || result.TransactionID != "TXN-abc" {
		t.Fatalf("unexpected result %+v", result)
	}

	declined, err := client.ProcessPayment(context.Background(), orders.PaymentRequest{
		OrderID: "2", UserID: "1", Amount: 5000, Method: orders.DefaultPaymentMethod,
	})
	if err != nil {
		t.Fatalf("a decline is a result, not an error: %v", err)
	}
	if declined.Status != orders.PaymentStatusFailed {
		t.Fatalf("expected FAILED, got %q", declined.Status)
	}

	if err := client.RefundPayment(context.Background(), "404"); !errors.Is(err, orders.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
	if err := client.RefundPayment(context.Background(), "already"); !errors.Is(err, orders.ErrRefundNotAllowed) {
		t.Fatalf("expected ErrRefundNotAllowed, got %v", err)
	}
}
