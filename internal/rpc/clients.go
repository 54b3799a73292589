package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/jhump/protoreflect/dynamic/grpcdynamic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"orderpilot/internal/orders"
)

// UserServiceClient calls the user collaborator.
type UserServiceClient struct {
	stub    grpcdynamic.Stub
	getUser *desc.MethodDescriptor
	timeout time.Duration
}

// NewUserServiceClient builds a dynamic client over an established
// connection. timeout bounds each call; zero disables the deadline.
func NewUserServiceClient(conn grpc.ClientConnInterface, reg *Registry, timeout time.Duration) (*UserServiceClient, error) {
	md, err := reg.Method("user.UserService", "GetUser")
	if err != nil {
		return nil, err
	}
	return &UserServiceClient{stub: grpcdynamic.NewStub(conn), getUser: md, timeout: timeout}, nil
}

func (c *UserServiceClient) GetUser(ctx context.Context, id string) (orders.User, error) {
	req := dynamic.NewMessage(c.getUser.GetInputType())
	if err := req.TrySetFieldByName("id", id); err != nil {
		return orders.User{}, err
	}

	resp, err := c.invoke(ctx, c.getUser, req)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return orders.User{}, fmt.Errorf("%w: %s", orders.ErrUserNotFound, id)
		}
		return orders.User{}, fmt.Errorf("get user %s: %w", id, err)
	}

	var user orders.User
	if user.ID, err = StringField(resp, "id"); err != nil {
		return orders.User{}, err
	}
	if user.Name, err = StringField(resp, "name"); err != nil {
		return orders.User{}, err
	}
	if user.Email, err = StringField(resp, "email"); err != nil {
		return orders.User{}, err
	}
	return user, nil
}

// ProductServiceClient calls the product collaborator.
type ProductServiceClient struct {
	stub       grpcdynamic.Stub
	getProduct *desc.MethodDescriptor
	timeout    time.Duration
}

// NewProductServiceClient builds a dynamic client over an established connection.
func NewProductServiceClient(conn grpc.ClientConnInterface, reg *Registry, timeout time.Duration) (*ProductServiceClient, error) {
	md, err := reg.Method("product.ProductService", "GetProduct")
	if err != nil {
		return nil, err
	}
	return &ProductServiceClient{stub: grpcdynamic.NewStub(conn), getProduct: md, timeout: timeout}, nil
}

func (c *ProductServiceClient) GetProduct(ctx context.Context, id string) (orders.Product, error) {
	req := dynamic.NewMessage(c.getProduct.GetInputType())
	if err := req.TrySetFieldByName("id", id); err != nil {
		return orders.Product{}, err
	}

	resp, err := c.invoke(ctx, c.getProduct, req)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return orders.Product{}, fmt.Errorf("%w: %s", orders.ErrProductNotFound, id)
		}
		return orders.Product{}, fmt.Errorf("get product %s: %w", id, err)
	}

	var product orders.Product
	if product.ID, err = StringField(resp, "id"); err != nil {
		return orders.Product{}, err
	}
	if product.Name, err = StringField(resp, "name"); err != nil {
		return orders.Product{}, err
	}
	if product.Price, err = DoubleField(resp, "price"); err != nil {
		return orders.Product{}, err
	}
	return product, nil
}

// PaymentServiceClient calls the payment collaborator.
type PaymentServiceClient struct {
	stub    grpcdynamic.Stub
	process *desc.MethodDescriptor
	refund  *desc.MethodDescriptor
	timeout time.Duration
}

// NewPaymentServiceClient builds a dynamic client over an established connection.
func NewPaymentServiceClient(conn grpc.ClientConnInterface, reg *Registry, timeout time.Duration) (*PaymentServiceClient, error) {
	process, err := reg.Method("payment.PaymentService", "ProcessPayment")
	if err != nil {
		return nil, err
	}
	refund, err := reg.Method("payment.PaymentService", "RefundPayment")
	if err != nil {
		return nil, err
	}
	return &PaymentServiceClient{
		stub:    grpcdynamic.NewStub(conn),
		process: process,
		refund:  refund,
		timeout: timeout,
	}, nil
}

// ProcessPayment charges the payment collaborator. A business decline
// comes back as a FAILED status in the result, not as an error.
func (c *PaymentServiceClient) ProcessPayment(ctx context.Context, preq orders.PaymentRequest) (orders.PaymentResult, error) {
	req := dynamic.NewMessage(c.process.GetInputType())
	if err := req.TrySetFieldByName("order_id", preq.OrderID); err != nil {
		return orders.PaymentResult{}, err
	}
	if err := req.TrySetFieldByName("user_id", preq.UserID); err != nil {
		return orders.PaymentResult{}, err
	}
	if err := req.TrySetFieldByName("amount", preq.Amount); err != nil {
		return orders.PaymentResult{}, err
	}
	if err := req.TrySetFieldByName("method", preq.Method); err != nil {
		return orders.PaymentResult{}, err
	}

	resp, err := c.invoke(ctx, c.process, req)
	if err != nil {
		return orders.PaymentResult{}, fmt.Errorf("process payment for order %s: %w", preq.OrderID, err)
	}

	var result orders.PaymentResult
	if result.ID, err = StringField(resp, "id"); err != nil {
		return orders.PaymentResult{}, err
	}
	if result.Status, err = StringField(resp, "status"); err != nil {
		return orders.PaymentResult{}, err
	}
	if result.TransactionID, err = StringField(resp, "transaction_id"); err != nil {
		return orders.PaymentResult{}, err
	}
	if result.Message, err = StringField(resp, "message"); err != nil {
		return orders.PaymentResult{}, err
	}
	return result, nil
}

func (c *PaymentServiceClient) RefundPayment(ctx context.Context, paymentID string) error {
	req := dynamic.NewMessage(c.refund.GetInputType())
	if err := req.TrySetFieldByName("payment_id", paymentID); err != nil {
		return err
	}

	_, err := c.invoke(ctx, c.refund, req)
	if err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			return fmt.Errorf("%w: %s", orders.ErrPaymentNotFound, paymentID)
		case codes.FailedPrecondition:
			return fmt.Errorf("%w: %s", orders.ErrRefundNotAllowed, paymentID)
		}
		return fmt.Errorf("refund payment %s: %w", paymentID, err)
	}
	return nil
}

func (c *UserServiceClient) invoke(ctx context.Context, md *desc.MethodDescriptor, req *dynamic.Message) (*dynamic.Message, error) {
	return invokeDynamic(ctx, c.stub, md, req, c.timeout)
}

func (c *ProductServiceClient) invoke(ctx context.Context, md *desc.MethodDescriptor, req *dynamic.Message) (*dynamic.Message, error) {
	return invokeDynamic(ctx, c.stub, md, req, c.timeout)
}

func (c *PaymentServiceClient) invoke(ctx context.Context, md *desc.MethodDescriptor, req *dynamic.Message) (*dynamic.Message, error) {
	return invokeDynamic(ctx, c.stub, md, req, c.timeout)
}

// invokeDynamic issues the unary call with a per-call deadline so a
// hanging collaborator cannot pin a saga forever.
func invokeDynamic(ctx context.Context, stub grpcdynamic.Stub, md *desc.MethodDescriptor, req *dynamic.Message, timeout time.Duration) (*dynamic.Message, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := stub.InvokeRpc(ctx, md, req)
	if err != nil {
		return nil, err
	}
	dm, ok := resp.(*dynamic.Message)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T for %s", resp, md.GetFullyQualifiedName())
	}
	return dm, nil
}
