// Package rpc speaks the collaborators' gRPC contracts without generated
// stubs: the proto sources under api/proto are parsed at startup and
// requests flow through dynamic messages, the same way the upstream
// system's services do.
package rpc

import (
	"fmt"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/dynamic"
)

// Proto files the registry loads.
var protoFiles = []string{"order.proto", "user.proto", "product.proto", "payment.proto"}

// Registry holds the parsed service descriptors.
type Registry struct {
	services map[string]*desc.ServiceDescriptor
}

// LoadRegistry parses the proto sources in protoDir.
func LoadRegistry(protoDir string) (*Registry, error) {
	parser := protoparse.Parser{ImportPaths: []string{protoDir}}
	fds, err := parser.ParseFiles(protoFiles...)
	if err != nil {
		return nil, fmt.Errorf("parse protos in %s: %w", protoDir, err)
	}

	reg := &Registry{services: make(map[string]*desc.ServiceDescriptor)}
	for _, fd := range fds {
		for _, sd := range fd.GetServices() {
			reg.services[sd.GetFullyQualifiedName()] = sd
		}
	}
	return reg, nil
}

// Service returns the descriptor for a fully-qualified service name.
func (r *Registry) Service(fqn string) (*desc.ServiceDescriptor, error) {
	sd, ok := r.services[fqn]
	if !ok {
		return nil, fmt.Errorf("service %s not found in registry", fqn)
	}
	return sd, nil
}

// Method returns the descriptor for a method of a registered service.
func (r *Registry) Method(serviceFQN, method string) (*desc.MethodDescriptor, error) {
	sd, err := r.Service(serviceFQN)
	if err != nil {
		return nil, err
	}
	md := sd.FindMethodByName(method)
	if md == nil {
		return nil, fmt.Errorf("method %s not found on %s", method, serviceFQN)
	}
	return md, nil
}

// StringField reads a string field from a dynamic message.
func StringField(m *dynamic.Message, name string) (string, error) {
	v, err := m.TryGetFieldByName(name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s: expected string, got %T", name, v)
	}
	return s, nil
}

// DoubleField reads a double field from a dynamic message.
func DoubleField(m *dynamic.Message, name string) (float64, error) {
	v, err := m.TryGetFieldByName(name)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("field %s: expected double, got %T", name, v)
	}
	return f, nil
}

// Int32Field reads an int32 field from a dynamic message.
func Int32Field(m *dynamic.Message, name string) (int32, error) {
	v, err := m.TryGetFieldByName(name)
	if err != nil {
		return 0, err
	}
	i, ok := v.(int32)
	if !ok {
		return 0, fmt.Errorf("field %s: expected int32, got %T", name, v)
	}
	return i, nil
}
