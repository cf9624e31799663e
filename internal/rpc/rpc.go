// Package rpc builds gRPC services whose messages are google.protobuf.Struct.
// The service descriptors are assembled at runtime and registered in the
// global protobuf registry so server reflection and grpcurl can see them.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
)

const structType = ".google.protobuf.Struct"

// Handler serves one unary method.
type Handler func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

type Method struct {
	Name    string
	Handler Handler
}

// Service is a named set of unary methods, e.g. package "fusionsolar.v1" and
// name "FusionSolarService".
type Service struct {
	Package string
	Name    string
	Methods []Method
}

func (s Service) FullName() string {
	return s.Package + "." + s.Name
}

// FileName is the synthetic proto file path holding the service.
func (s Service) FileName() string {
	return strings.ReplaceAll(s.Package, ".", "/") + "/" + strings.ToLower(s.Name) + ".proto"
}

var registerMu sync.Mutex

// RegisterDescriptor adds the service descriptor to the global registry.
// Registering the same file twice is a no-op.
func (s Service) RegisterDescriptor() error {
	registerMu.Lock()
	defer registerMu.Unlock()

	if _, err := protoregistry.GlobalFiles.FindFileByPath(s.FileName()); err == nil {
		return nil
	}

	// Make sure struct.proto is linked in before resolving the dependency.
	_ = structpb.File_google_protobuf_struct_proto

	methods := make([]*descriptorpb.MethodDescriptorProto, 0, len(s.Methods))
	for _, m := range s.Methods {
		methods = append(methods, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.Name),
			InputType:  proto.String(structType),
			OutputType: proto.String(structType),
		})
	}
	fdp := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(s.FileName()),
		Package:    proto.String(s.Package),
		Dependency: []string{"google/protobuf/struct.proto"},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name:   proto.String(s.Name),
			Method: methods,
		}},
		Syntax: proto.String("proto3"),
	}

	file, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
	if err != nil {
		return fmt.Errorf("build descriptor %s: %w", s.FullName(), err)
	}
	if err := protoregistry.GlobalFiles.RegisterFile(file); err != nil {
		return fmt.Errorf("register descriptor %s: %w", s.FullName(), err)
	}
	return nil
}

// Register registers the descriptor and the service on server.
func (s Service) Register(server *grpc.Server) error {
	if err := s.RegisterDescriptor(); err != nil {
		return err
	}
	server.RegisterService(s.desc(), struct{}{})
	return nil
}

func (s Service) desc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: s.FullName(),
		HandlerType: (*any)(nil),
		Metadata:    s.FileName(),
	}
	for _, m := range s.Methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: m.Name,
			Handler:    unary(MethodPath(s.FullName(), m.Name), m.Handler),
		})
	}
	return desc
}

func unary(fullMethod string, handler Handler) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return handler(ctx, req.(*structpb.Struct))
		})
	}
}

func MethodPath(service, method string) string {
	return "/" + service + "/" + method
}

// Invoke calls a Struct-typed method on conn.
func Invoke(ctx context.Context, conn grpc.ClientConnInterface, service, method string, req any) (*structpb.Struct, error) {
	in, err := NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, MethodPath(service, method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// String returns a trimmed string field, or "".
func String(req *structpb.Struct, key string) string {
	value, ok := req.GetFields()[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(value.GetStringValue())
}

// RawString returns a string field as sent, for secrets where surrounding
// whitespace is significant.
func RawString(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

// NewStruct converts any JSON-encodable object into a Struct.
func NewStruct(value any) (*structpb.Struct, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode struct: %w", err)
	}
	return out, nil
}

// Decode unpacks a Struct into v through its JSON form.
func Decode(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode struct: %w", err)
	}
	return json.Unmarshal(data, v)
}
