package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-erp-approvals/internal/auth"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
	"github.com/pesio-ai/be-erp-approvals/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "approvals.v1.ApprovalService"

// ErrorDomain is set on the ErrorInfo detail of every error status.
const ErrorDomain = "approvals.erp"

// ApprovalServiceServer is the server API. Requests and responses are
// google.protobuf.Struct values carrying the same JSON shapes as the HTTP API.
type ApprovalServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Act(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResubmitStep(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PendingForRole(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes ApprovalServiceServer to grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", ApprovalServiceServer.Submit),
		unary("GetStatus", ApprovalServiceServer.GetStatus),
		unary("Act", ApprovalServiceServer.Act),
		unary("ResubmitStep", ApprovalServiceServer.ResubmitStep),
		unary("PendingForRole", ApprovalServiceServer.PendingForRole),
		unary("History", ApprovalServiceServer.History),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvals/v1/approvals.proto",
}

// RegisterApprovalServiceServer registers srv with s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type structMethod func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ApprovalServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ApprovalServiceServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// GRPCHandler implements ApprovalServiceServer
type GRPCHandler struct {
	approvals *service.ApprovalService
	log       *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(approvals *service.ApprovalService, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{approvals: approvals, log: log.Named("grpc")}
}

// Submit starts an approval for an entity
func (h *GRPCHandler) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body submitBody
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}
	h.log.Info().
		Str("entity_type", body.EntityType).
		Str("entity_id", body.EntityID).
		Msg("gRPC Submit called")

	res, err := h.approvals.Submit(ctx, service.SubmitRequest{
		EntityType:   repository.EntityType(body.EntityType),
		EntityID:     body.EntityID,
		WorkflowName: body.WorkflowName,
		Priority:     repository.Priority(body.Priority),
		Actor:        actorFrom(ctx),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(toResultView(res))
}

// GetStatus returns the latest instance of an entity
func (h *GRPCHandler) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
	}
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}

	inst, err := h.approvals.GetStatus(ctx, repository.EntityType(body.EntityType), body.EntityID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(toInstanceView(inst))
}

// Act applies an approver decision
func (h *GRPCHandler) Act(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		InstanceID string `json:"instance_id"`
		actBody
	}
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}
	h.log.Info().
		Str("instance_id", body.InstanceID).
		Str("action", body.Action).
		Msg("gRPC Act called")

	res, err := h.approvals.Act(ctx, service.ActRequest{
		InstanceID: body.InstanceID,
		Action:     service.Action(body.Action),
		Actor:      actorFrom(ctx),
		Comments:   body.Comments,
		StepOrder:  body.StepOrder,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(toResultView(res))
}

// ResubmitStep answers an info request
func (h *GRPCHandler) ResubmitStep(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		InstanceID string `json:"instance_id"`
		Comments   string `json:"comments"`
	}
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}

	res, err := h.approvals.ResubmitStep(ctx, service.ResubmitRequest{
		InstanceID: body.InstanceID,
		Actor:      actorFrom(ctx),
		Comments:   body.Comments,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(toResultView(res))
}

// PendingForRole lists instances waiting on a role, the caller's by default
func (h *GRPCHandler) PendingForRole(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		Role  string `json:"role"`
		Limit int    `json:"limit"`
	}
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}
	if body.Role == "" {
		body.Role = actorFrom(ctx).Role
	}

	list, err := h.approvals.PendingForRole(ctx, body.Role, body.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"role": body.Role, "instances": toInstanceViews(list)})
}

// History lists terminal instances
func (h *GRPCHandler) History(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		Limit int `json:"limit"`
	}
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}

	list, err := h.approvals.History(ctx, body.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"instances": toInstanceViews(list)})
}

func actorFrom(ctx context.Context) auth.Actor {
	a, _ := auth.ActorFrom(ctx)
	return a
}

func fromStruct(in *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return toStatus(errors.InvalidInput("request", "invalid request: "+err.Error()))
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

// toStatus maps a service error to a gRPC status whose ErrorInfo reason is
// the machine-readable error code.
func toStatus(err error) error {
	code := errors.CodeOf(err)
	msg := "internal server error"
	info := &errdetails.ErrorInfo{Reason: string(code), Domain: ErrorDomain}

	var e *errors.Error
	if errors.As(err, &e) && code != errors.ErrCodeInternal {
		msg = e.Message
		if e.Field != "" {
			info.Metadata = map[string]string{"field": e.Field}
		}
	}

	st := status.New(errors.GRPCCode(code), msg)
	if withDetails, dErr := st.WithDetails(info); dErr == nil {
		st = withDetails
	}
	return st.Err()
}

// ReasonOf extracts the ErrorInfo reason from a gRPC error, "" if absent.
func ReasonOf(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return info.Reason
		}
	}
	return ""
}
