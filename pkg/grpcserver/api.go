package grpcserver

import (
	"context"
	"encoding/json"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/opaque/encindex/pkg/env"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "encindex.v1.IndexEnv"

// Full method names.
const (
	SpecMethod  = "/" + ServiceName + "/Spec"
	ResetMethod = "/" + ServiceName + "/Reset"
	StepMethod  = "/" + ServiceName + "/Step"
)

// Messages are JSON on the wire; see Codec.

type SpecRequest struct{}

// SpecResponse carries env.Spec. A nil ObservationHigh means unbounded.
type SpecResponse struct {
	NumActions      int      `json:"num_actions"`
	ObservationLow  float64  `json:"observation_low"`
	ObservationHigh *float64 `json:"observation_high,omitempty"`
	MaxSteps        int      `json:"max_steps"`
}

type ResetRequest struct {
	Seed *int64 `json:"seed,omitempty"`
}

type ResetResponse struct {
	Observation float64 `json:"observation"`
}

type StepRequest struct {
	Action int `json:"action"`
}

// StepInfo is the typed form of env.StepResult.Info.
type StepInfo struct {
	AvgQueryTime float64   `json:"avg_query_time"`
	Latencies    []float64 `json:"latencies"`
	Action       int       `json:"action"`
	Indexes      []string  `json:"indexes"`
	Step         int       `json:"step"`
}

type StepResponse struct {
	Observation float64  `json:"observation"`
	Reward      float64  `json:"reward"`
	Terminated  bool     `json:"terminated"`
	Truncated   bool     `json:"truncated"`
	Info        StepInfo `json:"info"`
}

// FromSpec converts an env.Spec to its wire form.
func FromSpec(s env.Spec) *SpecResponse {
	resp := &SpecResponse{
		NumActions:     s.NumActions,
		ObservationLow: s.ObservationLow,
		MaxSteps:       s.MaxSteps,
	}
	if !math.IsInf(s.ObservationHigh, 1) {
		high := s.ObservationHigh
		resp.ObservationHigh = &high
	}
	return resp
}

// ToSpec converts the wire form back to env.Spec.
func (r *SpecResponse) ToSpec() env.Spec {
	s := env.Spec{
		NumActions:      r.NumActions,
		ObservationLow:  r.ObservationLow,
		ObservationHigh: math.Inf(1),
		MaxSteps:        r.MaxSteps,
	}
	if r.ObservationHigh != nil {
		s.ObservationHigh = *r.ObservationHigh
	}
	return s
}

// FromStepResult converts an env.StepResult to its wire form. Unknown info
// keys are dropped.
func FromStepResult(res env.StepResult) *StepResponse {
	resp := &StepResponse{
		Observation: res.Observation,
		Reward:      res.Reward,
		Terminated:  res.Terminated,
		Truncated:   res.Truncated,
	}
	if v, ok := res.Info[env.InfoAvgQueryTime].(float64); ok {
		resp.Info.AvgQueryTime = v
	}
	if v, ok := res.Info[env.InfoLatencies].([]float64); ok {
		resp.Info.Latencies = v
	}
	if v, ok := res.Info[env.InfoAction].(int); ok {
		resp.Info.Action = v
	}
	if v, ok := res.Info[env.InfoIndexes].([]string); ok {
		resp.Info.Indexes = v
	}
	if v, ok := res.Info[env.InfoStep].(int); ok {
		resp.Info.Step = v
	}
	return resp
}

// ToStepResult converts the wire form back to env.StepResult with the same
// Info value types as the in-process environment.
func (r *StepResponse) ToStepResult() env.StepResult {
	indexes := r.Info.Indexes
	if indexes == nil {
		indexes = []string{}
	}
	latencies := r.Info.Latencies
	if latencies == nil {
		latencies = []float64{}
	}
	return env.StepResult{
		Observation: r.Observation,
		Reward:      r.Reward,
		Terminated:  r.Terminated,
		Truncated:   r.Truncated,
		Info: map[string]any{
			env.InfoAvgQueryTime: r.Info.AvgQueryTime,
			env.InfoLatencies:    latencies,
			env.InfoAction:       r.Info.Action,
			env.InfoIndexes:      indexes,
			env.InfoStep:         r.Info.Step,
		},
	}
}

// Codec marshals messages as JSON. It is registered under the "json"
// content subtype.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (Codec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(Codec{})
}

// IndexEnvServer is the server API for the IndexEnv service.
type IndexEnvServer interface {
	Spec(context.Context, *SpecRequest) (*SpecResponse, error)
	Reset(context.Context, *ResetRequest) (*ResetResponse, error)
	Step(context.Context, *StepRequest) (*StepResponse, error)
}

// RegisterIndexEnvServer registers srv on s.
func RegisterIndexEnvServer(s grpc.ServiceRegistrar, srv IndexEnvServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the IndexEnv service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IndexEnvServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Spec", Handler: specHandler},
		{MethodName: "Reset", Handler: resetHandler},
		{MethodName: "Step", Handler: stepHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "encindex/v1/env",
}

func specHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SpecRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IndexEnvServer).Spec(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SpecMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IndexEnvServer).Spec(ctx, req.(*SpecRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func resetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ResetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IndexEnvServer).Reset(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ResetMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IndexEnvServer).Reset(ctx, req.(*ResetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func stepHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StepRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IndexEnvServer).Step(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StepMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IndexEnvServer).Step(ctx, req.(*StepRequest))
	}
	return interceptor(ctx, in, info, handler)
}
