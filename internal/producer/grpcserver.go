// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file implements the gRPC transport of the external-processor
// protocol (spec §6), wired against the upstream-generated
// github.com/envoyproxy/go-control-plane ext_proc/v3 types rather than
// a locally vendored .proto — proto code generation is explicitly out
// of scope for this system (spec §1).
package producer

import (
	"context"
	"io"
	"strconv"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// GRPCServer implements extprocv3.ExternalProcessorServer. One instance
// is registered against a grpc.Server; every bidi stream it receives
// gets its own Session (spec §5: "never shares mutable state with
// sibling streams").
type GRPCServer struct {
	extprocv3.UnimplementedExternalProcessorServer

	Deps Deps
	Log  *zap.Logger
}

func Register(s *grpc.Server, srv *GRPCServer) {
	extprocv3.RegisterExternalProcessorServer(s, srv)
}

// Process implements the bidirectional stream. Every suspension point
// (queue Push/AwaitResult, provider I/O) inherits stream.Context(), so a
// proxy-side disconnect cancels them promptly (spec §5).
func (g *GRPCServer) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
	ctx := stream.Context()
	sess := NewSession(g.Deps)

	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			sess.Abort(ctx)
			return err
		}

		ph := classifyPhase(req)
		decision, respondErr := g.dispatch(ctx, sess, req)
		if respondErr != nil {
			g.Log.Warn("ext_proc: request handling failed", zap.Error(respondErr))
			decision = Decision{Outcome: OutcomeBlock, BlockStatus: 503}
		}

		resp := toProcessingResponse(decision, ph)
		if resp == nil {
			continue // e.g. a trailers event with nothing to say
		}
		if err := stream.Send(resp); err != nil {
			sess.Abort(ctx)
			return err
		}
	}
}

func (g *GRPCServer) dispatch(ctx context.Context, sess *Session, req *extprocv3.ProcessingRequest) (Decision, error) {
	switch {
	case req.GetRequestHeaders() != nil:
		h := req.GetRequestHeaders()
		uri := headerValue(h.GetHeaders(), ":path")
		host := headerValue(h.GetHeaders(), ":authority")
		priority := headerValue(h.GetHeaders(), "x-priority")
		sess.SetRouteDisabled(headerValue(h.GetHeaders(), "x-virusscan-disabled") == "true")
		return sess.HandleRequestHeaders(ctx, uri, host, priority)

	case req.GetRequestBody() != nil:
		b := req.GetRequestBody()
		return sess.HandleRequestBody(ctx, b.GetBody(), b.GetEndOfStream())

	case req.GetResponseHeaders() != nil, req.GetResponseBody() != nil,
		req.GetRequestTrailers() != nil, req.GetResponseTrailers() != nil:
		// Response-path inspection mirrors the request path in a full
		// deployment; this pipeline's core scope (spec §1) is the
		// request body, so these events are simply relayed.
		return Decision{Outcome: OutcomeContinue}, nil

	default:
		return Decision{Outcome: OutcomeContinue}, nil
	}
}

func headerValue(headers *corev3.HeaderMap, key string) string {
	if headers == nil {
		return ""
	}
	for _, h := range headers.GetHeaders() {
		if h.GetKey() == key {
			if len(h.GetRawValue()) > 0 {
				return string(h.GetRawValue())
			}
			return h.GetValue()
		}
	}
	return ""
}

// eventPhase names which half of the ProcessingRequest oneof triggered a
// Decision, so the response can be wrapped in the matching half of the
// ProcessingResponse oneof — Envoy's ext_proc contract rejects a response
// whose variant doesn't match the request phase currently being
// processed (e.g. a RequestHeaders event must get back a
// ProcessingResponse_RequestHeaders, never a _RequestBody).
type eventPhase int

const (
	phaseRequestHeaders eventPhase = iota
	phaseRequestBody
	phaseResponseHeaders
	phaseResponseBody
	phaseRequestTrailers
	phaseResponseTrailers
)

func classifyPhase(req *extprocv3.ProcessingRequest) eventPhase {
	switch {
	case req.GetRequestHeaders() != nil:
		return phaseRequestHeaders
	case req.GetRequestBody() != nil:
		return phaseRequestBody
	case req.GetResponseHeaders() != nil:
		return phaseResponseHeaders
	case req.GetResponseBody() != nil:
		return phaseResponseBody
	case req.GetRequestTrailers() != nil:
		return phaseRequestTrailers
	default:
		return phaseResponseTrailers
	}
}

func toProcessingResponse(d Decision, ph eventPhase) *extprocv3.ProcessingResponse {
	switch d.Outcome {
	case OutcomeContinue:
		return continueResponse(ph, nil)
	case OutcomeAdmit:
		mutation := &extprocv3.HeaderMutation{
			SetHeaders: []*corev3.HeaderValueOption{
				{Header: &corev3.HeaderValue{Key: "x-scan-result", Value: d.ScanResult}},
			},
		}
		if d.TatMS > 0 {
			mutation.SetHeaders = append(mutation.SetHeaders, &corev3.HeaderValueOption{
				Header: &corev3.HeaderValue{Key: "x-scan-tat-ms", Value: strconv.FormatInt(d.TatMS, 10)},
			})
		}
		return continueResponse(ph, mutation)
	case OutcomeBlock:
		headers := &extprocv3.HeaderMutation{
			SetHeaders: []*corev3.HeaderValueOption{
				{Header: &corev3.HeaderValue{Key: "x-virus-infected", Value: "true"}},
			},
		}
		if d.VirusName != "" {
			headers.SetHeaders = append(headers.SetHeaders, &corev3.HeaderValueOption{
				Header: &corev3.HeaderValue{Key: "x-virus-name", Value: d.VirusName},
			})
		}
		body := "request blocked by virus scanner"
		if d.VirusName != "" {
			body = "request blocked: " + d.VirusName + " detected"
		}
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ImmediateResponse{
				ImmediateResponse: &extprocv3.ImmediateResponse{
					Status:  &typev3.HttpStatus{Code: typev3.StatusCode(d.BlockStatus)},
					Headers: headers,
					Body:    body,
				},
			},
		}
	default:
		return nil
	}
}

// continueResponse wraps a CONTINUE CommonResponse (optionally carrying a
// header mutation) in whichever ProcessingResponse oneof variant matches
// ph. Trailers events carry no CommonResponse in the ext_proc protocol —
// just an optional HeaderMutation — so they're built directly.
func continueResponse(ph eventPhase, mutation *extprocv3.HeaderMutation) *extprocv3.ProcessingResponse {
	common := &extprocv3.CommonResponse{Status: extprocv3.CommonResponse_CONTINUE, HeaderMutation: mutation}
	switch ph {
	case phaseRequestHeaders:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestHeaders{
				RequestHeaders: &extprocv3.HeadersResponse{CommonResponse: common},
			},
		}
	case phaseResponseHeaders:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ResponseHeaders{
				ResponseHeaders: &extprocv3.HeadersResponse{CommonResponse: common},
			},
		}
	case phaseResponseBody:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ResponseBody{
				ResponseBody: &extprocv3.BodyResponse{CommonResponse: common},
			},
		}
	case phaseRequestTrailers:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestTrailers{
				RequestTrailers: &extprocv3.TrailersResponse{HeaderMutation: mutation},
			},
		}
	case phaseResponseTrailers:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ResponseTrailers{
				ResponseTrailers: &extprocv3.TrailersResponse{HeaderMutation: mutation},
			},
		}
	default: // phaseRequestBody
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestBody{
				RequestBody: &extprocv3.BodyResponse{CommonResponse: common},
			},
		}
	}
}
