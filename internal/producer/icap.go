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

// This file implements the ICAP (RFC 3507) REQMOD alternative transport
// (spec §6), mapped onto the same Session state machine as the gRPC
// ext_proc transport. RESPMOD is not served: any method other than
// REQMOD or OPTIONS is answered with 405 Method Not Allowed. One connection handles one request at a time
// (ICAP pipelines requests sequentially per RFC 3507 §4.3.3); each
// request gets its own Session so no mutable state crosses requests.
package producer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ICAPServer accepts REQMOD connections and drives the Session state
// machine the same way GRPCServer does.
type ICAPServer struct {
	Deps Deps
	Log  *zap.Logger
}

func (s *ICAPServer) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *ICAPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		if err := s.handleOneRequest(ctx, r, conn); err != nil {
			if err != io.EOF {
				s.Log.Warn("icap: request failed", zap.Error(err))
			}
			return
		}
	}
}

type icapRequest struct {
	method  string
	uri     string
	headers map[string]string
	reqURI  string
	reqHost string
	body    []byte
}

func (s *ICAPServer) handleOneRequest(ctx context.Context, r *bufio.Reader, w io.Writer) error {
	req, err := parseICAPRequest(r)
	if err != nil {
		return err
	}

	if req.method == "OPTIONS" {
		return writeICAPOptions(w)
	}
	if req.method != "REQMOD" {
		_, err := io.WriteString(w, "ICAP/1.0 405 Method Not Allowed\r\n\r\n")
		return err
	}

	sess := NewSession(s.Deps)
	decision, herr := sess.HandleRequestHeaders(ctx, req.reqURI, req.reqHost, req.headers["x-priority"])
	if herr == nil && decision.Outcome == OutcomeContinue {
		decision, herr = sess.HandleRequestBody(ctx, req.body, true)
	}
	if herr != nil {
		s.Log.Warn("icap: session error", zap.Error(herr))
		decision = Decision{Outcome: OutcomeBlock, BlockStatus: 503}
	}

	return writeICAPDecision(w, decision)
}

// parseICAPRequest reads the ICAP request line, ICAP headers, and (best
// effort) the encapsulated HTTP request headers + chunked body referenced
// by the Encapsulated header, per RFC 3507 §4.4.1.
func parseICAPRequest(r *bufio.Reader) (*icapRequest, error) {
	line, err := readCRLFLine(r)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, fmt.Errorf("icap: malformed request line %q", line)
	}
	req := &icapRequest{method: fields[0], uri: fields[1], headers: map[string]string{}}

	for {
		hline, err := readCRLFLine(r)
		if err != nil {
			return nil, err
		}
		if hline == "" {
			break
		}
		k, v, ok := strings.Cut(hline, ":")
		if !ok {
			continue
		}
		req.headers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	if req.method != "REQMOD" {
		return req, nil
	}

	// Encapsulated HTTP request line + headers (req-hdr).
	reqLine, err := readCRLFLine(r)
	if err != nil {
		return nil, err
	}
	reqFields := strings.Fields(reqLine)
	if len(reqFields) >= 2 {
		req.reqURI = reqFields[1]
	}
	for {
		hline, err := readCRLFLine(r)
		if err != nil {
			return nil, err
		}
		if hline == "" {
			break
		}
		k, v, ok := strings.Cut(hline, ":")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(k))
		val := strings.TrimSpace(v)
		if key == "host" {
			req.reqHost = val
		}
	}

	if strings.Contains(req.headers["encapsulated"], "req-body") {
		body, err := readChunkedBody(r)
		if err != nil {
			return nil, err
		}
		req.body = body
	}
	return req, nil
}

func readCRLFLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readChunkedBody reads an HTTP/1.1-style chunked body as ICAP
// encapsulates it: size-in-hex CRLF, data, CRLF, repeated, terminated by
// a zero-size chunk.
func readChunkedBody(r *bufio.Reader) ([]byte, error) {
	var out []byte
	for {
		sizeLine, err := readCRLFLine(r)
		if err != nil {
			return nil, err
		}
		sizeLine = strings.TrimSpace(strings.SplitN(sizeLine, ";", 2)[0])
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("icap: bad chunk size %q: %w", sizeLine, err)
		}
		if size == 0 {
			_, _ = readCRLFLine(r) // trailing CRLF after the terminal chunk
			return out, nil
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		out = append(out, buf...)
		if _, err := readCRLFLine(r); err != nil { // chunk-terminating CRLF
			return nil, err
		}
	}
}

func writeICAPOptions(w io.Writer) error {
	_, err := io.WriteString(w,
		"ICAP/1.0 200 OK\r\n"+
			"Methods: REQMOD\r\n"+
			"Preview: 4096\r\n"+
			"Allow: 204\r\n"+
			"Transfer-Complete: *\r\n\r\n")
	return err
}

func writeICAPDecision(w io.Writer, d Decision) error {
	switch d.Outcome {
	case OutcomeContinue, OutcomeAdmit:
		_, err := io.WriteString(w, "ICAP/1.0 204 No Content\r\n\r\n")
		return err
	case OutcomeBlock:
		body := "request blocked by virus scanner"
		if d.VirusName != "" {
			body = "request blocked: " + d.VirusName + " detected"
		}
		httpResp := fmt.Sprintf("HTTP/1.1 %d Blocked\r\nX-Virus-Infected: true\r\nContent-Length: %d\r\n\r\n%s",
			d.BlockStatus, len(body), body)
		resp := "ICAP/1.0 200 OK\r\n" +
			"Encapsulated: res-hdr=0, res-body=" + strconv.Itoa(headerLen(httpResp)) + "\r\n\r\n" +
			httpResp
		_, err := io.WriteString(w, resp)
		return err
	default:
		_, err := io.WriteString(w, "ICAP/1.0 500 Internal Server Error\r\n\r\n")
		return err
	}
}

// headerLen returns the byte offset of the blank line separating the
// encapsulated HTTP headers from its body, for the Encapsulated header's
// res-body offset.
func headerLen(httpResp string) int {
	idx := strings.Index(httpResp, "\r\n\r\n")
	if idx < 0 {
		return len(httpResp)
	}
	return idx + 4
}
