// Package server exposes a hardware.Channel as three CoAP resources:
// temperature (GET), light (GET) and actuator (PUT/POST).
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ericogr/sensor-ledger-bridge/pkg/config"
	"github.com/ericogr/sensor-ledger-bridge/pkg/hardware"
	"github.com/ericogr/sensor-ledger-bridge/pkg/output"
)

const source = "device"

// ProtocolError is a malformed request payload. No hardware is touched.
type ProtocolError struct {
	Payload string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("invalid payload %q: %v", e.Payload, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Response is the transport-independent result of handling one request.
type Response struct {
	Code    codes.Code
	Payload string
}

type Server struct {
	hw        hardware.Channel
	resources config.ResourceConfig
	out       output.Output
	log       zerolog.Logger
}

// New builds a server. out may be nil.
func New(hw hardware.Channel, resources config.ResourceConfig, out output.Output) *Server {
	return &Server{
		hw:        hw,
		resources: resources,
		out:       out,
		log:       log.With().Str("component", "server").Logger(),
	}
}

func (s *Server) Temperature() Response {
	return s.read(s.hw.ReadTemperature)
}

func (s *Server) Light() Response {
	return s.read(s.hw.ReadLight)
}

func (s *Server) read(fn func() (hardware.Reading, error)) Response {
	r, err := fn()
	if err != nil {
		s.log.Error().Err(err).Msg("sensor read failed")
		return Response{Code: codes.InternalServerError, Payload: err.Error()}
	}
	value := strconv.FormatFloat(r.Value, 'f', 2, 64)
	s.log.Debug().Str("kind", r.Kind.String()).Str("value", value).Msg("read")
	s.publish(output.Event{Source: source, Kind: r.Kind.String(), Value: r.Value, Unit: r.Kind.Unit(), Timestamp: r.Timestamp})
	return Response{Code: codes.Content, Payload: value}
}

// Actuate parses an ASCII integer, applies it clamped and echoes the
// accepted value.
func (s *Server) Actuate(payload []byte) Response {
	value, err := ParseActuation(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("rejected actuator request")
		return Response{Code: codes.BadRequest, Payload: err.Error()}
	}
	accepted := hardware.Clamp(value)
	if err := s.hw.SetActuator(accepted); err != nil {
		s.log.Error().Err(err).Int("value", accepted).Msg("actuator write failed")
		return Response{Code: codes.InternalServerError, Payload: err.Error()}
	}
	s.log.Info().Int("value", accepted).Msg("actuator updated")
	s.publish(output.Event{Source: source, Kind: "actuator", Value: float64(accepted), Unit: "%", Timestamp: time.Now()})
	return Response{Code: codes.Changed, Payload: strconv.Itoa(accepted)}
}

// ParseActuation accepts an optionally space-padded decimal integer.
func ParseActuation(payload []byte) (int, error) {
	text := strings.TrimSpace(string(payload))
	v, err := strconv.Atoi(text)
	if err != nil {
		return 0, &ProtocolError{Payload: text, Err: err}
	}
	return v, nil
}

func (s *Server) publish(ev output.Event) {
	if s.out == nil {
		return
	}
	if err := s.out.Publish(ev); err != nil {
		s.log.Warn().Err(err).Str("kind", ev.Kind).Msg("telemetry publish failed")
	}
}

// Dispatch routes one request by resource name and method.
func (s *Server) Dispatch(resource string, code codes.Code, body []byte) Response {
	switch resource {
	case s.resources.Temperature, s.resources.Light:
		if code != codes.GET {
			return Response{Code: codes.MethodNotAllowed}
		}
		if resource == s.resources.Temperature {
			return s.Temperature()
		}
		return s.Light()
	case s.resources.Actuator:
		if code != codes.PUT && code != codes.POST {
			return Response{Code: codes.MethodNotAllowed}
		}
		return s.Actuate(body)
	default:
		return Response{Code: codes.NotFound}
	}
}

// Router registers the three resources on a go-coap mux.
func (s *Server) Router() (*mux.Router, error) {
	r := mux.NewRouter()
	for _, name := range []string{s.resources.Temperature, s.resources.Light, s.resources.Actuator} {
		if err := r.Handle("/"+name, mux.HandlerFunc(s.handler(name))); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}
	return r, nil
}

func (s *Server) handler(resource string) func(mux.ResponseWriter, *mux.Message) {
	return func(w mux.ResponseWriter, m *mux.Message) {
		body, err := readBody(m.Body())
		if err != nil {
			s.log.Warn().Err(err).Str("resource", resource).Msg("read request body")
			if err := w.SetResponse(codes.BadRequest, message.TextPlain, nil); err != nil {
				s.log.Warn().Err(err).Msg("set response")
			}
			return
		}
		resp := s.Dispatch(resource, m.Code(), body)
		var payload io.ReadSeeker
		if resp.Payload != "" {
			payload = bytes.NewReader([]byte(resp.Payload))
		}
		if err := w.SetResponse(resp.Code, message.TextPlain, payload); err != nil {
			s.log.Warn().Err(err).Str("resource", resource).Msg("set response")
		}
	}
}

func readBody(r io.ReadSeeker) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return io.ReadAll(r)
}

// ListenAndServe serves CoAP on network/address until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.ServerConfig) error {
	l, err := coapnet.NewListenUDP(cfg.Network, cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", cfg.Network, cfg.Address, err)
	}
	defer l.Close()
	return s.Serve(ctx, l)
}

// Serve handles requests arriving on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l *coapnet.UDPConn) error {
	router, err := s.Router()
	if err != nil {
		return err
	}
	srv := udp.NewServer(options.WithMux(router))
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	s.log.Info().Str("address", l.LocalAddr().String()).
		Str("temperature", s.resources.Temperature).
		Str("light", s.resources.Light).
		Str("actuator", s.resources.Actuator).
		Msg("serving resources")
	if err := srv.Serve(l); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return err
	}
	return nil
}
