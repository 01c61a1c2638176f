// Package engine talks to the remote decision engine over gRPC. Requests and
// responses are google.protobuf.Struct messages, so no generated stubs are
// needed on either side.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/shadow"
)

// #region methods
const (
	DecisionService    = "adaptive.engine.v1.DecisionEngine"
	DataQualityService = "adaptive.engine.v1.DataQuality"

	decideMethod  = "/" + DecisionService + "/Decide"
	collectMethod = "/" + DataQualityService + "/Collect"
)

// Section names sent in Collect requests.
const (
	SectionData        = "data"
	SectionLabels      = "labels"
	SectionNegative    = "negative"
	SectionTemporal    = "temporal"
	SectionPerformance = "performance"
)

// #endregion methods

// #region client-struct
// Client wraps the gRPC connection to the decision engine.
type Client struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// #endregion client-struct

// #region constructor
// NewClient connects to the decision engine at addr.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, cc: conn}, nil
}

// NewClientWithConn wraps an existing connection. Close is then the caller's job.
func NewClientWithConn(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close shuts down the gRPC connection if the client owns it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion constructor

// #region decide
// Decide asks the engine for its decision on subject over window.
func (c *Client) Decide(ctx context.Context, subject, window string) (shadow.Decision, error) {
	var d shadow.Decision
	if err := c.call(ctx, decideMethod, map[string]interface{}{
		"subject": subject,
		"window":  window,
	}, &d); err != nil {
		return shadow.Decision{}, fmt.Errorf("decide rpc: %w", err)
	}
	return d, nil
}

// #endregion decide

// #region collect
func (c *Client) collect(ctx context.Context, section string, h gate.Horizon, out interface{}) error {
	if err := c.call(ctx, collectMethod, map[string]interface{}{
		"section": section,
		"horizon": string(h),
	}, out); err != nil {
		return fmt.Errorf("collect %s rpc: %w", section, err)
	}
	return nil
}

func (c *Client) CollectData(ctx context.Context, h gate.Horizon) (gate.DataMetrics, error) {
	var m gate.DataMetrics
	return m, c.collect(ctx, SectionData, h, &m)
}

func (c *Client) CollectLabels(ctx context.Context, h gate.Horizon) (gate.LabelsMetrics, error) {
	var m gate.LabelsMetrics
	return m, c.collect(ctx, SectionLabels, h, &m)
}

func (c *Client) CollectNegative(ctx context.Context, h gate.Horizon) (gate.NegativeMetrics, error) {
	var m gate.NegativeMetrics
	return m, c.collect(ctx, SectionNegative, h, &m)
}

func (c *Client) CollectTemporal(ctx context.Context, h gate.Horizon) (gate.TemporalMetrics, error) {
	var m gate.TemporalMetrics
	return m, c.collect(ctx, SectionTemporal, h, &m)
}

func (c *Client) Performance(ctx context.Context, h gate.Horizon) (gate.PerformanceMetrics, error) {
	var m gate.PerformanceMetrics
	return m, c.collect(ctx, SectionPerformance, h, &m)
}

// #endregion collect

// #region call
// call sends req as a Struct and decodes the Struct reply into out through
// its json tags.
func (c *Client) call(ctx context.Context, method string, req map[string]interface{}, out interface{}) error {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, method, in, resp); err != nil {
		return err
	}
	return DecodeStruct(resp, out)
}

// DecodeStruct fills out from s through out's json tags.
func DecodeStruct(s *structpb.Struct, out interface{}) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// #endregion call

var (
	_ shadow.DecisionSource  = (*Client)(nil)
	_ gate.DataCollector     = (*Client)(nil)
	_ gate.LabelsCollector   = (*Client)(nil)
	_ gate.NegativeCollector = (*Client)(nil)
	_ gate.TemporalCollector = (*Client)(nil)
	_ gate.PerformanceSource = (*Client)(nil)
)
