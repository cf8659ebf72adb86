package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/atelier/kit"
)

// RegisterMCP exposes the engine's operations as MCP tools:
// atelier_generate_baseline, atelier_modify_sheet, atelier_get_history.
func RegisterMCP(srv *mcp.Server, e *Engine) {
	kit.RegisterMCPTool(srv,
		&mcp.Tool{
			Name:        "atelier_generate_baseline",
			Description: "Generate and freeze the baseline image for a design sheet. The seed is derived from the design spec, so the same spec state always produces the same baseline.",
			InputSchema: schemaFor[BaselineRequest](),
		},
		e.baselineEndpoint(),
		decodeInto[BaselineRequest]())

	kit.RegisterMCPTool(srv,
		&mcp.Tool{
			Name:        "atelier_modify_sheet",
			Description: "Apply one structured change to a sheet. The result is accepted only if untouched regions stay visually consistent with the frozen baseline.",
			InputSchema: schemaFor[ModifyRequest](),
		},
		e.modifyEndpoint(),
		decodeInto[ModifyRequest]())

	kit.RegisterMCPTool(srv,
		&mcp.Tool{
			Name:        "atelier_get_history",
			Description: "Return the sheet's full version chain, baseline first.",
			InputSchema: schemaFor[historyRequest](),
		},
		e.historyEndpoint(),
		decodeInto[historyRequest]())
}

type historyRequest struct {
	DesignID string `json:"design_id"`
	SheetID  string `json:"sheet_id"`
}

func (e *Engine) baselineEndpoint() kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		r, ok := req.(*BaselineRequest)
		if !ok {
			return nil, fmt.Errorf("engine: unexpected request type %T", req)
		}
		return e.GenerateBaseline(ctx, r)
	}
}

func (e *Engine) modifyEndpoint() kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		r, ok := req.(*ModifyRequest)
		if !ok {
			return nil, fmt.Errorf("engine: unexpected request type %T", req)
		}
		return e.Modify(ctx, r)
	}
}

func (e *Engine) historyEndpoint() kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		r, ok := req.(*historyRequest)
		if !ok {
			return nil, fmt.Errorf("engine: unexpected request type %T", req)
		}
		versions, err := e.GetHistory(ctx, r.DesignID, r.SheetID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"versions": versions}, nil
	}
}

// schemaFor derives a tool's input schema from its request type, as the SDK's
// typed AddTool helper does.
func schemaFor[T any]() *jsonschema.Schema {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Errorf("engine: schema for %T: %w", *new(T), err))
	}
	return s
}

// decodeInto unmarshals MCP tool arguments into T and tags the context with
// the transport.
func decodeInto[T any]() func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var args T
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{
			Request: &args,
			EnrichCtx: func(ctx context.Context) context.Context {
				return kit.WithTransport(ctx, "mcp")
			},
		}, nil
	}
}
