// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Quire tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tessone/quire/internal/api"
	"github.com/tessone/quire/internal/library"
	"github.com/tessone/quire/internal/models"
)

// Server wraps the MCP server with Quire tools.
type Server struct {
	mcp *server.MCPServer
	lib *library.Library
	svc *api.Service
}

// New creates a new MCP server with all Quire tools registered.
func New(lib *library.Library, svc *api.Service) *Server {
	s := &Server{lib: lib, svc: svc}

	s.mcp = server.NewMCPServer(
		"Quire",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List the documents in the library with their ids, page counts, and sizes."),
	), s.listDocuments)

	s.mcp.AddTool(mcp.NewTool("list_annotations",
		mcp.WithDescription("List the stored annotations of a document, optionally restricted to one page."),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("Document id from list_documents")),
		mcp.WithNumber("page", mcp.Description("Optional 1-based page filter (0 or omitted for all pages)")),
	), s.listAnnotations)

	s.mcp.AddTool(mcp.NewTool("add_annotation",
		mcp.WithDescription("Add an annotation to a document. The annotation MUST follow the "+
			"canonical annotation format (kind, 1-based page, page-space points, #rrggbb color). "+
			"Read the contract first via the get_annotation_contract tool or the "+
			"quire://annotation-format resource."),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("Document id from list_documents")),
		mcp.WithString("annotation", mcp.Required(), mcp.Description("JSON annotation record following the Quire annotation format contract")),
	), s.addAnnotation)

	s.mcp.AddTool(mcp.NewTool("export_page",
		mcp.WithDescription("Render one page with its annotations composited and return it as base64 PNG."),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("Document id from list_documents")),
		mcp.WithNumber("page", mcp.Required(), mcp.Description("1-based page number")),
	), s.exportPage)

	s.mcp.AddTool(mcp.NewTool("get_annotation_contract",
		mcp.WithDescription("Returns the canonical Quire annotation format contract. "+
			"Call this before adding annotations to ensure correct structure."),
	), s.getAnnotationContract)

	// Resource: annotation format contract.
	s.mcp.AddResource(
		mcp.NewResource("quire://annotation-format", "Annotation Format Contract",
			mcp.WithResourceDescription("Canonical JSON annotation format that all annotations must follow."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readAnnotationFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) listDocuments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docs := s.lib.List()
	if len(docs) == 0 {
		return mcp.NewToolResultText("the library is empty"), nil
	}
	var b strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&b, "%s\t%s\t%d pages\t%d bytes\n", d.ID, d.Name, d.Pages, d.Size)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) listAnnotations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docID, err := req.RequireString("document_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	page := 0
	if p, perr := req.RequireFloat("page"); perr == nil {
		page = int(p)
	}
	snap, err := s.svc.Annotations(docID, page)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(snap.Annotations, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) addAnnotation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docID, err := req.RequireString("document_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := req.RequireString("annotation")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var ann models.Annotation
	if err := json.Unmarshal([]byte(raw), &ann); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid annotation JSON: %v", err)), nil
	}
	saved, err := s.svc.SaveAnnotation(docID, ann)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", saved.ID)), nil
}

func (s *Server) exportPage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docID, err := req.RequireString("document_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	page, err := req.RequireFloat("page")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := s.svc.ExportPNG(ctx, docID, int(page))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultImage("", base64.StdEncoding.EncodeToString(data), "image/png"), nil
}

func (s *Server) getAnnotationContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(AnnotationFormatContract), nil
}

func (s *Server) readAnnotationFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "quire://annotation-format",
			MIMEType: "text/markdown",
			Text:     AnnotationFormatContract,
		},
	}, nil
}
