// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func (s *Server) registerCatalogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/api/v1/tools",
		Summary:     "List registered tools",
		Tags:        []string{"catalog"},
	}, s.handleListTools)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-tool",
		Method:      http.MethodGet,
		Path:        "/api/v1/tools/{name}",
		Summary:     "Get a tool descriptor",
		Tags:        []string{"catalog"},
	}, s.handleGetTool)
}

// ToolView is the API rendering of one tool descriptor.
type ToolView struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	RiskLevel   string   `json:"risk_level"`
	Permissions []string `json:"permissions"`
	Builtin     bool     `json:"builtin"`
}

type listToolsOutput struct {
	Body struct {
		Version int64      `json:"catalog_version"`
		Tools   []ToolView `json:"tools"`
	}
}

type getToolInput struct {
	Name string `path:"name"`
}
type getToolOutput struct {
	Body ToolView
}

func (s *Server) handleListTools(_ context.Context, _ *struct{}) (*listToolsOutput, error) {
	snap := s.services.Catalog.Snapshot()
	out := &listToolsOutput{}
	out.Body.Version = snap.Version()
	out.Body.Tools = make([]ToolView, 0)
	for _, d := range snap.All() {
		out.Body.Tools = append(out.Body.Tools, ToolView{
			Name:        d.Name,
			Description: d.Description,
			RiskLevel:   string(d.RiskLevel),
			Permissions: d.Permissions,
			Builtin:     d.Builtin,
		})
	}
	return out, nil
}

func (s *Server) handleGetTool(_ context.Context, input *getToolInput) (*getToolOutput, error) {
	desc, ok := s.services.Catalog.Snapshot().Lookup(input.Name)
	if !ok {
		return nil, huma.Error404NotFound(fmt.Sprintf("tool %q not found", input.Name))
	}
	return &getToolOutput{Body: ToolView{
		Name:        desc.Name,
		Description: desc.Description,
		RiskLevel:   string(desc.RiskLevel),
		Permissions: desc.Permissions,
		Builtin:     desc.Builtin,
	}}, nil
}
