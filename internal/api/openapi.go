package api

import (
	"net/http"
	"sort"
)

type route struct {
	method  string
	path    string
	summary string
	scope   string
	success string
}

var routes = []route{
	{method: "get", path: "/healthz", summary: "Liveness and inbox depth", success: "200"},
	{method: "post", path: "/jobs", summary: "Queue a job request", scope: "jobs:rw", success: "202"},
	{method: "get", path: "/jobs", summary: "Recent job history", scope: "jobs:ro", success: "200"},
	{method: "get", path: "/jobs/active", summary: "Dispatches in flight", scope: "jobs:ro", success: "200"},
	{method: "get", path: "/jobs/{jobID}", summary: "One job's history row", scope: "jobs:ro", success: "200"},
	{method: "post", path: "/jobs/{jobID}/cancel", summary: "Queue a cancel request", scope: "jobs:rw", success: "202"},
	{method: "get", path: "/events", summary: "Server-sent event stream", scope: "events:ro", success: "200"},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the served routes.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	sorted := append([]route(nil), routes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].path < sorted[j].path })

	for _, rt := range sorted {
		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}

		responses := map[string]any{
			rt.success: map[string]any{"description": "OK"},
		}
		operation := map[string]any{
			"summary":   rt.summary,
			"responses": responses,
		}
		if rt.scope != "" {
			responses["401"] = map[string]any{"description": "Missing or invalid token"}
			responses["403"] = map[string]any{"description": "Insufficient scope"}
			operation["security"] = []any{map[string]any{"BearerAuth": []string{rt.scope}}}
		}
		item[rt.method] = operation
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "jobhost agent",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
