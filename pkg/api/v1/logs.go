// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/mcpbox/mcpbox/pkg/api/errors"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// LogRoutes serves execution and activity history.
type LogRoutes struct {
	store storage.LogStore
}

// LogRouter mounts the log endpoints.
func LogRouter(store storage.LogStore) http.Handler {
	routes := LogRoutes{store: store}
	r := chi.NewRouter()
	r.Get("/executions", apierrors.ErrorHandler(routes.listExecutions))
	r.Get("/activity", apierrors.ErrorHandler(routes.listActivity))
	return r
}

// listExecutions
//
//	@Summary	List tool execution logs
//	@Tags		logs
//	@Produce	json
//	@Param		server_id	query		string	false	"Filter by server"
//	@Param		tool_id		query		string	false	"Filter by tool"
//	@Param		success		query		bool	false	"Filter by outcome"
//	@Success	200			{object}	pageResponse
//	@Router		/api/v1/logs/executions [get]
func (s *LogRoutes) listExecutions(w http.ResponseWriter, r *http.Request) error {
	page := pageFromRequest(r)
	query := r.URL.Query()
	filter := storage.ExecutionFilter{
		ServerID: query.Get("server_id"),
		ToolID:   query.Get("tool_id"),
	}
	switch query.Get("success") {
	case "true":
		yes := true
		filter.Success = &yes
	case "false":
		no := false
		filter.Success = &no
	}
	entries, total, err := s.store.ListExecutions(r.Context(), filter, page)
	if err != nil {
		return err
	}
	return writePage(w, entries, total, page)
}

// listActivity
//
//	@Summary	List admin activity logs
//	@Tags		logs
//	@Produce	json
//	@Success	200	{object}	pageResponse
//	@Router		/api/v1/logs/activity [get]
func (s *LogRoutes) listActivity(w http.ResponseWriter, r *http.Request) error {
	page := pageFromRequest(r)
	entries, total, err := s.store.ListActivity(r.Context(), page)
	if err != nil {
		return err
	}
	return writePage(w, entries, total, page)
}
