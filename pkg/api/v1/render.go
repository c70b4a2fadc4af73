// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package v1 implements the versioned admin REST API.
package v1

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/mcpbox/mcpbox/pkg/auth"
	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// maxBodyBytes caps request bodies. Tool sources are bounded at 100 KiB, so
// 1 MiB leaves room for any legitimate payload.
const maxBodyBytes = 1 << 20

// maxPageSize caps the page_size query parameter.
const maxPageSize = 100

// pageResponse is the envelope every list endpoint returns.
type pageResponse struct {
	Items    any `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Pages    int `json:"pages"`
}

func writeJSON(w http.ResponseWriter, status int, body any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

func writePage(w http.ResponseWriter, items any, total int, page storage.Page) error {
	pages := (total + page.Size - 1) / page.Size
	return writeJSON(w, http.StatusOK, pageResponse{
		Items:    items,
		Total:    total,
		Page:     page.Number,
		PageSize: page.Size,
		Pages:    pages,
	})
}

// decodeBody reads a JSON request body into out with a size cap and strict
// field checking.
func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errors.NewValidationError("invalid request body", err)
	}
	return nil
}

// pageFromRequest parses ?page= and ?page_size= with defaults and caps.
func pageFromRequest(r *http.Request) storage.Page {
	page := storage.Page{Number: 1, Size: 20}
	if raw := r.URL.Query().Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			page.Number = n
		}
	}
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			page.Size = n
		}
	}
	if page.Size > maxPageSize {
		page.Size = maxPageSize
	}
	return page
}

// actor names the authenticated caller for activity logging.
func actor(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity.Subject
	}
	return "unknown"
}
