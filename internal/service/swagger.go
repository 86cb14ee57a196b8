package service

import (
	"embed"
	"net/http"
)

//go:embed openapi.yaml swagger.html
var apiDocs embed.FS

// handleSwagger serves the API description and a UI page that renders it.
func (s *Service) handleSwagger(w http.ResponseWriter, r *http.Request) {
	name, contentType := "", ""
	switch r.PathValue("file") {
	case "", "index.html":
		name, contentType = "swagger.html", "text/html; charset=utf-8"
	case "openapi.yaml", "openapi.yml":
		name, contentType = "openapi.yaml", "application/yaml"
	default:
		http.NotFound(w, r)
		return
	}
	b, err := apiDocs.ReadFile(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(b)
}
