package api

import "net/http"

const docsPage = `<!DOCTYPE html>
<html>
<head>
  <title>Resi Labs Subnet API</title>
  <meta charset="utf-8"/>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({url: "/openapi.json", dom_id: "#swagger-ui"});
  </script>
</body>
</html>`

func (s *Server) handleDocs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(docsPage)); err != nil {
		log.WithError(err).Error("Docs page write failed")
	}
}

// handleOpenAPI serves a hand-maintained schema covering the public
// surface. Request and response bodies are documented loosely; the
// commitment formats endpoint carries the signing contract.
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	authBody := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"coldkey":   map[string]string{"type": "string"},
			"hotkey":    map[string]string{"type": "string"},
			"timestamp": map[string]string{"type": "integer"},
			"signature": map[string]string{"type": "string"},
		},
		"required": []string{"hotkey", "timestamp", "signature"},
	}
	post := func(summary string) map[string]interface{} {
		return map[string]interface{}{
			"post": map[string]interface{}{
				"summary": summary,
				"requestBody": map[string]interface{}{
					"content": map[string]interface{}{
						"application/json": map[string]interface{}{"schema": authBody},
					},
				},
				"responses": map[string]interface{}{
					"200": map[string]interface{}{"description": "OK"},
					"401": map[string]interface{}{"description": "Authentication failed"},
					"429": map[string]interface{}{"description": "Daily limit reached"},
				},
			},
		}
	}
	get := func(summary string) map[string]interface{} {
		return map[string]interface{}{
			"get": map[string]interface{}{
				"summary": summary,
				"responses": map[string]interface{}{
					"200": map[string]interface{}{"description": "OK"},
				},
			},
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   "Resi Labs Subnet API",
			"version": "1.0.0",
		},
		"paths": map[string]interface{}{
			"/get-folder-access":                     post("Miner upload credentials"),
			"/get-validator-access":                  post("Validator read credentials"),
			"/get-miner-specific-access":             post("Validator per-miner list URL"),
			"/api/v1/s3-access/validator-upload":     post("Validator result upload credentials"),
			"/api/v1/zipcode-assignments/current":    get("Current epoch assignment (signed headers)"),
			"/api/v1/zipcode-assignments/epoch/{id}": get("Historical epoch assignment (validator only)"),
			"/api/v1/zipcode-assignments/stats":      get("Assignment and master table statistics"),
			"/healthcheck":                           get("Dependency health"),
			"/rate-limits":                           get("Quota configuration and usage"),
			"/commitment-formats":                    get("Commitment strings to sign"),
			"/structure-info":                        get("Bucket keyspace layout"),
		},
	})
}
