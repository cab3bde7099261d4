package handlers

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tphummel/as7265x_bench/internal/models"
)

//go:embed openapi.yaml
var openapiSpec []byte

var docsPage = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>AS7265x bench {{.Version}}</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
  <style>
    header { font-family: sans-serif; margin: 1em 2em; }
    header code { background: #f4f4f4; padding: 0 .3em; }
  </style>
</head>
<body>
  <header>
    <h1>AS7265x bench</h1>
    <p>Version <code>{{.Version}}</code> ({{.Commit}}).
      {{if .Selected}}Selected platform: <code>{{.Selected}}</code>.{{else}}No platform selected; <code>PUT /api/v1/selection</code> first.{{end}}
      {{.Platforms}} platforms loaded.</p>
    <p>
      <a href="/healthz">/healthz</a> &middot;
      <a href="/metrics">/metrics</a> &middot;
      <a href="/openapi.yaml">/openapi.yaml</a>
    </p>
    <table>
      <tr><th>POST /api/v1/commands/{op}</th><th>parameters</th></tr>
      {{range .Operations}}<tr><td><code>{{.Name}}</code></td><td>{{.Params}}</td></tr>
      {{end}}
    </table>
  </header>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "/openapi.yaml",
      dom_id: "#swagger-ui",
      presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
      layout: "BaseLayout",
      deepLinking: true,
      persistAuthorization: true,
    });
  </script>
</body>
</html>`))

type docsOperation struct {
	Name   models.Operation
	Params string
}

type docsData struct {
	Version    string
	Commit     string
	Selected   string
	Platforms  int
	Operations []docsOperation
}

// stampVersion returns the OpenAPI document with info.version set to version.
func stampVersion(doc []byte, version string) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("empty OpenAPI document")
	}
	info := mappingValue(root.Content[0], "info")
	if info == nil {
		return nil, fmt.Errorf("OpenAPI document has no info block")
	}
	v := mappingValue(info, "version")
	if v == nil {
		return nil, fmt.Errorf("OpenAPI document has no info.version")
	}
	v.Value = version
	v.Style = yaml.DoubleQuotedStyle

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// OpenAPISpec handles GET /openapi.yaml. The document carries the running
// version.
func (h *Handler) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	doc := openapiSpec
	if h.Version != "" {
		stamped, err := stampVersion(openapiSpec, h.Version)
		if err != nil {
			slog.Error("failed to stamp OpenAPI version", "error", err)
		} else {
			doc = stamped
		}
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(doc) //nolint:errcheck
}

// Docs handles GET /docs: the bench's version and selection, the command
// operations, and a Swagger UI for the OpenAPI document.
func (h *Handler) Docs(w http.ResponseWriter, r *http.Request) {
	data := docsData{Version: h.Version, Commit: h.Commit}
	if h.Bench != nil {
		data.Selected, _ = h.Bench.SelectedPlatform()
		data.Platforms = len(h.Bench.Platforms())
	}
	for _, op := range models.Operations {
		data.Operations = append(data.Operations, docsOperation{
			Name:   op,
			Params: strings.Join(models.OperationParams[op], ", "),
		})
	}

	var buf bytes.Buffer
	if err := docsPage.Execute(&buf, data); err != nil {
		slog.Error("failed to render docs page", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to render docs page")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes()) //nolint:errcheck
}
