// Package render turns the embedded configuration templates into text.
package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"text/template"

	"github.com/dgnsrekt/requests-whaor/internal/core/ports"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

//go:embed templates/*.tmpl
var embedded embed.FS

var _ ports.Renderer = (*Renderer)(nil)

// Renderer loads "<name>.tmpl" from the templates directory of its file system.
type Renderer struct {
	fsys fs.FS
}

// New returns a Renderer over the templates shipped with the binary.
func New() *Renderer {
	return &Renderer{fsys: embedded}
}

// NewFromFS returns a Renderer over fsys, which must contain a templates
// directory.
func NewFromFS(fsys fs.FS) *Renderer {
	return &Renderer{fsys: fsys}
}

// Render executes the named template with vars. Missing keys are errors.
func (r *Renderer) Render(name string, vars any) ([]byte, error) {
	raw, err := fs.ReadFile(r.fsys, path.Join("templates", name+".tmpl"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrTemplateMissing, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
