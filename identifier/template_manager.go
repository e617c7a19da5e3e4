package identifier

import (
	"fmt"
	"html/template"
	"io"
	"io/fs"

	"github.com/abiosoft/mold"
)

// TemplateManager renders pages inside the base layout using mold
type TemplateManager struct {
	engine mold.Engine
}

// NewTemplateManager parses every template under fsys. Pages are rendered
// inside layouts/layout.html.
func NewTemplateManager(fsys fs.FS, funcMap template.FuncMap) (*TemplateManager, error) {
	engine, err := mold.New(fsys,
		mold.WithLayout("layouts/layout.html"),
		mold.WithFuncMap(funcMap),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	return &TemplateManager{engine: engine}, nil
}

// Render renders a page template
func (tm *TemplateManager) Render(w io.Writer, pageName string, data interface{}) error {
	return tm.engine.Render(w, pageName, data)
}
