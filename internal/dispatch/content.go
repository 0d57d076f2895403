package dispatch

import (
	"fmt"

	"github.com/osteele/liquid"
)

// Renderer personalizes message templates with Liquid. Templates without
// placeholders pass through untouched; a render failure falls back to the
// raw template so a bad placeholder degrades one message instead of
// failing it.
type Renderer struct {
	engine *liquid.Engine
}

// NewRenderer creates a renderer with the default Liquid engine.
func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// Render substitutes recipient fields into the template. Bindings expose
// the contact's attributes at the top level plus "address" and "id".
func (r *Renderer) Render(template string, contact Contact) (string, error) {
	bindings := make(map[string]interface{}, len(contact.Attributes)+2)
	for k, v := range contact.Attributes {
		bindings[k] = v
	}
	bindings["address"] = contact.Address
	bindings["id"] = contact.ID

	out, err := r.engine.ParseAndRenderString(template, bindings)
	if err != nil {
		return template, fmt.Errorf("template render failed: %w", err)
	}
	return out, nil
}
