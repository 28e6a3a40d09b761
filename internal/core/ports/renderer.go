package ports

// Renderer produces configuration text from a named template. A name with no
// template behind it fails with errdefs.ErrTemplateMissing.
type Renderer interface {
	Render(name string, vars any) ([]byte, error)
}
