// Package templates хранит встроенные шаблоны напоминаний для каналов email, sms и web.
// Шаблоны email рендерятся через html/template, sms и web через text/template.
package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"path"
	"strings"
	texttemplate "text/template"
)

//go:embed email/*.html sms/*.txt web/*.txt
var files embed.FS

// ErrTemplateNotFound возвращается при запросе неизвестного шаблона.
var ErrTemplateNotFound = errors.New("template not found")

// Renderer рендерит шаблоны по имени вида "email/bal".
type Renderer struct {
	html *htmltemplate.Template
	text *texttemplate.Template
}

// New разбирает все встроенные шаблоны.
func New() (*Renderer, error) {
	const op = "templates.New"

	r := &Renderer{
		html: htmltemplate.New("root"),
		text: texttemplate.New("root"),
	}

	err := fs.WalkDir(files, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		content, err := files.ReadFile(p)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(p, path.Ext(p))
		if path.Ext(p) == ".html" {
			_, err = r.html.New(name).Parse(string(content))
		} else {
			_, err = r.text.New(name).Parse(string(content))
		}
		if err != nil {
			return fmt.Errorf("parse %s: %w", p, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return r, nil
}

// MustNew аналогичен New, но паникует при ошибке разбора.
func MustNew() *Renderer {
	r, err := New()
	if err != nil {
		panic(err)
	}
	return r
}

// Render выполняет шаблон name с данными data.
func (r *Renderer) Render(name string, data any) (string, error) {
	const op = "templates.Render"

	var buf bytes.Buffer
	if t := r.html.Lookup(name); t != nil {
		if err := t.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("%s: %s: %w", op, name, err)
		}
		return buf.String(), nil
	}
	if t := r.text.Lookup(name); t != nil {
		if err := t.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("%s: %s: %w", op, name, err)
		}
		return buf.String(), nil
	}
	return "", fmt.Errorf("%s: %w: %s", op, ErrTemplateNotFound, name)
}
